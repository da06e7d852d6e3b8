// Command eager-demo runs a small eager workflow that adds one to its input,
// then doubles the result while checking it is positive.
//
// Backends:
//
//	local     entities are called in-process, nothing is dispatched
//	inmem     entities are dispatched to an in-memory cluster
//	temporal  entities are dispatched to Temporal workflows
//
// With -backend temporal, -worker also serves the entities from this
// process and -serve runs a worker only, deriving its platform settings for
// executions running inside the cluster.
//
// Example:
//
//	eager-demo -backend inmem -x 3 -report ./decks
//	EAGER_ENDPOINT=temporal:7233 eager-demo -backend temporal -worker -x 3
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/config"
	"goa.design/eager/runtime/eager/engine"
	"goa.design/eager/runtime/eager/engine/inmem"
	"goa.design/eager/runtime/eager/engine/ratelimit"
	"goa.design/eager/runtime/eager/engine/temporal"
	"goa.design/eager/runtime/eager/report"
	"goa.design/eager/runtime/eager/telemetry"
)

type flags struct {
	backend    string
	x          int
	reportDir  string
	withWorker bool
	serve      bool
	secrets    config.Secrets
}

func main() {
	var (
		configF  = flag.String("config", "", "YAML configuration file")
		backendF = flag.String("backend", "inmem", "Execution backend (local, inmem or temporal)")
		xF       = flag.Int("x", 3, "Input of the eager workflow")
		reportF  = flag.String("report", "", "Directory receiving the HTML deck of the run")
		workerF  = flag.Bool("worker", false, "Serve entities from this process (temporal backend)")
		serveF   = flag.Bool("serve", false, "Run a worker only (temporal backend)")
		secretsF = flag.String("secrets-dir", "", "Directory holding mounted secrets, defaults to environment secrets")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if cfg.Log.Format == "terminal" || (cfg.Log.Format == "" && log.IsTerminal()) {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF || cfg.Log.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	f := flags{
		backend:    *backendF,
		x:          *xF,
		reportDir:  *reportF,
		withWorker: *workerF,
		serve:      *serveF,
		secrets:    config.EnvSecrets{},
	}
	if *secretsF != "" {
		f.secrets = config.DirSecrets{Dir: *secretsF}
	}
	if err := run(ctx, cfg, f); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg config.Config, f flags) error {
	logger := telemetry.NewClueLogger()
	s, err := newSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(ctx))
	if err := s.check(ctx); err != nil {
		return err
	}

	ns := tasks()
	opts := []eager.Option{
		eager.WithNamespace(ns),
		eager.WithLogger(logger),
		eager.WithMetrics(telemetry.NewClueMetrics()),
		eager.WithTracer(telemetry.NewClueTracer()),
		eager.WithPollPolicy(cfg.PollPolicy()),
		eager.WithReporter(report.NewLogReporter(logger)),
		eager.WithEntityOptions(eager.WithModule(module), eager.WithInputs(eager.In[int]("x")), eager.WithOutputs(eager.Out[int]("o0"))),
	}
	if f.reportDir != "" {
		opts = append(opts, eager.WithReporter(report.NewFileReporter(f.reportDir)))
	}
	for _, o := range s.observer {
		opts = append(opts, eager.WithObserver(o))
	}

	log.Print(ctx, log.KV{K: "backend", V: f.backend}, log.KV{K: "x", V: f.x})
	switch f.backend {
	case "local":
		r := eager.New("pipeline", pipeline, append(opts, eager.WithMode(engine.ModeLocal))...)
		return execute(ctx, r, f.x)

	case "inmem":
		cluster := inmem.New(inmem.WithLogger(logger))
		r := eager.New("pipeline", pipeline, append(opts, dispatchThrough(cluster, cfg))...)
		cat, err := catalog(ns, r)
		if err != nil {
			return err
		}
		if err := cat.Install(cluster); err != nil {
			return err
		}
		return execute(ctx, r, f.x)

	case "temporal":
		platform := &cfg.Platform
		if f.serve {
			platform, err = config.Prepare(ctx, cfg, engine.ModeRemote, f.secrets)
			if err != nil {
				return err
			}
		}
		d, err := newTemporal(*platform, logger)
		if err != nil {
			return err
		}
		defer d.Close()
		r := eager.New("pipeline", pipeline, append(opts, dispatchThrough(d, cfg))...)
		if f.withWorker || f.serve {
			cat, err := catalog(ns, r)
			if err != nil {
				return err
			}
			w, err := d.NewWorker(temporal.WorkerOptions{BaseContext: ctx})
			if err != nil {
				return err
			}
			if err := cat.Install(w); err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			defer w.Stop()
		}
		if f.serve {
			log.Printf(ctx, "serving task queue %s", platform.TaskQueue)
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			log.Printf(ctx, "exiting (%v)", <-sig)
			return nil
		}
		return execute(ctx, r, f.x)

	default:
		return fmt.Errorf("invalid backend %q (valid backends: local, inmem, temporal)", f.backend)
	}
}

// dispatchThrough routes dispatches through d, paced when the configuration
// sets a control plane budget.
func dispatchThrough(d engine.Dispatcher, cfg config.Config) eager.Option {
	if cfg.RateLimit.SyncsPerSecond > 0 {
		d = ratelimit.New(cfg.RateLimit.SyncsPerSecond, cfg.RateLimit.Burst).Wrap(d)
	}
	return eager.WithDispatcher(d)
}

func execute(ctx context.Context, r *eager.Runner, x int) error {
	out, err := r.Run(ctx, eager.Args{"x": x})
	if err != nil {
		return err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "result", V: string(b)})
	return nil
}
