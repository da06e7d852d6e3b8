package eager

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.opentelemetry.io/otel/codes"

	"goa.design/eager/runtime/eager/engine"
	"goa.design/eager/runtime/eager/telemetry"
)

type (
	// RunFunc is the body of an eager run. It reaches entities through s.
	RunFunc func(ctx context.Context, s *Scope, args Args) (any, error)

	// Runner executes a RunFunc as an eager run. A Runner may be used for
	// any number of concurrent runs; each gets its own Scope and CallStack.
	Runner struct {
		name string
		fn   RunFunc
		opts options

		entityOnce sync.Once
		entity     *Entity
	}

	// Option configures a Runner.
	Option func(*options)

	options struct {
		mode       *engine.Mode
		dispatcher engine.Dispatcher
		resolver   engine.Resolver
		namespace  Namespace
		policy     PollPolicy
		reporters  []Reporter
		observers  []Observer
		entityOpts []EntityOption

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		signals   <-chan os.Signal
		signalSet []os.Signal
	}

	// cleanup terminates the unfinished nodes of a run exactly once.
	cleanup struct {
		once  sync.Once
		env   *runEnv
		scope *Scope
	}
)

// WithDispatcher sets the dispatcher used in remote mode.
func WithDispatcher(d engine.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithResolver sets the resolver used to look entities up before their
// first dispatch. Defaults to the dispatcher when it implements
// engine.Resolver.
func WithResolver(r engine.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithMode forces the execution mode. By default the mode comes from the
// execution attached to the context (see engine.WithExecution) and falls back
// to remote when a dispatcher is configured and local otherwise.
func WithMode(m engine.Mode) Option {
	return func(o *options) { o.mode = &m }
}

// WithNamespace sets the bindings reachable from the run.
func WithNamespace(ns Namespace) Option {
	return func(o *options) { o.namespace = ns }
}

// WithPollPolicy sets how long executions are waited for.
func WithPollPolicy(p PollPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithReporter adds a reporter invoked after successful runs.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporters = append(o.reporters, r) }
}

// WithObserver adds an observer of node events.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithEntityOptions configures the entity returned by Runner.Entity.
func WithEntityOptions(opts ...EntityOption) Option {
	return func(o *options) { o.entityOpts = append(o.entityOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithSignals sets the process signals that trigger cleanup. Defaults to
// SIGTERM. Calling it without signals disables process signal handling.
func WithSignals(sigs ...os.Signal) Option {
	return func(o *options) { o.signalSet = sigs }
}

// WithSignalChannel replaces process signal registration with ch. Any
// value received on ch triggers cleanup.
func WithSignalChannel(ch <-chan os.Signal) Option {
	return func(o *options) { o.signals = ch }
}

// New returns a runner named name executing fn.
func New(name string, fn RunFunc, opts ...Option) *Runner {
	o := options{
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
		signalSet: []os.Signal{syscall.SIGTERM},
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.policy = o.policy.withDefaults()
	if o.resolver == nil {
		if r, ok := o.dispatcher.(engine.Resolver); ok {
			o.resolver = r
		}
	}
	return &Runner{name: name, fn: fn, opts: o}
}

// Entity returns the runner as a workflow entity flagged eager so it can be
// bound in the namespace of other runs or registered with a cluster.
func (r *Runner) Entity() *Entity {
	r.entityOnce.Do(func() {
		r.entity = NewWorkflow(r.name, func(ctx context.Context, args Args) (any, error) {
			return r.Run(ctx, args)
		}, r.opts.entityOpts...)
		r.entity.eager = true
	})
	return r.entity
}

// Run executes the run function. Every node still running when the function
// returns or the termination signal fires is terminated before Run returns.
// Errors returned by the function are returned unchanged after cleanup.
// Reporters are invoked after cleanup when the function succeeds.
func (r *Runner) Run(ctx context.Context, args Args) (any, error) {
	env := r.newEnv(ctx)
	scope := newScope(env, r.opts.namespace)

	ctx, span := env.tracer.Start(ctx, telemetry.SpanRun)
	defer span.End()
	cleanupCtx := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancel(withScope(ctx, scope))
	defer cancel()

	c := &cleanup{env: env, scope: scope}
	stop := r.watchSignals(cleanupCtx, c, cancel)

	env.logger.Info(ctx, "eager run started", "run", env.stack.RunID(), "name", r.name, "mode", env.mode.String(),
		"parent_execution", env.stack.ParentExecutionID())

	var (
		out any
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				stop()
				c.run(cleanupCtx)
				panic(p)
			}
		}()
		out, err = r.fn(runCtx, scope, args)
	}()
	stop()
	cancel()
	c.run(cleanupCtx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "eager run failed")
		env.logger.Error(ctx, "eager run failed", "run", env.stack.RunID(), "err", err)
		env.emit(ctx, EventRunCompleted, nil, err)
		return nil, err
	}
	for _, rep := range r.opts.reporters {
		if rerr := rep.Report(cleanupCtx, env.stack); rerr != nil {
			env.logger.Warn(ctx, "report failed", "run", env.stack.RunID(), "err", rerr)
		}
	}
	env.logger.Info(ctx, "eager run completed", "run", env.stack.RunID(), "nodes", env.stack.Len())
	env.emit(ctx, EventRunCompleted, nil, nil)
	return out, nil
}

func (r *Runner) newEnv(ctx context.Context) *runEnv {
	exec, hasExec := engine.ExecutionFromContext(ctx)
	mode := engine.ModeLocal
	switch {
	case r.opts.mode != nil:
		mode = *r.opts.mode
	case hasExec:
		mode = exec.Mode
	case r.opts.dispatcher != nil:
		mode = engine.ModeRemote
	}
	env := &runEnv{
		mode:      mode,
		policy:    r.opts.policy,
		logger:    r.opts.logger,
		metrics:   r.opts.metrics,
		tracer:    r.opts.tracer,
		observers: r.opts.observers,
	}
	if mode == engine.ModeRemote {
		env.dispatcher = r.opts.dispatcher
		env.resolver = r.opts.resolver
	}
	env.stack = NewCallStack(newExecutionID(r.name), exec.TaskID, exec.ExecutionID)
	parent := exec.ExecutionID
	if parent == "" {
		parent = env.stack.RunID()
	}
	env.reason = fmt.Sprintf("execution terminated by eager run %s", parent)
	return env
}

// watchSignals triggers cleanup and cancels the run when a termination
// signal arrives before stop is called.
func (r *Runner) watchSignals(ctx context.Context, c *cleanup, cancel context.CancelFunc) (stop func()) {
	ch := r.opts.signals
	var notify chan os.Signal
	if ch == nil && len(r.opts.signalSet) > 0 {
		notify = make(chan os.Signal, 1)
		signal.Notify(notify, r.opts.signalSet...)
		ch = notify
	}
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			name := "<nil>"
			if sig != nil {
				name = sig.String()
			}
			c.env.logger.Warn(ctx, "termination signal received", "run", c.env.stack.RunID(), "signal", name)
			cancel()
			c.run(ctx)
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			if notify != nil {
				signal.Stop(notify)
			}
		})
	}
}

// run seals the scope and terminates every node that is not known to be
// terminal, concurrently. Concurrent callers block until the first call
// completes. Termination errors are logged.
func (c *cleanup) run(ctx context.Context) {
	c.once.Do(func() {
		c.scope.close()
		if c.env.dispatcher == nil {
			return
		}
		ctx, span := c.env.tracer.Start(ctx, telemetry.SpanCleanup)
		defer span.End()

		var wg sync.WaitGroup
		for _, n := range c.env.stack.Nodes() {
			if n.Status().Phase.IsTerminal() {
				continue
			}
			wg.Add(1)
			go func(n *AsyncNode) {
				defer wg.Done()
				st, err := c.env.terminate(ctx, n)
				if err != nil {
					c.env.logger.Error(ctx, "terminate failed", "entity", n.Name(), "execution", n.Handle().ID, "err", err)
					return
				}
				c.env.metrics.IncCounter(telemetry.MetricCleanupTerminated, 1, "entity", n.Name(), "phase", string(st.Phase))
			}(n)
		}
		wg.Wait()
		c.env.logger.Debug(ctx, "cleanup completed", "run", c.env.stack.RunID(), "nodes", c.env.stack.Len())
	})
}
