package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/eager/runtime/eager/engine"
	"goa.design/eager/runtime/eager/telemetry"
)

type (
	// WorkerOptions configures entity workflows.
	WorkerOptions struct {
		// ExecutionTimeout bounds one entity execution. Defaults to 24h.
		ExecutionTimeout time.Duration
		// HeartbeatInterval is the delay between activity heartbeats.
		// Defaults to 10s; the heartbeat timeout is three intervals.
		HeartbeatInterval time.Duration
		// BaseContext carries the logger and trace state injected into every
		// activity context. Optional.
		BaseContext context.Context
		// Options are passed to worker.New.
		Options worker.Options
	}

	// Worker registers entities as Temporal workflows. It implements
	// engine.Installer.
	Worker struct {
		reg      registrar
		runner   runner
		timeout  time.Duration
		interval time.Duration
		base     context.Context
		logger   telemetry.Logger

		mu         sync.Mutex
		registered map[string]struct{}
	}

	// registrar is implemented by worker.Worker and by the SDK test
	// environment.
	registrar interface {
		RegisterWorkflowWithOptions(w any, options workflow.RegisterOptions)
		RegisterActivityWithOptions(a any, options activity.RegisterOptions)
	}

	runner interface {
		Start() error
		Stop()
	}
)

const (
	defaultExecutionTimeout  = 24 * time.Hour
	defaultHeartbeatInterval = 10 * time.Second
	activitySuffix           = ".execute"
)

var _ engine.Installer = (*Worker)(nil)

func newWorker(reg registrar, r runner, opts WorkerOptions, logger telemetry.Logger) *Worker {
	w := &Worker{
		reg:        reg,
		runner:     r,
		timeout:    opts.ExecutionTimeout,
		interval:   opts.HeartbeatInterval,
		base:       opts.BaseContext,
		logger:     logger,
		registered: make(map[string]struct{}),
	}
	if w.timeout <= 0 {
		w.timeout = defaultExecutionTimeout
	}
	if w.interval <= 0 {
		w.interval = defaultHeartbeatInterval
	}
	if w.logger == nil {
		w.logger = telemetry.NewNoopLogger()
	}
	return w
}

// Register installs h as the workflow of ref.
func (w *Worker) Register(ref engine.EntityRef, h engine.Handler) error {
	if ref.Name == "" {
		return errors.New("temporal worker: entity name is required")
	}
	if h == nil {
		return fmt.Errorf("temporal worker: handler of %q is required", ref.Name)
	}
	name := WorkflowName(ref)
	w.mu.Lock()
	if _, ok := w.registered[name]; ok {
		w.mu.Unlock()
		return fmt.Errorf("temporal worker: %q already registered", name)
	}
	w.registered[name] = struct{}{}
	w.mu.Unlock()

	actName := name + activitySuffix
	w.reg.RegisterActivityWithOptions(w.activity(ref, h), activity.RegisterOptions{Name: actName})
	w.reg.RegisterWorkflowWithOptions(w.workflow(actName), workflow.RegisterOptions{Name: name})
	return nil
}

// Start starts polling the task queue.
func (w *Worker) Start() error {
	if w.runner == nil {
		return errors.New("temporal worker: no runner")
	}
	return w.runner.Start()
}

// Stop stops the worker.
func (w *Worker) Stop() {
	if w.runner != nil {
		w.runner.Stop()
	}
}

func (w *Worker) workflow(actName string) func(workflow.Context, Input) (map[string]any, error) {
	return func(ctx workflow.Context, in Input) (map[string]any, error) {
		ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: w.timeout,
			HeartbeatTimeout:    3 * w.interval,
			WaitForCancellation: true,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
		})
		var out map[string]any
		err := workflow.ExecuteActivity(ctx, actName, in).Get(ctx, &out)
		return out, err
	}
}

func (w *Worker) activity(ref engine.EntityRef, h engine.Handler) func(context.Context, Input) (map[string]any, error) {
	return func(ctx context.Context, in Input) (map[string]any, error) {
		info := activity.GetInfo(ctx)
		ctx = telemetry.MergeContext(ctx, w.base)
		ctx = engine.WithExecution(ctx, engine.Execution{
			Mode:        engine.ModeRemote,
			TaskID:      ref.Name,
			ExecutionID: info.WorkflowExecution.ID,
		})
		stop := w.heartbeat(ctx)
		defer stop()

		out, err := h(ctx, in.Inputs)
		if err != nil {
			w.logger.Info(ctx, "entity failed", "entity", ref.Name, "execution", info.WorkflowExecution.ID, "err", err)
			var execErr *engine.ExecutionError
			if errors.As(err, &execErr) {
				return nil, temporal.NewNonRetryableApplicationError(execErr.Message, execErr.Kind, nil)
			}
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), engine.ErrorKindUser, err)
		}
		return out, nil
	}
}

// heartbeat records heartbeats until stop is called so terminations reach
// the activity context.
func (w *Worker) heartbeat(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(w.interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
