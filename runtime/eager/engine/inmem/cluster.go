// Package inmem provides an in-memory cluster implementing the eager engine
// contract for tests, development and single-process runs. Executions run
// in goroutines; termination cancels the execution context.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/eager/runtime/eager/engine"
	"goa.design/eager/runtime/eager/telemetry"
)

type (
	// Cluster is an in-process orchestration cluster. It implements
	// engine.Dispatcher, engine.Resolver and engine.Installer.
	Cluster struct {
		mu sync.RWMutex

		entities   map[string]registered
		executions map[string]*execution

		consoleURL string
		logger     telemetry.Logger
	}

	// Option configures a Cluster.
	Option func(*Cluster)

	registered struct {
		ref     engine.EntityRef
		handler engine.Handler
	}

	execution struct {
		mu     sync.Mutex
		handle engine.Handle
		status engine.Status
		reason string
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// DefaultConsoleURL is the console base used when WithConsoleURL is not set.
const DefaultConsoleURL = "inmem://console"

var _ interface {
	engine.Dispatcher
	engine.Resolver
	engine.Installer
} = (*Cluster)(nil)

// WithConsoleURL sets the base of the links returned by ConsoleURL.
func WithConsoleURL(base string) Option {
	return func(c *Cluster) { c.consoleURL = base }
}

// WithLogger sets the logger used to report execution outcomes.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Cluster) { c.logger = l }
}

// New returns an empty cluster.
func New(opts ...Option) *Cluster {
	c := &Cluster{
		entities:   make(map[string]registered),
		executions: make(map[string]*execution),
		consoleURL: DefaultConsoleURL,
		logger:     telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register makes an entity dispatchable.
func (c *Cluster) Register(ref engine.EntityRef, h engine.Handler) error {
	if ref.Name == "" || h == nil {
		return errors.New("inmem: invalid entity registration")
	}
	if !ref.Kind.Valid() {
		return fmt.Errorf("inmem: entity %q has invalid kind %s", ref.Name, ref.Kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.entities[ref.Name]; dup {
		return fmt.Errorf("inmem: entity %q already registered", ref.Name)
	}
	c.entities[ref.Name] = registered{ref: ref, handler: h}
	return nil
}

// Resolve returns the reference of a registered entity.
func (c *Cluster) Resolve(_ context.Context, name string, kind engine.Kind) (engine.EntityRef, error) {
	c.mu.RLock()
	reg, ok := c.entities[name]
	c.mu.RUnlock()
	if !ok || reg.ref.Kind != kind {
		return engine.EntityRef{}, fmt.Errorf("inmem: %s %q: %w", kind, name, engine.ErrEntityNotFound)
	}
	return reg.ref, nil
}

// Dispatch starts the entity in a new goroutine. The execution context only
// inherits the logger and trace state of ctx, like a remote worker would;
// only Terminate stops it.
func (c *Cluster) Dispatch(ctx context.Context, req engine.DispatchRequest) (engine.Handle, error) {
	if req.ID == "" {
		return engine.Handle{}, errors.New("inmem: execution id is required")
	}
	c.mu.Lock()
	reg, ok := c.entities[req.Entity.Name]
	if !ok {
		c.mu.Unlock()
		return engine.Handle{}, fmt.Errorf("inmem: dispatch %q: %w", req.Entity.Name, engine.ErrEntityNotFound)
	}
	if _, dup := c.executions[req.ID]; dup {
		c.mu.Unlock()
		return engine.Handle{}, fmt.Errorf("inmem: execution %q already exists", req.ID)
	}
	runCtx, cancel := context.WithCancel(telemetry.MergeContext(context.Background(), ctx))
	ex := &execution{
		handle: engine.Handle{ID: req.ID, RunID: req.ID, Entity: reg.ref},
		status: engine.Status{Phase: engine.PhaseQueued, UpdatedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.executions[req.ID] = ex
	c.mu.Unlock()

	runCtx = engine.WithExecution(runCtx, engine.Execution{
		Mode:        engine.ModeRemote,
		TaskID:      reg.ref.Name,
		ExecutionID: req.ID,
	})
	go c.run(runCtx, ex, reg.handler, copyMap(req.Inputs))
	return ex.handle, nil
}

// Sync returns a snapshot of the execution status.
func (c *Cluster) Sync(_ context.Context, h engine.Handle) (engine.Status, error) {
	ex, err := c.lookup(h)
	if err != nil {
		return engine.Status{}, err
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	st := ex.status
	st.Outputs = copyMap(st.Outputs)
	return st, nil
}

// Terminate marks the execution aborted and cancels its context. Terminating
// a finished execution is a no-op.
func (c *Cluster) Terminate(ctx context.Context, h engine.Handle, reason string) error {
	ex, err := c.lookup(h)
	if err != nil {
		return err
	}
	ex.mu.Lock()
	if ex.status.Phase.IsTerminal() {
		ex.mu.Unlock()
		return nil
	}
	ex.status = engine.Status{Phase: engine.PhaseAborted, UpdatedAt: time.Now()}
	ex.reason = reason
	ex.mu.Unlock()
	ex.cancel()
	c.logger.Info(ctx, "execution terminated", "execution", h.ID, "reason", reason)
	return nil
}

// ConsoleURL returns the console link of the execution.
func (c *Cluster) ConsoleURL(h engine.Handle) string {
	return fmt.Sprintf("%s/executions/%s", c.consoleURL, h.ID)
}

// Wait blocks until the execution finishes or ctx is done and returns its
// final status.
func (c *Cluster) Wait(ctx context.Context, h engine.Handle) (engine.Status, error) {
	ex, err := c.lookup(h)
	if err != nil {
		return engine.Status{}, err
	}
	select {
	case <-ex.done:
		return c.Sync(ctx, h)
	case <-ctx.Done():
		return engine.Status{}, ctx.Err()
	}
}

// TerminationReason returns the reason recorded by Terminate, if any.
func (c *Cluster) TerminationReason(h engine.Handle) string {
	ex, err := c.lookup(h)
	if err != nil {
		return ""
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.reason
}

func (c *Cluster) run(ctx context.Context, ex *execution, h engine.Handler, inputs map[string]any) {
	defer close(ex.done)
	defer ex.cancel()

	ex.mu.Lock()
	if ex.status.Phase == engine.PhaseQueued {
		ex.status = engine.Status{Phase: engine.PhaseRunning, UpdatedAt: time.Now()}
	}
	ex.mu.Unlock()

	outputs, err := invoke(ctx, h, inputs)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.status.Phase.IsTerminal() {
		return
	}
	now := time.Now()
	switch {
	case err == nil:
		ex.status = engine.Status{Phase: engine.PhaseSucceeded, Outputs: outputs, UpdatedAt: now}
	case errors.Is(err, context.Canceled):
		ex.status = engine.Status{Phase: engine.PhaseAborted, UpdatedAt: now}
	default:
		ex.status = engine.Status{Phase: engine.PhaseFailed, Error: toExecutionError(err), UpdatedAt: now}
		c.logger.Warn(ctx, "execution failed", "execution", ex.handle.ID, "err", err)
	}
}

func invoke(ctx context.Context, h engine.Handler, inputs map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &engine.ExecutionError{Kind: engine.ErrorKindSystem, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return h(ctx, inputs)
}

func toExecutionError(err error) *engine.ExecutionError {
	var ee *engine.ExecutionError
	if errors.As(err, &ee) {
		return &engine.ExecutionError{Kind: ee.Kind, Message: ee.Message}
	}
	return &engine.ExecutionError{Kind: engine.ErrorKindUser, Message: err.Error()}
}

func (c *Cluster) lookup(h engine.Handle) (*execution, error) {
	c.mu.RLock()
	ex, ok := c.executions[h.ID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: %q: %w", h.ID, engine.ErrExecutionNotFound)
	}
	return ex, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
