package eager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/eager/runtime/eager/engine"
	"goa.design/eager/runtime/eager/telemetry"
)

type (
	// AsyncEntity binds an entity to the dispatcher and call stack of one
	// run. Calls dispatch a new execution each time; only the latest one is
	// tracked by the entity, the call stack keeps them all.
	AsyncEntity struct {
		entity *Entity
		env    *runEnv

		mu     sync.Mutex
		ref    *engine.EntityRef
		latest *AsyncNode
	}

	// runEnv is the state shared by every AsyncEntity of a run.
	runEnv struct {
		mode       engine.Mode
		dispatcher engine.Dispatcher
		resolver   engine.Resolver
		stack      *CallStack
		policy     PollPolicy
		reason     string

		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
		observers []Observer
	}
)

func newAsyncEntity(name string, v any, env *runEnv) (*AsyncEntity, error) {
	e, ok := v.(*Entity)
	if !ok || e == nil || !e.kind.Valid() || e.fn == nil {
		return nil, &UnsupportedEntityError{Name: name, Value: v}
	}
	return &AsyncEntity{entity: e, env: env}, nil
}

// Entity returns the wrapped entity.
func (a *AsyncEntity) Entity() *Entity { return a.entity }

// Node returns the node of the latest dispatch, nil if none.
func (a *AsyncEntity) Node() *AsyncNode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// Invoke executes the entity with args. In local mode the entity function is
// called directly with a local execution attached to ctx so eager runs nested
// in it stay local too. In remote mode a new execution is dispatched, recorded in
// the call stack and polled until it reaches a terminal phase; its outputs
// are converted to the declared output types.
func (a *AsyncEntity) Invoke(ctx context.Context, args Args) (any, error) {
	if a.env.mode == engine.ModeLocal || a.env.dispatcher == nil {
		ctx = engine.WithExecution(ctx, engine.Execution{
			Mode:        engine.ModeLocal,
			TaskID:      a.entity.Name(),
			ExecutionID: a.env.stack.ParentExecutionID(),
		})
		v, err := a.entity.fn(ctx, args)
		if err != nil {
			return nil, &RemoteExecutionError{Entity: a.entity.Name(), Cause: err}
		}
		return v, nil
	}
	node, err := a.dispatch(ctx, args)
	if err != nil {
		return nil, err
	}
	return a.await(ctx, node)
}

// Terminate stops the latest execution of the entity and waits for it to
// reach a terminal phase. Executions that already finished are not
// terminated again; the observed status is returned.
func (a *AsyncEntity) Terminate(ctx context.Context) (engine.Status, error) {
	node := a.Node()
	if node == nil {
		return engine.Status{}, nil
	}
	return a.env.terminate(ctx, node)
}

func (a *AsyncEntity) dispatch(ctx context.Context, args Args) (*AsyncNode, error) {
	name := a.entity.Name()
	ctx, span := a.env.tracer.Start(ctx, telemetry.SpanDispatch)
	defer span.End()

	inputs, err := a.entity.encodeInputs(args)
	if err != nil {
		span.RecordError(err)
		return nil, &DispatchError{Entity: name, Op: "validate", Cause: err}
	}
	ref, err := a.resolve(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	req := engine.DispatchRequest{
		ID:     newExecutionID(name),
		Entity: ref,
		Inputs: inputs,
		Parent: engine.Execution{
			Mode:        a.env.mode,
			TaskID:      a.env.stack.ParentTaskID(),
			ExecutionID: a.env.stack.ParentExecutionID(),
		},
	}
	h, err := a.env.dispatcher.Dispatch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return nil, &DispatchError{Entity: name, Op: "dispatch", Cause: err}
	}
	node := NewAsyncNode(a.entity, h, a.env.dispatcher.ConsoleURL(h), inputs)
	a.env.stack.Append(node)
	a.mu.Lock()
	a.latest = node
	a.mu.Unlock()

	span.AddEvent("dispatched", "execution", h.ID, "node", node.Index())
	a.env.metrics.IncCounter(telemetry.MetricDispatchCount, 1, "entity", name)
	a.env.logger.Info(ctx, "dispatched", "entity", name, "execution", h.ID, "url", node.URL())
	a.env.emit(ctx, EventNodeDispatched, node, nil)
	return node, nil
}

func (a *AsyncEntity) await(ctx context.Context, node *AsyncNode) (any, error) {
	name := a.entity.Name()
	st, o, err := a.env.poll(ctx, node)
	a.env.metrics.RecordTimer(telemetry.MetricExecutionDuration, time.Since(node.dispatchedAt), "entity", name, "phase", string(st.Phase))
	if err != nil {
		return nil, err
	}
	if o == outcomeFailed {
		a.env.metrics.IncCounter(telemetry.MetricExecutionFailed, 1, "entity", name, "phase", string(st.Phase))
		return nil, remoteError(node, st)
	}
	v, err := a.entity.materialize(st.Outputs)
	if err != nil {
		return nil, &RemoteExecutionError{Entity: name, ExecutionID: node.Handle().ID, Phase: st.Phase, Cause: err}
	}
	return v, nil
}

// resolve looks the entity up once per AsyncEntity. Without a resolver the
// entity reference is dispatched as is.
func (a *AsyncEntity) resolve(ctx context.Context) (engine.EntityRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ref != nil {
		return *a.ref, nil
	}
	ref := a.entity.Ref()
	if a.env.resolver != nil {
		resolved, err := a.env.resolver.Resolve(ctx, ref.Name, ref.Kind)
		if err != nil {
			if errors.Is(err, engine.ErrEntityNotFound) {
				return engine.EntityRef{}, &EntityNotFoundError{Name: ref.Name, Kind: ref.Kind, Cause: err}
			}
			return engine.EntityRef{}, &DispatchError{Entity: ref.Name, Op: "resolve", Cause: err}
		}
		ref = resolved
	}
	a.ref = &ref
	return ref, nil
}

func remoteError(node *AsyncNode, st engine.Status) error {
	var cause error = fmt.Errorf("execution %s", st.Phase)
	if st.Error != nil {
		cause = st.Error
	}
	return &RemoteExecutionError{
		Entity:      node.Name(),
		ExecutionID: node.Handle().ID,
		Phase:       st.Phase,
		Cause:       cause,
	}
}

// terminate stops node unless Sync shows it already finished, then polls
// until it reaches a terminal phase.
func (e *runEnv) terminate(ctx context.Context, node *AsyncNode) (engine.Status, error) {
	h := node.Handle()
	st, err := e.dispatcher.Sync(ctx, h)
	if err != nil {
		return engine.Status{}, &DispatchError{Entity: node.Name(), Op: "sync", Cause: err}
	}
	e.update(ctx, node, st, EventNodeUpdated)
	if st.Phase.IsTerminal() {
		return st, nil
	}
	if err := e.dispatcher.Terminate(ctx, h, e.reason); err != nil {
		return st, &DispatchError{Entity: node.Name(), Op: "terminate", Cause: err}
	}
	e.logger.Info(ctx, "terminating", "entity", node.Name(), "execution", h.ID, "reason", e.reason)
	st, _, err = e.poll(ctx, node)
	if err != nil {
		return st, err
	}
	e.emit(ctx, EventNodeTerminated, node, nil)
	return st, nil
}

// update stores st on node and emits kind when the phase changed.
func (e *runEnv) update(ctx context.Context, node *AsyncNode, st engine.Status, kind EventType) {
	if node.setStatus(st) {
		e.emit(ctx, kind, node, nil)
	}
}

func (e *runEnv) emit(ctx context.Context, kind EventType, node *AsyncNode, runErr error) {
	if len(e.observers) == 0 {
		return
	}
	ev := NodeEvent{Type: kind, RunID: e.stack.RunID(), Timestamp: time.Now()}
	if node != nil {
		ev.Node = node.Snapshot()
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	for _, o := range e.observers {
		o.Observe(ctx, ev)
	}
}
