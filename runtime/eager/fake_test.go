package eager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/eager/runtime/eager/engine"
)

type (
	// behavior returns the status of the nth Sync (1-based) of an execution.
	behavior func(req engine.DispatchRequest, n int) engine.Status

	fakeDispatcher struct {
		mu          sync.Mutex
		behaviors   map[string]behavior
		dispatched  []engine.DispatchRequest
		syncs       map[string]int
		terminated  map[string]string
		terminates  int
		dispatchErr error
		syncErr     error
	}

	recordingObserver struct {
		mu     sync.Mutex
		events []NodeEvent
	}
)

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		behaviors:  make(map[string]behavior),
		syncs:      make(map[string]int),
		terminated: make(map[string]string),
	}
}

func (f *fakeDispatcher) on(entity string, b behavior) *fakeDispatcher {
	f.behaviors[entity] = b
	return f
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req engine.DispatchRequest) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return engine.Handle{}, f.dispatchErr
	}
	if _, ok := f.behaviors[req.Entity.Name]; !ok {
		return engine.Handle{}, fmt.Errorf("no behavior for %s", req.Entity.Name)
	}
	f.dispatched = append(f.dispatched, req)
	return engine.Handle{ID: req.ID, RunID: "r-" + req.ID, Entity: req.Entity}, nil
}

func (f *fakeDispatcher) Sync(_ context.Context, h engine.Handle) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return engine.Status{}, f.syncErr
	}
	req, ok := f.request(h.ID)
	if !ok {
		return engine.Status{}, engine.ErrExecutionNotFound
	}
	if _, ok := f.terminated[h.ID]; ok {
		return engine.Status{Phase: engine.PhaseAborted}, nil
	}
	f.syncs[h.ID]++
	return f.behaviors[req.Entity.Name](req, f.syncs[h.ID]), nil
}

func (f *fakeDispatcher) Terminate(_ context.Context, h engine.Handle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.request(h.ID); !ok {
		return engine.ErrExecutionNotFound
	}
	f.terminates++
	f.terminated[h.ID] = reason
	return nil
}

func (f *fakeDispatcher) ConsoleURL(h engine.Handle) string {
	return "https://console.test/executions/" + h.ID
}

func (f *fakeDispatcher) request(id string) (engine.DispatchRequest, bool) {
	for _, r := range f.dispatched {
		if r.ID == id {
			return r, true
		}
	}
	return engine.DispatchRequest{}, false
}

func (f *fakeDispatcher) dispatches() []engine.DispatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.DispatchRequest(nil), f.dispatched...)
}

func (f *fakeDispatcher) terminateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminates
}

func (f *fakeDispatcher) reason(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated[id]
}

func (f *fakeDispatcher) syncCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs[id]
}

func (o *recordingObserver) Observe(_ context.Context, ev NodeEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) types() []EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EventType, len(o.events))
	for i, ev := range o.events {
		out[i] = ev.Type
	}
	return out
}

// succeedWith completes on the first Sync with outputs computed from inputs.
func succeedWith(fn func(in map[string]any) map[string]any) behavior {
	return func(req engine.DispatchRequest, _ int) engine.Status {
		return engine.Status{Phase: engine.PhaseSucceeded, Outputs: fn(req.Inputs)}
	}
}

// succeedAfter completes on the nth Sync.
func succeedAfter(n int, outputs map[string]any) behavior {
	return func(_ engine.DispatchRequest, i int) engine.Status {
		if i < n {
			return engine.Status{Phase: engine.PhaseRunning}
		}
		return engine.Status{Phase: engine.PhaseSucceeded, Outputs: outputs}
	}
}

func failWith(kind, msg string) behavior {
	return func(engine.DispatchRequest, int) engine.Status {
		return engine.Status{Phase: engine.PhaseFailed, Error: &engine.ExecutionError{Kind: kind, Message: msg}}
	}
}

func runForever(engine.DispatchRequest, int) engine.Status {
	return engine.Status{Phase: engine.PhaseRunning}
}

var errLocal = errors.New("local failure")

func addOneTask() *Entity {
	return NewTask("add_one", func(_ context.Context, args Args) (any, error) {
		x, err := Arg[int](args, "x")
		if err != nil {
			return nil, err
		}
		return x + 1, nil
	}, WithModule("demo"), WithInputs(In[int]("x")), WithOutputs(Out[int]("o0")))
}

func doubleTask() *Entity {
	return NewTask("double", func(_ context.Context, args Args) (any, error) {
		x, err := Arg[int](args, "x")
		if err != nil {
			return nil, err
		}
		return 2 * x, nil
	}, WithModule("demo"), WithInputs(In[int]("x")), WithOutputs(Out[int]("o0")))
}

func plusOne(in map[string]any) map[string]any {
	return map[string]any{"o0": in["x"].(float64) + 1}
}

func timesTwo(in map[string]any) map[string]any {
	return map[string]any{"o0": in["x"].(float64) * 2}
}

var (
	fastPoll    = WithPollPolicy(PollPolicy{Attempts: 50, Interval: time.Millisecond})
	patientPoll = WithPollPolicy(PollPolicy{Attempts: 10_000, Interval: time.Millisecond})
)
