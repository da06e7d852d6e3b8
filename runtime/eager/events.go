package eager

import (
	"context"
	"time"
)

type (
	// EventType identifies a call stack transition.
	EventType string

	// NodeEvent describes a transition observed during a run. Node is the
	// zero value for run-level events.
	NodeEvent struct {
		Type      EventType    `json:"type"`
		RunID     string       `json:"run_id"`
		Node      NodeSnapshot `json:"node"`
		Error     string       `json:"error,omitempty"`
		Timestamp time.Time    `json:"timestamp"`
	}

	// Observer receives node events as they happen. Observe is called
	// synchronously from the goroutine that observed the transition and must
	// not block for long.
	Observer interface {
		Observe(ctx context.Context, ev NodeEvent)
	}

	// Reporter receives the call stack of a run that completed
	// successfully, after cleanup and before Run returns.
	Reporter interface {
		Report(ctx context.Context, stack *CallStack) error
	}

	// ObserverFunc adapts a function to Observer.
	ObserverFunc func(ctx context.Context, ev NodeEvent)

	// ReporterFunc adapts a function to Reporter.
	ReporterFunc func(ctx context.Context, stack *CallStack) error
)

const (
	// EventNodeDispatched is emitted when a node is appended to the stack.
	EventNodeDispatched EventType = "node_dispatched"
	// EventNodeUpdated is emitted when polling observes a phase change.
	EventNodeUpdated EventType = "node_updated"
	// EventNodeTerminated is emitted when cleanup terminated a node.
	EventNodeTerminated EventType = "node_terminated"
	// EventRunCompleted is emitted once when the run returns.
	EventRunCompleted EventType = "run_completed"
)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev NodeEvent) { f(ctx, ev) }

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, stack *CallStack) error { return f(ctx, stack) }
