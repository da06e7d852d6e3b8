// Package engine defines the contract between eager runs and the remote
// orchestration cluster that executes dispatched entities.
//
// The cluster is reached through a Dispatcher: entities are dispatched by
// reference, executions are observed with Sync and stopped with Terminate.
// Adapters in the inmem and temporal subpackages implement the contract for
// in-process development and for Temporal clusters respectively.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Kind is the closed set of dispatchable entity kinds.
	Kind int

	// Phase is the lifecycle phase of a remote execution.
	Phase string

	// EntityRef identifies a registered entity on the cluster. Resolvers
	// return references; dispatchers consume them.
	EntityRef struct {
		// Name is the qualified entity name.
		Name string
		// Kind is the entity kind.
		Kind Kind
		// Version optionally pins a registered version of the entity.
		Version string
	}

	// Handle identifies one remote execution. Handles are opaque to eager
	// runs: they are produced by Dispatch and handed back to Sync and
	// Terminate unchanged.
	Handle struct {
		// ID is the execution identifier chosen at dispatch time.
		ID string
		// RunID is the cluster-assigned identifier of this attempt, if any.
		RunID string
		// Entity is the reference that was dispatched.
		Entity EntityRef
	}

	// ExecutionError describes why a remote execution failed.
	ExecutionError struct {
		// Kind classifies the failure (for example the application error
		// type reported by the cluster).
		Kind string
		// Message is the human-readable failure message.
		Message string
	}

	// Status is a point-in-time snapshot of a remote execution.
	Status struct {
		// Phase is the execution phase.
		Phase Phase
		// Outputs holds named outputs; set only when Phase is PhaseSucceeded.
		Outputs map[string]any
		// Error holds the failure payload; set only when Phase is PhaseFailed.
		Error *ExecutionError
		// UpdatedAt is when the cluster last reported a change, if known.
		UpdatedAt time.Time
	}

	// DispatchRequest describes one execution to start.
	DispatchRequest struct {
		// ID is the execution identifier to use. Dispatchers must honor it so
		// retries of the same request are recognizable.
		ID string
		// Entity is the reference to execute.
		Entity EntityRef
		// Inputs are the named, JSON-compatible inputs of the execution.
		Inputs map[string]any
		// Parent identifies the eager execution issuing the dispatch.
		Parent Execution
	}

	// Dispatcher starts, observes and stops executions on a remote cluster.
	// Implementations must be safe for concurrent use.
	Dispatcher interface {
		// Dispatch starts an execution and returns its handle.
		Dispatch(ctx context.Context, req DispatchRequest) (Handle, error)
		// Sync returns the current status of the execution.
		Sync(ctx context.Context, h Handle) (Status, error)
		// Terminate requests the execution to stop. reason is recorded by
		// the cluster.
		Terminate(ctx context.Context, h Handle, reason string) error
		// ConsoleURL returns a link to the execution in the cluster console.
		ConsoleURL(h Handle) string
	}

	// Resolver looks up registered entities by name and kind. Resolve returns
	// an error wrapping ErrEntityNotFound when no such entity exists.
	Resolver interface {
		Resolve(ctx context.Context, name string, kind Kind) (EntityRef, error)
	}

	// Handler executes an entity inside the cluster. Inputs and outputs are
	// named, JSON-compatible values.
	Handler func(ctx context.Context, inputs map[string]any) (map[string]any, error)

	// Installer registers entity handlers with a cluster or worker.
	Installer interface {
		Register(ref EntityRef, h Handler) error
	}
)

const (
	// KindTask identifies a task entity.
	KindTask Kind = iota + 1
	// KindWorkflow identifies a workflow entity.
	KindWorkflow
)

const (
	// PhaseQueued indicates the execution was accepted but has not started.
	PhaseQueued Phase = "queued"
	// PhaseRunning indicates the execution is in progress.
	PhaseRunning Phase = "running"
	// PhaseSucceeded indicates the execution completed with outputs.
	PhaseSucceeded Phase = "succeeded"
	// PhaseFailed indicates the execution completed with an error.
	PhaseFailed Phase = "failed"
	// PhaseAborted indicates the execution was terminated or canceled.
	PhaseAborted Phase = "aborted"
	// PhaseTimedOut indicates the cluster timed the execution out.
	PhaseTimedOut Phase = "timed_out"
)

const (
	// ErrorKindUser classifies failures raised by entity code.
	ErrorKindUser = "USER"
	// ErrorKindSystem classifies failures raised by the platform, such as
	// invalid inputs or crashed handlers.
	ErrorKindSystem = "SYSTEM"
)

var (
	// ErrEntityNotFound is returned by resolvers for unknown entities.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrExecutionNotFound is returned when a handle does not match any
	// known execution.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrThrottled is wrapped by dispatchers when the cluster rejects a call
	// because of rate limits.
	ErrThrottled = errors.New("control plane throttled")
)

// String returns the display label of the kind.
func (k Kind) String() string {
	switch k {
	case KindTask:
		return "Task"
	case KindWorkflow:
		return "Workflow"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k == KindTask || k == KindWorkflow
}

// IsTerminal reports whether no further transitions can happen.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseAborted, PhaseTimedOut:
		return true
	default:
		return false
	}
}

// Error implements error.
func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// String returns a compact representation used in logs.
func (h Handle) String() string {
	if h.RunID == "" {
		return h.ID
	}
	return h.ID + "/" + h.RunID
}
