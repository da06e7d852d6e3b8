package eager

import (
	"errors"
	"fmt"
	"time"

	"goa.design/eager/runtime/eager/engine"
)

type (
	// DispatchError indicates the control plane rejected or failed a
	// Dispatch, Sync or Terminate call, or the call inputs were invalid.
	DispatchError struct {
		Entity string
		Op     string
		Cause  error
	}

	// RemoteExecutionError indicates an execution failed. In local mode it
	// wraps the error returned by the entity function.
	RemoteExecutionError struct {
		Entity      string
		ExecutionID string
		// Phase is the terminal phase reached by the execution. Empty for
		// local executions.
		Phase engine.Phase
		Cause error
	}

	// EntityNotFoundError indicates the resolver has no entity with the
	// requested name and kind.
	EntityNotFoundError struct {
		Name  string
		Kind  engine.Kind
		Cause error
	}

	// UnsupportedEntityError indicates a value that is neither a task nor a
	// workflow was used as one.
	UnsupportedEntityError struct {
		Name  string
		Value any
	}

	// PollTimeoutError indicates an execution did not reach a terminal phase
	// within the poll policy.
	PollTimeoutError struct {
		Entity      string
		ExecutionID string
		Attempts    int
		Interval    time.Duration
		LastPhase   engine.Phase
	}
)

var (
	// ErrScopeClosed is returned by Scope calls made after the run ended.
	ErrScopeClosed = errors.New("eager: scope closed")
	// ErrNotBound is returned by Scope calls naming an unbound value.
	ErrNotBound = errors.New("eager: name not bound")
)

func (e *DispatchError) Error() string {
	return fmt.Sprintf("eager: %s %s: %v", e.Op, e.Entity, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

func (e *RemoteExecutionError) Error() string {
	switch {
	case e.ExecutionID == "":
		return fmt.Sprintf("eager: %s failed: %v", e.Entity, e.Cause)
	case e.Phase == engine.PhaseFailed:
		return fmt.Sprintf("eager: execution %s of %s failed: %v", e.ExecutionID, e.Entity, e.Cause)
	default:
		return fmt.Sprintf("eager: execution %s of %s ended %s: %v", e.ExecutionID, e.Entity, e.Phase, e.Cause)
	}
}

func (e *RemoteExecutionError) Unwrap() error { return e.Cause }

// ExecutionError returns the remote failure payload, if any.
func (e *RemoteExecutionError) ExecutionError() *engine.ExecutionError {
	var ee *engine.ExecutionError
	if errors.As(e.Cause, &ee) {
		return ee
	}
	return nil
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("eager: %s %q not found", e.Kind, e.Name)
}

func (e *EntityNotFoundError) Unwrap() error { return e.Cause }

func (e *UnsupportedEntityError) Error() string {
	return fmt.Sprintf("eager: %q is a %T, not a task or workflow", e.Name, e.Value)
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("eager: execution %s of %s still %s after %d polls every %s",
		e.ExecutionID, e.Entity, e.LastPhase, e.Attempts, e.Interval)
}
