package engine

import "context"

type (
	// Mode selects how entities are executed by an eager run.
	Mode int

	// Execution describes the execution a piece of code is running in. Engine
	// adapters attach it to the context handed to entity handlers so nested
	// eager runs know they execute remotely and who their parent is.
	Execution struct {
		// Mode is the execution mode.
		Mode Mode
		// TaskID identifies the entity being executed.
		TaskID string
		// ExecutionID identifies the execution.
		ExecutionID string
	}

	execCtxKey struct{}
)

const (
	// ModeLocal executes entities in-process.
	ModeLocal Mode = iota
	// ModeRemote dispatches entities to a cluster.
	ModeRemote
)

// String returns "local" or "remote".
func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// WithExecution returns a child context carrying exec.
func WithExecution(ctx context.Context, exec Execution) context.Context {
	return context.WithValue(ctx, execCtxKey{}, exec)
}

// ExecutionFromContext extracts the execution attached with WithExecution.
func ExecutionFromContext(ctx context.Context) (Execution, bool) {
	exec, ok := ctx.Value(execCtxKey{}).(Execution)
	return exec, ok
}
