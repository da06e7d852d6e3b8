package eager

import (
	"context"
	"time"

	"goa.design/eager/runtime/eager/engine"
)

// PollPolicy bounds how long an eager run waits for an execution.
type PollPolicy struct {
	// Attempts is the maximum number of Sync calls per wait. Defaults to
	// DefaultPollAttempts.
	Attempts int
	// Interval is the delay between Sync calls. Defaults to
	// DefaultPollInterval.
	Interval time.Duration
}

const (
	// DefaultPollAttempts is the default number of Sync calls per wait.
	DefaultPollAttempts = 1000
	// DefaultPollInterval is the default delay between Sync calls.
	DefaultPollInterval = 3 * time.Second
)

// outcome is the result of classifying one observed status.
type outcome int

const (
	outcomePending outcome = iota
	outcomeSucceeded
	outcomeFailed
)

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPollAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	return p
}

func outcomeOf(phase engine.Phase) outcome {
	switch {
	case phase == engine.PhaseSucceeded:
		return outcomeSucceeded
	case phase.IsTerminal():
		return outcomeFailed
	default:
		return outcomePending
	}
}

// poll syncs node until it reaches a terminal phase. It returns a
// *DispatchError when Sync fails, a *PollTimeoutError when the policy is
// exhausted and the context error when ctx is done.
func (e *runEnv) poll(ctx context.Context, node *AsyncNode) (engine.Status, outcome, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	last := node.Status()
	for attempt := 1; ; attempt++ {
		st, err := e.dispatcher.Sync(ctx, node.Handle())
		if err != nil {
			if ctx.Err() != nil {
				return last, outcomePending, ctx.Err()
			}
			return last, outcomePending, &DispatchError{Entity: node.Name(), Op: "sync", Cause: err}
		}
		last = st
		e.update(ctx, node, st, EventNodeUpdated)
		if o := outcomeOf(st.Phase); o != outcomePending {
			return st, o, nil
		}
		if attempt >= e.policy.Attempts {
			return st, outcomePending, &PollTimeoutError{
				Entity:      node.Name(),
				ExecutionID: node.Handle().ID,
				Attempts:    e.policy.Attempts,
				Interval:    e.policy.Interval,
				LastPhase:   st.Phase,
			}
		}
		if timer == nil {
			timer = time.NewTimer(e.policy.Interval)
		} else {
			timer.Reset(e.policy.Interval)
		}
		select {
		case <-ctx.Done():
			return st, outcomePending, ctx.Err()
		case <-timer.C:
		}
	}
}
