// Package ratelimit paces the control-plane calls issued by eager runs.
//
// A run with many outstanding executions polls each of them every interval;
// the Limiter bounds the combined call rate with an AIMD token bucket that
// halves its rate when the cluster reports throttling and recovers gradually
// on success.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/eager/runtime/eager/engine"
)

type (
	// Limiter is an adaptive token bucket shared by the dispatchers it wraps.
	Limiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		current  float64
		min      float64
		max      float64
		recovery float64

		onBackoff func(rps float64)
	}

	// Option configures a Limiter.
	Option func(*Limiter)

	limited struct {
		next    engine.Dispatcher
		limiter *Limiter
	}

	limitedResolver struct {
		*limited
		resolver engine.Resolver
	}
)

// WithMaxRate sets the ceiling the limiter recovers to. Defaults to the
// initial rate.
func WithMaxRate(rps float64) Option {
	return func(l *Limiter) {
		if rps > 0 {
			l.max = rps
		}
	}
}

// WithBackoffHook registers a callback invoked with the new rate each time
// the limiter backs off.
func WithBackoffHook(fn func(rps float64)) Option {
	return func(l *Limiter) { l.onBackoff = fn }
}

// New returns a limiter allowing rps calls per second with the given burst.
// Non-positive values default to 50 calls per second and a burst equal to
// the rate.
func New(rps float64, burst int, opts ...Option) *Limiter {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	l := &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		current: rps,
		max:     rps,
	}
	for _, o := range opts {
		o(l)
	}
	if l.max < rps {
		l.max = rps
	}
	l.min = rps * 0.1
	l.recovery = rps * 0.05
	return l
}

// Wrap returns a dispatcher that waits for limiter capacity before each
// Dispatch, Sync and Terminate. The returned dispatcher also implements
// engine.Resolver when next does.
func (l *Limiter) Wrap(next engine.Dispatcher) engine.Dispatcher {
	if next == nil {
		return nil
	}
	d := &limited{next: next, limiter: l}
	if r, ok := next.(engine.Resolver); ok {
		return &limitedResolver{limited: d, resolver: r}
	}
	return d
}

// Rate returns the current calls-per-second budget.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (d *limited) Dispatch(ctx context.Context, req engine.DispatchRequest) (engine.Handle, error) {
	if err := d.limiter.limiter.Wait(ctx); err != nil {
		return engine.Handle{}, err
	}
	h, err := d.next.Dispatch(ctx, req)
	d.limiter.observe(err)
	return h, err
}

func (d *limited) Sync(ctx context.Context, h engine.Handle) (engine.Status, error) {
	if err := d.limiter.limiter.Wait(ctx); err != nil {
		return engine.Status{}, err
	}
	st, err := d.next.Sync(ctx, h)
	d.limiter.observe(err)
	return st, err
}

func (d *limited) Terminate(ctx context.Context, h engine.Handle, reason string) error {
	if err := d.limiter.limiter.Wait(ctx); err != nil {
		return err
	}
	err := d.next.Terminate(ctx, h, reason)
	d.limiter.observe(err)
	return err
}

func (d *limited) ConsoleURL(h engine.Handle) string {
	return d.next.ConsoleURL(h)
}

func (d *limitedResolver) Resolve(ctx context.Context, name string, kind engine.Kind) (engine.EntityRef, error) {
	return d.resolver.Resolve(ctx, name, kind)
}

func (l *Limiter) observe(err error) {
	switch {
	case err == nil:
		l.set(l.Rate() + l.recovery)
	case errors.Is(err, engine.ErrThrottled):
		next := l.set(l.Rate() * 0.5)
		if l.onBackoff != nil {
			l.onBackoff(next)
		}
	}
}

// set clamps rps to [min, max], applies it and returns the applied value.
func (l *Limiter) set(rps float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rps < l.min {
		rps = l.min
	}
	if rps > l.max {
		rps = l.max
	}
	if rps == l.current {
		return rps
	}
	l.current = rps
	l.limiter.SetLimit(rate.Limit(rps))
	return rps
}
