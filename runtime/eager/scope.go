package eager

import (
	"context"
	"fmt"
	"sync"

	"goa.design/eager/runtime/eager/engine"
)

type (
	// Namespace binds names to the values reachable from an eager run:
	// entities, plain functions and arbitrary values. A run never mutates
	// its namespace.
	Namespace map[string]any

	// Scope is the execution context of one eager run. It overlays the
	// run's Namespace, exposing every bound *Entity as an AsyncEntity that
	// shares the run's dispatcher and call stack. A Scope is closed when the
	// run ends; later calls fail with ErrScopeClosed.
	Scope struct {
		env *runEnv
		ns  Namespace

		// mu is held for reading by in-flight dispatches and for writing
		// by close so no node is appended after cleanup starts.
		mu       sync.RWMutex
		closed   bool
		entities map[string]*AsyncEntity
	}

	// Future is the pending result of Scope.Go.
	Future struct {
		done chan struct{}
		val  any
		err  error
	}

	scopeCtxKey struct{}
)

func newScope(env *runEnv, ns Namespace) *Scope {
	return &Scope{env: env, ns: ns, entities: make(map[string]*AsyncEntity)}
}

// ScopeFromContext returns the scope of the eager run ctx belongs to.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeCtxKey{}).(*Scope)
	return s, ok
}

func withScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, s)
}

// CallStack returns the call stack of the run.
func (s *Scope) CallStack() *CallStack { return s.env.stack }

// Value returns the raw binding of name.
func (s *Scope) Value(name string) (any, bool) {
	v, ok := s.ns[name]
	return v, ok
}

// Entity returns the AsyncEntity bound to name.
func (s *Scope) Entity(name string) (*AsyncEntity, error) {
	v, ok := s.ns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotBound, name)
	}
	return s.asyncEntity(name, v)
}

// Call invokes the value bound to name with args and waits for its result.
// Entities are dispatched through the run; Func bindings are called
// directly.
func (s *Scope) Call(ctx context.Context, name string, args Args) (any, error) {
	v, ok := s.ns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotBound, name)
	}
	switch fn := v.(type) {
	case Func:
		return fn(withScope(ctx, s), args)
	case func(context.Context, Args) (any, error):
		return fn(withScope(ctx, s), args)
	}
	a, err := s.asyncEntity(name, v)
	if err != nil {
		return nil, err
	}
	return s.invoke(ctx, a, args)
}

// CallEntity invokes e through the run whether or not it is bound in the
// namespace.
func (s *Scope) CallEntity(ctx context.Context, e *Entity, args Args) (any, error) {
	if e == nil {
		return nil, &UnsupportedEntityError{Name: "<nil>"}
	}
	a, err := s.asyncEntity(e.Name(), e)
	if err != nil {
		return nil, err
	}
	return s.invoke(ctx, a, args)
}

// Go starts a call and returns its future without waiting for the result.
// Remote executions are dispatched before Go returns, so executions started
// in program order appear in the call stack in that order; only waiting for
// them happens in the background.
func (s *Scope) Go(ctx context.Context, name string, args Args) *Future {
	f := &Future{done: make(chan struct{})}
	v, ok := s.ns[name]
	if !ok {
		return f.resolve(nil, fmt.Errorf("%w: %q", ErrNotBound, name))
	}
	switch v.(type) {
	case Func, func(context.Context, Args) (any, error):
		go f.run(name, func() (any, error) { return s.Call(ctx, name, args) })
		return f
	}
	a, err := s.asyncEntity(name, v)
	if err != nil {
		return f.resolve(nil, err)
	}
	ctx = withScope(ctx, s)
	if s.env.mode != engine.ModeRemote || s.env.dispatcher == nil {
		go f.run(a.entity.Name(), func() (any, error) { return s.invoke(ctx, a, args) })
		return f
	}
	node, err := s.dispatch(ctx, a, args)
	if err != nil {
		return f.resolve(nil, err)
	}
	go func() { f.resolve(a.await(ctx, node)) }()
	return f
}

// run resolves f with the result of fn. A panic in fn resolves f with a
// RemoteExecutionError naming entity.
func (f *Future) run(entity string, fn func() (any, error)) {
	var (
		v   any
		err error
	)
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, &RemoteExecutionError{Entity: entity, Cause: fmt.Errorf("panic: %v", p)}
		}
		f.resolve(v, err)
	}()
	v, err = fn()
}

func (f *Future) resolve(v any, err error) *Future {
	f.val, f.err = v, err
	close(f.done)
	return f
}

// Await waits for the future to resolve or ctx to be done.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

func (s *Scope) asyncEntity(name string, v any) (*AsyncEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed
	}
	key := name
	if e, ok := v.(*Entity); ok && e != nil {
		key = e.Name()
	}
	if a, ok := s.entities[key]; ok {
		return a, nil
	}
	a, err := newAsyncEntity(name, v, s.env)
	if err != nil {
		return nil, err
	}
	s.entities[key] = a
	return a, nil
}

func (s *Scope) invoke(ctx context.Context, a *AsyncEntity, args Args) (any, error) {
	ctx = withScope(ctx, s)
	if s.env.mode != engine.ModeRemote || s.env.dispatcher == nil {
		if s.isClosed() {
			return nil, ErrScopeClosed
		}
		return a.Invoke(ctx, args)
	}
	node, err := s.dispatch(ctx, a, args)
	if err != nil {
		return nil, err
	}
	return a.await(ctx, node)
}

// dispatch holds the scope read lock so no node is appended once close
// returns.
func (s *Scope) dispatch(ctx context.Context, a *AsyncEntity, args Args) (*AsyncNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrScopeClosed
	}
	return a.dispatch(ctx, args)
}

func (s *Scope) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// close seals the scope. It returns once in-flight dispatches are recorded.
func (s *Scope) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
