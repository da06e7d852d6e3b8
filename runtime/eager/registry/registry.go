// Package registry keeps the catalog of entities a deployment knows about.
// The catalog resolves entity references for eager runs and installs entity
// handlers on clusters and workers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/engine"
)

// Catalog holds registered entities keyed by qualified name.
type Catalog struct {
	mu       sync.RWMutex
	entities map[string]*eager.Entity
}

var _ engine.Resolver = (*Catalog)(nil)

// New returns a catalog holding entities.
func New(entities ...*eager.Entity) (*Catalog, error) {
	c := &Catalog{entities: make(map[string]*eager.Entity)}
	for _, e := range entities {
		if err := c.Register(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds e to the catalog. Names must be unique.
func (c *Catalog) Register(e *eager.Entity) error {
	if e == nil {
		return errors.New("registry: nil entity")
	}
	if !e.Kind().Valid() {
		return fmt.Errorf("registry: entity %q has invalid kind %s", e.Name(), e.Kind())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.entities[e.Name()]; dup {
		return fmt.Errorf("registry: entity %q already registered", e.Name())
	}
	c.entities[e.Name()] = e
	return nil
}

// Lookup returns the entity registered under the qualified name.
func (c *Catalog) Lookup(name string) (*eager.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[name]
	return e, ok
}

// Resolve implements engine.Resolver. Entities registered with a different
// kind are not found.
func (c *Catalog) Resolve(_ context.Context, name string, kind engine.Kind) (engine.EntityRef, error) {
	e, ok := c.Lookup(name)
	if !ok || e.Kind() != kind {
		return engine.EntityRef{}, fmt.Errorf("registry: %s %q: %w", kind, name, engine.ErrEntityNotFound)
	}
	return e.Ref(), nil
}

// List returns the registered entities sorted by name.
func (c *Catalog) List() []*eager.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*eager.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Namespace returns a namespace binding every entity under its qualified
// name.
func (c *Catalog) Namespace() eager.Namespace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ns := make(eager.Namespace, len(c.entities))
	for name, e := range c.entities {
		ns[name] = e
	}
	return ns
}

// Install registers the handler of every entity with target.
func (c *Catalog) Install(target engine.Installer) error {
	for _, e := range c.List() {
		if err := target.Register(e.Ref(), e.Handler()); err != nil {
			return fmt.Errorf("registry: install %q: %w", e.Name(), err)
		}
	}
	return nil
}
