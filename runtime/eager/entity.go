package eager

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/eager/runtime/eager/engine"
)

type (
	// Args holds named call arguments.
	Args map[string]any

	// Func is the implementation of an entity.
	Func func(ctx context.Context, args Args) (any, error)

	// Param declares a named input or output. A nil Type accepts any value.
	Param struct {
		Name string
		Type reflect.Type
	}

	// Entity is a task or workflow that can be executed locally or
	// dispatched to a cluster. Entities are immutable once built.
	Entity struct {
		name    string
		module  string
		version string
		kind    engine.Kind
		inputs  []Param
		outputs []Param
		fn      Func
		eager   bool

		schemaOnce sync.Once
		schema     *jsonschema.Schema
		schemaErr  error
	}

	// EntityOption configures an Entity.
	EntityOption func(*Entity)
)

// DefaultOutput is the output name used when an entity declares none.
const DefaultOutput = "o0"

// NewTask returns a task entity.
func NewTask(name string, fn Func, opts ...EntityOption) *Entity {
	return newEntity(engine.KindTask, name, fn, opts)
}

// NewWorkflow returns a workflow entity.
func NewWorkflow(name string, fn Func, opts ...EntityOption) *Entity {
	return newEntity(engine.KindWorkflow, name, fn, opts)
}

func newEntity(kind engine.Kind, name string, fn Func, opts []EntityOption) *Entity {
	e := &Entity{name: name, kind: kind, fn: fn}
	for _, o := range opts {
		o(e)
	}
	if len(e.outputs) == 0 {
		e.outputs = []Param{{Name: DefaultOutput}}
	}
	return e
}

// WithModule sets the module the entity is defined in. The module prefixes
// the entity name unless the name already carries it.
func WithModule(module string) EntityOption {
	return func(e *Entity) { e.module = module }
}

// WithVersion pins the registered version dispatched for the entity.
func WithVersion(version string) EntityOption {
	return func(e *Entity) { e.version = version }
}

// WithInputs declares the entity inputs.
func WithInputs(params ...Param) EntityOption {
	return func(e *Entity) { e.inputs = append(e.inputs, params...) }
}

// WithOutputs declares the entity outputs. Entities with a single output
// return its value; entities with several return a map keyed by name.
func WithOutputs(params ...Param) EntityOption {
	return func(e *Entity) { e.outputs = append(e.outputs, params...) }
}

// In declares an input of type T.
func In[T any](name string) Param {
	return Param{Name: name, Type: reflect.TypeFor[T]()}
}

// Out declares an output of type T.
func Out[T any](name string) Param {
	return Param{Name: name, Type: reflect.TypeFor[T]()}
}

// Name returns the qualified entity name.
func (e *Entity) Name() string {
	if e.module == "" || strings.HasPrefix(e.name, e.module+".") {
		return e.name
	}
	return e.module + "." + e.name
}

// Kind returns the entity kind.
func (e *Entity) Kind() engine.Kind { return e.kind }

// Inputs returns the declared inputs.
func (e *Entity) Inputs() []Param { return append([]Param(nil), e.inputs...) }

// Outputs returns the declared outputs.
func (e *Entity) Outputs() []Param { return append([]Param(nil), e.outputs...) }

// IsEager reports whether the entity is an eager workflow built by a Runner.
func (e *Entity) IsEager() bool { return e.eager }

// TypeLabel returns the label used in reports: "Eager Workflow", "Task" or
// "Workflow".
func (e *Entity) TypeLabel() string {
	if e.eager {
		return "Eager Workflow"
	}
	return e.kind.String()
}

// Ref returns the reference used to dispatch the entity when no resolver is
// configured.
func (e *Entity) Ref() engine.EntityRef {
	return engine.EntityRef{Name: e.Name(), Kind: e.kind, Version: e.version}
}

// Handler returns the cluster-side implementation of the entity. It decodes
// inputs into their declared types, runs the entity function and encodes its
// result into named outputs.
func (e *Entity) Handler() engine.Handler {
	return func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		args, err := e.decodeInputs(inputs)
		if err != nil {
			return nil, &engine.ExecutionError{Kind: engine.ErrorKindSystem, Message: err.Error()}
		}
		v, err := e.fn(ctx, args)
		if err != nil {
			var ee *engine.ExecutionError
			if errors.As(err, &ee) {
				return nil, ee
			}
			return nil, &engine.ExecutionError{Kind: engine.ErrorKindUser, Message: err.Error()}
		}
		out, err := e.encodeOutputs(v)
		if err != nil {
			return nil, &engine.ExecutionError{Kind: engine.ErrorKindSystem, Message: err.Error()}
		}
		return out, nil
	}
}

func (e *Entity) decodeInputs(inputs map[string]any) (Args, error) {
	args := make(Args, len(inputs))
	for k, v := range inputs {
		args[k] = v
	}
	for _, p := range e.inputs {
		v, ok := inputs[p.Name]
		if !ok {
			continue
		}
		cv, err := coerce(v, p.Type)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", p.Name, err)
		}
		args[p.Name] = cv
	}
	return args, nil
}

func (e *Entity) encodeOutputs(v any) (map[string]any, error) {
	if len(e.outputs) == 1 {
		return map[string]any{e.outputs[0].Name: v}, nil
	}
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("entity %s declares %d outputs but returned %T", e.Name(), len(e.outputs), v)
	}
	out := make(map[string]any, len(e.outputs))
	for _, p := range e.outputs {
		ov, ok := m[p.Name]
		if !ok {
			return nil, fmt.Errorf("entity %s did not return output %q", e.Name(), p.Name)
		}
		out[p.Name] = ov
	}
	return out, nil
}

// materialize converts remote outputs into the value returned to callers.
func (e *Entity) materialize(outputs map[string]any) (any, error) {
	values := make(map[string]any, len(e.outputs))
	for _, p := range e.outputs {
		v, ok := outputs[p.Name]
		if !ok {
			return nil, fmt.Errorf("missing output %q", p.Name)
		}
		cv, err := coerce(v, p.Type)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", p.Name, err)
		}
		values[p.Name] = cv
	}
	if len(e.outputs) == 1 {
		return values[e.outputs[0].Name], nil
	}
	return values, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Args:
		return m, true
	default:
		return nil, false
	}
}
