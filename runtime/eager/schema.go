package eager

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var timeType = reflect.TypeFor[time.Time]()

// encodeInputs converts args into the JSON-compatible map dispatched to the
// cluster and validates it against the schema of the declared inputs.
func (e *Entity) encodeInputs(args Args) (map[string]any, error) {
	if args == nil {
		args = Args{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	var inputs map[string]any
	if err := json.Unmarshal(b, &inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	schema, err := e.inputSchema()
	if err != nil {
		return nil, err
	}
	if schema != nil {
		if err := schema.Validate(any(inputs)); err != nil {
			return nil, fmt.Errorf("invalid inputs: %w", err)
		}
	}
	return inputs, nil
}

// inputSchema compiles, once, the JSON schema of the declared inputs. It
// returns nil when the entity declares no inputs.
func (e *Entity) inputSchema() (*jsonschema.Schema, error) {
	e.schemaOnce.Do(func() {
		if len(e.inputs) == 0 {
			return
		}
		props := make(map[string]any, len(e.inputs))
		var required []any
		for _, p := range e.inputs {
			props[p.Name] = typeSchema(p.Type)
			if p.Type == nil || p.Type.Kind() != reflect.Pointer {
				required = append(required, p.Name)
			}
		}
		doc := map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		}
		if len(required) > 0 {
			doc["required"] = required
		}
		url := "mem://eager/" + slug(e.Name()) + ".json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(url, doc); err != nil {
			e.schemaErr = fmt.Errorf("add input schema: %w", err)
			return
		}
		e.schema, e.schemaErr = c.Compile(url)
		if e.schemaErr != nil {
			e.schemaErr = fmt.Errorf("compile input schema: %w", e.schemaErr)
		}
	})
	return e.schema, e.schemaErr
}

// typeSchema returns the JSON schema describing the JSON encoding of t.
func typeSchema(t reflect.Type) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	if t == timeType {
		return map[string]any{"type": "string"}
	}
	switch t.Kind() {
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return map[string]any{"type": "string"}
		}
		return map[string]any{"type": "array", "items": typeSchema(t.Elem())}
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return map[string]any{"type": "object"}
		}
		return map[string]any{"type": "object", "additionalProperties": typeSchema(t.Elem())}
	case reflect.Struct:
		return map[string]any{"type": "object"}
	case reflect.Pointer:
		return map[string]any{"anyOf": []any{map[string]any{"type": "null"}, typeSchema(t.Elem())}}
	default:
		return map[string]any{}
	}
}
