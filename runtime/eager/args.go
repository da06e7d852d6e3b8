package eager

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Arg returns the argument name converted to T. Values decoded from remote
// payloads (float64 numbers, generic maps) are converted to the requested
// type.
func Arg[T any](args Args, name string) (T, error) {
	var zero T
	v, ok := args[name]
	if !ok {
		return zero, fmt.Errorf("missing argument %q", name)
	}
	cv, err := coerce(v, reflect.TypeFor[T]())
	if err != nil {
		return zero, fmt.Errorf("argument %q: %w", name, err)
	}
	if cv == nil {
		return zero, nil
	}
	return cv.(T), nil
}

// coerce converts v to t. Assignable values are returned as is, numbers are
// converted between numeric kinds when no precision is lost and anything else
// goes through a JSON round trip.
func coerce(v any, t reflect.Type) (any, error) {
	if t == nil {
		return v, nil
	}
	if v == nil {
		return reflect.Zero(t).Interface(), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if t.Kind() == reflect.Interface {
			return v, nil
		}
		return rv.Convert(t).Interface(), nil
	}
	if isNumber(rv.Kind()) && isNumber(t.Kind()) {
		return convertNumber(rv, t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to %s: %w", v, t, err)
	}
	out := reflect.New(t)
	if err := json.Unmarshal(b, out.Interface()); err != nil {
		return nil, fmt.Errorf("cannot convert %T to %s: %w", v, t, err)
	}
	return out.Elem().Interface(), nil
}

func convertNumber(rv reflect.Value, t reflect.Type) (any, error) {
	out := rv.Convert(t)
	if t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64 {
		return out.Interface(), nil
	}
	if rv.CanFloat() && rv.Float() != math.Trunc(rv.Float()) {
		return nil, fmt.Errorf("cannot convert %v to %s without losing precision", rv.Interface(), t)
	}
	if out.CanUint() && ((rv.CanInt() && rv.Int() < 0) || (rv.CanFloat() && rv.Float() < 0)) {
		return nil, fmt.Errorf("value %v overflows %s", rv.Interface(), t)
	}
	if !out.Convert(rv.Type()).Equal(rv) {
		return nil, fmt.Errorf("value %v overflows %s", rv.Interface(), t)
	}
	return out.Interface(), nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
