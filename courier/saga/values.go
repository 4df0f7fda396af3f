package saga

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrKeyNotFound is returned by the typed accessors when the key is absent.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTypeMismatch is returned by the typed accessors when the value cannot be represented as the requested type.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Arguments are the per-step inputs declared in the itinerary.
type Arguments map[string]any

// Variables are shared across all steps of a routing slip. Later writes win.
type Variables map[string]any

// Results are the data an activity records in its log entry for compensation.
type Results map[string]any

// GetVariable returns the variable stored under key as T.
func GetVariable[T any](variables Variables, key string) (T, error) {
	return lookup[T](variables, key)
}

// GetResult returns the result stored under key as T.
func GetResult[T any](results Results, key string) (T, error) {
	return lookup[T](results, key)
}

// GetArgument returns the argument stored under key as T.
func GetArgument[T any](arguments Arguments, key string) (T, error) {
	return lookup[T](arguments, key)
}

// lookup asserts the stored value to T. Values that crossed the wire arrive as
// generic JSON shapes, so a failed assertion falls back to re-decoding the
// value's JSON form into T.
func lookup[T any](bag map[string]any, key string) (T, error) {
	var zero T
	raw, ok := bag[key]
	if !ok {
		return zero, errors.Wrapf(ErrKeyNotFound, "%q", key)
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}
	target := reflect.TypeFor[T]()
	if raw == nil {
		if nullable(target) {
			return zero, nil
		}
		return zero, errors.Wrapf(ErrTypeMismatch, "%q is null, want %s", key, target)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return zero, errors.Wrapf(ErrTypeMismatch, "%q holds %T, want %s", key, raw, target)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return zero, errors.Wrapf(ErrTypeMismatch, "%q holds %T, want %s", key, raw, target)
	}
	return v, nil
}

func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

func cloneBag[M ~map[string]any](m M) M {
	if m == nil {
		return nil
	}
	out := make(M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// merge returns a new map holding base overlaid with overlay.
func merge[M ~map[string]any, O ~map[string]any](base M, overlay O) M {
	out := make(M, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
