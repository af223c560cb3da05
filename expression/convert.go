package expression

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// IsTruthy converts any value to a boolean indicating truthiness
func IsTruthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int8:
		return v != 0
	case int16:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case uint:
		return v != 0
	case uint8:
		return v != 0
	case uint16:
		return v != 0
	case uint32:
		return v != 0
	case uint64:
		return v != 0
	case float32:
		return v != 0.0
	case float64:
		return v != 0.0
	case string:
		return v != "" && strings.ToLower(v) != "false"
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Items converts a value into a list. Slices are returned element-wise,
// maps become sorted {key, value} pairs and scalars a single-item list.
func Items(value any) ([]any, error) {
	switch v := value.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	case []string:
		result := make([]any, len(v))
		for i, s := range v {
			result[i] = s
		}
		return result, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		result := make([]any, 0, len(v))
		for _, k := range keys {
			result = append(result, map[string]any{"key": k, "value": v[k]})
		}
		return result, nil
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return []any{v}, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		result := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			result[i] = rv.Index(i).Interface()
		}
		return result, nil
	}
	return nil, fmt.Errorf("unsupported value type for items: %T", value)
}

// String renders a value the way templates display it
func String(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprintf("%v", value)
}

type value struct {
	v any
}

// NewValue wraps a Go value as an expression Value
func NewValue(v any) Value {
	return &value{v: v}
}

func (v *value) Value() any {
	return v.v
}

func (v *value) Items() ([]any, error) {
	return Items(v.v)
}

func (v *value) String() string {
	return String(v.v)
}

func (v *value) IsTruthy() bool {
	return IsTruthy(v.v)
}
