package nodes

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/graphflow/expression"
	"github.com/oliveagle/jsonpath"
)

// Lookup resolves a path against a map. Dotted paths descend through
// nested maps, and numeric segments index into arrays, so "items.0.name"
// reads the name of the first item. Paths starting with "$" are evaluated
// as JSONPath expressions. A path that cannot be evaluated resolves to
// nothing.
func Lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	if strings.HasPrefix(path, "$") {
		return lookupJSONPath(data, path)
	}
	var current any = data
	for _, segment := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(v) {
				return nil, false
			}
			current = v[index]
		default:
			return nil, false
		}
	}
	return current, true
}

func lookupJSONPath(data map[string]any, path string) (value any, ok bool) {
	defer func() {
		if recover() != nil {
			value, ok = nil, false
		}
	}()
	compiled, err := compilePath(path)
	if err != nil {
		return nil, false
	}
	value, err = compiled.Lookup(data)
	if err != nil {
		return nil, false
	}
	return value, true
}

// CheckPath reports whether Lookup can evaluate path. Dotted paths always
// can; JSONPath expressions must compile.
func CheckPath(path string) error {
	if !strings.HasPrefix(path, "$") {
		return nil
	}
	_, err := compilePath(path)
	return err
}

func compilePath(path string) (compiled *jsonpath.Compiled, err error) {
	defer func() {
		if p := recover(); p != nil {
			compiled, err = nil, fmt.Errorf("jsonpath %q: %v", path, p)
		}
	}()
	if err := checkBrackets(path); err != nil {
		return nil, fmt.Errorf("jsonpath %q: %w", path, err)
	}
	compiled, err = jsonpath.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("jsonpath %q: %w", path, err)
	}
	return compiled, nil
}

// checkBrackets rejects JSONPath expressions with unbalanced brackets or
// parentheses and filters not written as [?(...)]. Quoted text is skipped.
func checkBrackets(path string) error {
	var open []rune
	var quote rune
	for i, r := range path {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[':
			if strings.HasPrefix(path[i+1:], "?") && !strings.HasPrefix(path[i+1:], "?(") {
				return fmt.Errorf("filter at offset %d must be written as [?(...)]", i)
			}
			open = append(open, r)
		case r == '(':
			open = append(open, r)
		case r == ']' || r == ')':
			want := '['
			if r == ')' {
				want = '('
			}
			if len(open) == 0 || open[len(open)-1] != want {
				return fmt.Errorf("unexpected %q at offset %d", r, i)
			}
			open = open[:len(open)-1]
		}
	}
	if quote != 0 {
		return fmt.Errorf("unterminated quote")
	}
	if len(open) > 0 {
		return fmt.Errorf("unclosed %q", open[len(open)-1])
	}
	return nil
}

// field reads a field of an array element. Non-map elements are addressed
// by the empty field name.
func field(element any, name string) (any, bool) {
	if name == "" {
		return element, true
	}
	m, ok := element.(map[string]any)
	if !ok {
		return nil, false
	}
	return Lookup(m, name)
}

// toFloat converts numbers and numeric strings to float64
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// equal compares two values loosely: numbers compare by value regardless
// of their Go type, everything else by its rendered form.
func equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		return fa == fb
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return expression.String(a) == expression.String(b)
}

// list converts an array-valued variable into a slice. A missing value is
// an empty list.
func list(value any) ([]any, error) {
	switch v := value.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	case []map[string]any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = item
		}
		return items, nil
	case []string:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = item
		}
		return items, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	}
	return nil, fmt.Errorf("expected an array, got %T", value)
}

func length(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		return len([]rune(v)), true
	case nil:
		return 0, false
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	}
	return 0, false
}
