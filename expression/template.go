package expression

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${...} expressions
type Template struct {
	raw   string
	parts []string
	slots []int
	codes []Script
}

// NewTemplate compiles every ${...} expression found in raw
func NewTemplate(compiler Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	openCount := strings.Count(raw, "${")
	closeCount := strings.Count(raw, "}")
	if openCount > closeCount {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	if openCount == 0 {
		return t, nil
	}

	var lastEnd int
	for _, match := range templatePattern.FindAllStringSubmatchIndex(raw, -1) {
		if match[0] > lastEnd {
			t.parts = append(t.parts, raw[lastEnd:match[0]])
		}
		code := strings.TrimSpace(raw[match[2]:match[3]])
		script, err := compiler.Compile(context.Background(), code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", code, err)
		}
		t.codes = append(t.codes, script)
		t.slots = append(t.slots, len(t.parts))
		t.parts = append(t.parts, "")
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, raw[lastEnd:])
	}
	return t, nil
}

// IsStatic returns true if the template contains no expressions
func (t *Template) IsStatic() bool {
	return len(t.codes) == 0
}

// Eval renders the template to a string
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}
	parts := make([]string, len(t.parts))
	copy(parts, t.parts)
	for i, code := range t.codes {
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		parts[t.slots[i]] = result.String()
	}
	return strings.Join(parts, ""), nil
}

// EvalValue renders the template, except that a template consisting of a
// single expression returns the expression's value with its type intact.
func (t *Template) EvalValue(ctx context.Context, globals map[string]any) (any, error) {
	if len(t.codes) == 1 && len(t.parts) == 1 {
		result, err := t.codes[0].Evaluate(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		return result.Value(), nil
	}
	return t.Eval(ctx, globals)
}

// Render evaluates every string inside value as a template. Maps and slices
// are walked recursively; other values are returned unchanged.
func Render(ctx context.Context, compiler Compiler, value any, globals map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "${") {
			return v, nil
		}
		t, err := NewTemplate(compiler, v)
		if err != nil {
			return nil, err
		}
		return t.EvalValue(ctx, globals)
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := Render(ctx, compiler, item, globals)
			if err != nil {
				return nil, err
			}
			result[k] = rendered
		}
		return result, nil
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			rendered, err := Render(ctx, compiler, item, globals)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil
	default:
		return value, nil
	}
}
