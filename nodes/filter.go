package nodes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/expression"
)

// Filter condition types
const (
	ConditionSimple     = "simple"
	ConditionExpression = "expression"
	ConditionRange      = "range"
	ConditionRegex      = "regex"
)

// Simple condition operators
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
)

// FilterCondition decides whether an element is kept. Field addresses the
// element property being tested; it may be empty for scalar elements.
type FilterCondition struct {
	Type       string   `mapstructure:"type"`
	Field      string   `mapstructure:"field"`
	Operator   string   `mapstructure:"operator"`
	Value      any      `mapstructure:"value"`
	Expression string   `mapstructure:"expression"`
	Min        *float64 `mapstructure:"min"`
	Max        *float64 `mapstructure:"max"`
	Pattern    string   `mapstructure:"pattern"`
}

// FilterConfig configures a FILTER node
type FilterConfig struct {
	InputField  string          `mapstructure:"inputField"`
	OutputField string          `mapstructure:"outputField"`
	Condition   FilterCondition `mapstructure:"condition"`
}

// Filter keeps the elements of an array that satisfy a condition
type Filter struct {
	compiler expression.Compiler
	logger   *slog.Logger
}

// NewFilter returns a Filter. Expression evaluation failures are reported
// to logger and the element is dropped.
func NewFilter(compiler expression.Compiler, logger *slog.Logger) *Filter {
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Filter{compiler: compiler, logger: logger}
}

type predicate func(ctx context.Context, element any) bool

// Apply returns the elements that pass the condition, in their original
// order. vars is exposed to expression conditions as "vars".
func (f *Filter) Apply(ctx context.Context, items []any, cond FilterCondition, vars map[string]any) ([]any, error) {
	pass, err := f.predicate(cond, vars)
	if err != nil {
		return nil, err
	}
	kept := make([]any, 0, len(items))
	for _, item := range items {
		if pass(ctx, item) {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func (f *Filter) predicate(cond FilterCondition, vars map[string]any) (predicate, error) {
	if err := CheckPath(cond.Field); err != nil {
		return nil, fmt.Errorf("field: %w", err)
	}
	switch cond.Type {
	case ConditionSimple:
		if err := oneOf("operator", cond.Operator, OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith); err != nil {
			return nil, err
		}
		return func(ctx context.Context, element any) bool {
			value, ok := field(element, cond.Field)
			if !ok {
				return cond.Operator == OpNotEquals
			}
			return compare(cond.Operator, value, cond.Value)
		}, nil
	case ConditionExpression:
		if cond.Expression == "" {
			return nil, fmt.Errorf("expression condition requires an expression")
		}
		script, err := f.compiler.Compile(context.Background(), cond.Expression)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, element any) bool {
			env := map[string]any{}
			if m, ok := element.(map[string]any); ok {
				for k, v := range m {
					env[k] = v
				}
			}
			env["item"] = element
			env["vars"] = vars
			result, err := script.Evaluate(ctx, env)
			if err != nil {
				f.logger.Warn("filter expression failed, dropping element",
					"expression", cond.Expression,
					"error", err)
				return false
			}
			return result.IsTruthy()
		}, nil
	case ConditionRange:
		return func(ctx context.Context, element any) bool {
			value, ok := field(element, cond.Field)
			if !ok {
				return false
			}
			n, ok := toFloat(value)
			if !ok {
				return false
			}
			if cond.Min != nil && n < *cond.Min {
				return false
			}
			if cond.Max != nil && n > *cond.Max {
				return false
			}
			return true
		}, nil
	case ConditionRegex:
		re, err := regexp.Compile(cond.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		return func(ctx context.Context, element any) bool {
			value, ok := field(element, cond.Field)
			if !ok {
				return false
			}
			return re.MatchString(expression.String(value))
		}, nil
	}
	// Unknown condition types keep every element
	return func(ctx context.Context, element any) bool { return true }, nil
}

func compare(operator string, value, expected any) bool {
	switch operator {
	case OpEquals, "":
		return equal(value, expected)
	case OpNotEquals:
		return !equal(value, expected)
	case OpContains:
		if items, err := list(value); err == nil {
			for _, item := range items {
				if equal(item, expected) {
					return true
				}
			}
			return false
		}
		return strings.Contains(expression.String(value), expression.String(expected))
	case OpStartsWith:
		return strings.HasPrefix(expression.String(value), expression.String(expected))
	case OpEndsWith:
		return strings.HasSuffix(expression.String(value), expression.String(expected))
	}
	return false
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*FilterExecutor)(nil)

// FilterExecutor runs FILTER nodes
type FilterExecutor struct {
	compiler expression.Compiler
}

// NewFilterExecutor returns the FILTER executor
func NewFilterExecutor(compiler expression.Compiler) *FilterExecutor {
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	return &FilterExecutor{compiler: compiler}
}

func (e *FilterExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeFilter}
}

func (e *FilterExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[FilterConfig](ec, node)
	if cfg.InputField == "" {
		return nil, required(node, "inputField")
	}
	if err := CheckPath(cfg.InputField); err != nil {
		return nil, invalid(node, err)
	}
	value, _ := Lookup(input, cfg.InputField)
	items, err := list(value)
	if err != nil {
		return nil, fmt.Errorf("input field %q: %w", cfg.InputField, err)
	}
	filter := NewFilter(e.compiler, ec.Logger())
	kept, err := filter.Apply(ctx, items, cfg.Condition, input)
	if err != nil {
		return nil, invalid(node, err)
	}
	ratio := 0.0
	if len(items) > 0 {
		ratio = float64(len(kept)) / float64(len(items))
	}
	return map[string]any{
		withDefault(cfg.OutputField, "filtered"): kept,
		"_original_count":                        len(items),
		"_filtered_count":                        len(kept),
		"_pass_ratio":                            ratio,
	}, nil
}

func (e *FilterExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[FilterConfig](config)
	if err != nil {
		return err
	}
	if cfg.InputField == "" {
		return fmt.Errorf("inputField is required")
	}
	if err := CheckPath(cfg.InputField); err != nil {
		return fmt.Errorf("inputField: %w", err)
	}
	_, err = NewFilter(e.compiler, nil).predicate(cfg.Condition, nil)
	return err
}
