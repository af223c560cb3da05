package nodes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/expression"
)

// Mapper transforms
const (
	TransformUppercase = "uppercase"
	TransformLowercase = "lowercase"
	TransformTrim      = "trim"
	TransformToString  = "toString"
	TransformToNumber  = "toNumber"
	TransformToBoolean = "toBoolean"
	TransformFormat    = "format"
)

var transforms = []string{
	TransformUppercase, TransformLowercase, TransformTrim,
	TransformToString, TransformToNumber, TransformToBoolean, TransformFormat,
}

// MapperConfig configures a MAPPER node. Each mapping entry is keyed by
// the target field; its value is either a source path or a rule object.
type MapperConfig struct {
	Mappings         map[string]any `mapstructure:"mappings"`
	PreserveUnmapped bool           `mapstructure:"preserveUnmapped"`
}

// MappingRule maps one source path to a target field. Format is a
// template where ${value} refers to the source value.
type MappingRule struct {
	Source    string `mapstructure:"source"`
	Transform string `mapstructure:"transform"`
	Format    string `mapstructure:"format"`
	Default   any    `mapstructure:"default"`
}

// Mapper restructures records according to a mapping table
type Mapper struct {
	compiler expression.Compiler
}

// NewMapper returns a Mapper. A nil compiler uses the default.
func NewMapper(compiler expression.Compiler) *Mapper {
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	return &Mapper{compiler: compiler}
}

// Rules parses the mapping table. Targets are returned in sorted order.
func (m *Mapper) Rules(cfg MapperConfig) ([]string, map[string]MappingRule, error) {
	targets := make([]string, 0, len(cfg.Mappings))
	rules := make(map[string]MappingRule, len(cfg.Mappings))
	for target, raw := range cfg.Mappings {
		var rule MappingRule
		switch v := raw.(type) {
		case string:
			rule.Source = v
		case map[string]any:
			if err := graphflow.DecodeConfig(v, &rule); err != nil {
				return nil, nil, fmt.Errorf("mapping %q: %w", target, err)
			}
		default:
			return nil, nil, fmt.Errorf("mapping %q: expected a path or a rule, got %T", target, raw)
		}
		if rule.Source == "" {
			return nil, nil, fmt.Errorf("mapping %q: source is required", target)
		}
		if err := CheckPath(rule.Source); err != nil {
			return nil, nil, fmt.Errorf("mapping %q: %w", target, err)
		}
		if err := oneOf("transform", rule.Transform, transforms...); err != nil {
			return nil, nil, fmt.Errorf("mapping %q: %w", target, err)
		}
		if rule.Transform == TransformFormat && rule.Format == "" {
			return nil, nil, fmt.Errorf("mapping %q: format transform requires a format", target)
		}
		targets = append(targets, target)
		rules[target] = rule
	}
	sort.Strings(targets)
	return targets, rules, nil
}

// Map applies the mapping table to an input record. It returns the mapped
// record and the number of rules that produced a value. A rule whose
// source is missing and has no default produces nothing.
func (m *Mapper) Map(ctx context.Context, input map[string]any, cfg MapperConfig) (map[string]any, int, error) {
	targets, rules, err := m.Rules(cfg)
	if err != nil {
		return nil, 0, err
	}
	output := map[string]any{}
	consumed := map[string]bool{}
	applied := 0
	for _, target := range targets {
		rule := rules[target]
		consumed[strings.Split(rule.Source, ".")[0]] = true
		value, ok := Lookup(input, rule.Source)
		if !ok || value == nil {
			if rule.Default == nil {
				continue
			}
			value = rule.Default
		}
		value, err = m.transform(ctx, rule, value, input)
		if err != nil {
			return nil, 0, fmt.Errorf("mapping %q: %w", target, err)
		}
		output[target] = value
		applied++
	}
	if cfg.PreserveUnmapped {
		for key, value := range input {
			if strings.HasPrefix(key, "_") || consumed[key] {
				continue
			}
			if _, exists := output[key]; !exists {
				output[key] = value
			}
		}
	}
	return output, applied, nil
}

func (m *Mapper) transform(ctx context.Context, rule MappingRule, value any, input map[string]any) (any, error) {
	switch rule.Transform {
	case "":
		return value, nil
	case TransformUppercase:
		return strings.ToUpper(expression.String(value)), nil
	case TransformLowercase:
		return strings.ToLower(expression.String(value)), nil
	case TransformTrim:
		return strings.TrimSpace(expression.String(value)), nil
	case TransformToString:
		return expression.String(value), nil
	case TransformToNumber:
		if b, ok := value.(bool); ok {
			if b {
				return 1.0, nil
			}
			return 0.0, nil
		}
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("cannot convert %v to a number", value)
		}
		return f, nil
	case TransformToBoolean:
		if s, ok := value.(string); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b, nil
			}
		}
		return expression.IsTruthy(value), nil
	case TransformFormat:
		t, err := expression.NewTemplate(m.compiler, rule.Format)
		if err != nil {
			return nil, err
		}
		globals := make(map[string]any, len(input)+1)
		for k, v := range input {
			globals[k] = v
		}
		globals["value"] = value
		return t.Eval(ctx, globals)
	}
	return nil, fmt.Errorf("unknown transform %q", rule.Transform)
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*MapperExecutor)(nil)

// MapperExecutor runs MAPPER nodes
type MapperExecutor struct {
	mapper *Mapper
}

// NewMapperExecutor returns the MAPPER executor
func NewMapperExecutor(compiler expression.Compiler) *MapperExecutor {
	return &MapperExecutor{mapper: NewMapper(compiler)}
}

func (e *MapperExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeMapper}
}

func (e *MapperExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[MapperConfig](ec, node)
	if len(cfg.Mappings) == 0 {
		return nil, required(node, "mappings")
	}
	if _, _, err := e.mapper.Rules(cfg); err != nil {
		return nil, invalid(node, err)
	}
	output, applied, err := e.mapper.Map(ctx, input, cfg)
	if err != nil {
		return nil, err
	}
	count := len(output)
	output["_rules_applied"] = applied
	output["_output_field_count"] = count
	return output, nil
}

func (e *MapperExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[MapperConfig](config)
	if err != nil {
		return err
	}
	if len(cfg.Mappings) == 0 {
		return fmt.Errorf("mappings is required")
	}
	_, _, err = e.mapper.Rules(cfg)
	return err
}
