package graphflow

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/graphflow/expression"
)

// DefaultMaxIterations bounds a LOOP node that does not set maxIterations
const DefaultMaxIterations = 100

// ConditionConfig configures a CONDITION node. The optional expression is
// evaluated against the node input and stored under OutputField, where the
// node's edge guards can read it.
type ConditionConfig struct {
	Expression  string `mapstructure:"expression"`
	OutputField string `mapstructure:"outputField"`
}

// SwitchConfig configures a SWITCH node
type SwitchConfig struct {
	Value       string `mapstructure:"value"`
	OutputField string `mapstructure:"outputField"`
}

// LoopConfig configures a LOOP node. Either Condition or Items must be set.
// With Items the loop walks the array variable of that name, exposing each
// element as As (default "item").
type LoopConfig struct {
	Condition     string `mapstructure:"condition"`
	Items         string `mapstructure:"items"`
	As            string `mapstructure:"as"`
	MaxIterations int    `mapstructure:"maxIterations"`
}

// ParallelConfig configures a PARALLEL node
type ParallelConfig struct {
	Join string `mapstructure:"join"`
}

func decodeLoopConfig(raw map[string]any) (LoopConfig, error) {
	var cfg LoopConfig
	if err := DecodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.As == "" {
		cfg.As = "item"
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return cfg, nil
}

// controlSchemas returns the config checks for the control node types
func controlSchemas(compiler expression.Compiler) map[NodeType]ConfigValidator {
	compiles := func(code string) error {
		if code == "" {
			return nil
		}
		_, err := compiler.Compile(context.Background(), code)
		return err
	}
	return map[NodeType]ConfigValidator{
		NodeCondition: func(config map[string]any) error {
			var cfg ConditionConfig
			if err := DecodeConfig(config, &cfg); err != nil {
				return err
			}
			return compiles(cfg.Expression)
		},
		NodeSwitch: func(config map[string]any) error {
			var cfg SwitchConfig
			if err := DecodeConfig(config, &cfg); err != nil {
				return err
			}
			return compiles(cfg.Value)
		},
		NodeLoop: func(config map[string]any) error {
			cfg, err := decodeLoopConfig(config)
			if err != nil {
				return err
			}
			if cfg.Condition == "" && cfg.Items == "" {
				return fmt.Errorf("loop requires a condition or items")
			}
			if cfg.Condition != "" && cfg.Items != "" {
				return fmt.Errorf("loop accepts either a condition or items, not both")
			}
			if cfg.MaxIterations < 0 {
				return fmt.Errorf("maxIterations must be positive")
			}
			return compiles(cfg.Condition)
		},
		NodeParallel: func(config map[string]any) error {
			var cfg ParallelConfig
			return DecodeConfig(config, &cfg)
		},
	}
}

// ControlExecutors returns the executors for START, END, CONDITION, SWITCH,
// LOOP and PARALLEL nodes.
func ControlExecutors(compiler expression.Compiler) []NodeExecutor {
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	schemas := controlSchemas(compiler)
	return []NodeExecutor{
		&passthroughExecutor{types: []NodeType{NodeStart, NodeEnd}},
		&conditionExecutor{validate: schemas[NodeCondition]},
		&switchExecutor{validate: schemas[NodeSwitch]},
		&loopExecutor{validate: schemas[NodeLoop]},
		&parallelExecutor{validate: schemas[NodeParallel]},
	}
}

type passthroughExecutor struct {
	types []NodeType
}

func (e *passthroughExecutor) SupportedTypes() []NodeType {
	return e.types
}

func (e *passthroughExecutor) Execute(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
	return map[string]any{}, nil
}

func (e *passthroughExecutor) ValidateConfig(config map[string]any) error {
	return nil
}

type conditionExecutor struct {
	validate ConfigValidator
}

func (e *conditionExecutor) SupportedTypes() []NodeType {
	return []NodeType{NodeCondition}
}

func (e *conditionExecutor) Execute(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
	var cfg ConditionConfig
	if err := DecodeConfig(node.Config, &cfg); err != nil {
		return nil, &ConfigurationError{NodeKey: node.Key, NodeType: node.Type, Cause: err.Error(), Wrapped: err}
	}
	if cfg.Expression == "" {
		return map[string]any{}, nil
	}
	if cfg.OutputField == "" {
		cfg.OutputField = "result"
	}
	value, err := expression.Evaluate(ctx, ec.Compiler(), cfg.Expression, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{cfg.OutputField: value.IsTruthy()}, nil
}

func (e *conditionExecutor) ValidateConfig(config map[string]any) error {
	return e.validate(config)
}

type switchExecutor struct {
	validate ConfigValidator
}

func (e *switchExecutor) SupportedTypes() []NodeType {
	return []NodeType{NodeSwitch}
}

func (e *switchExecutor) Execute(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
	var cfg SwitchConfig
	if err := DecodeConfig(node.Config, &cfg); err != nil {
		return nil, &ConfigurationError{NodeKey: node.Key, NodeType: node.Type, Cause: err.Error(), Wrapped: err}
	}
	if cfg.Value == "" {
		return map[string]any{}, nil
	}
	if cfg.OutputField == "" {
		cfg.OutputField = "value"
	}
	value, err := expression.Evaluate(ctx, ec.Compiler(), cfg.Value, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{cfg.OutputField: value.Value()}, nil
}

func (e *switchExecutor) ValidateConfig(config map[string]any) error {
	return e.validate(config)
}

// loopExecutor decides whether another iteration should run. It reports
// the decision in "_continue"; the engine enforces maxIterations.
type loopExecutor struct {
	validate ConfigValidator
}

func (e *loopExecutor) SupportedTypes() []NodeType {
	return []NodeType{NodeLoop}
}

func (e *loopExecutor) Execute(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
	cfg, err := decodeLoopConfig(node.Config)
	if err != nil {
		return nil, &ConfigurationError{NodeKey: node.Key, NodeType: node.Type, Cause: err.Error(), Wrapped: err}
	}
	output := map[string]any{"_iteration": node.Iteration}

	if cfg.Items != "" {
		items, err := expression.Items(input[cfg.Items])
		if err != nil {
			return nil, fmt.Errorf("loop items %q: %w", cfg.Items, err)
		}
		if node.Iteration < len(items) {
			output["_continue"] = true
			output[cfg.As] = items[node.Iteration]
		} else {
			output["_continue"] = false
		}
		return output, nil
	}

	env := copyMap(input)
	if env == nil {
		env = map[string]any{}
	}
	env["iteration"] = node.Iteration
	value, err := expression.Evaluate(ctx, ec.Compiler(), cfg.Condition, env)
	if err != nil {
		return nil, err
	}
	output["_continue"] = value.IsTruthy()
	return output, nil
}

func (e *loopExecutor) ValidateConfig(config map[string]any) error {
	return e.validate(config)
}

type parallelExecutor struct {
	validate ConfigValidator
}

func (e *parallelExecutor) SupportedTypes() []NodeType {
	return []NodeType{NodeParallel}
}

func (e *parallelExecutor) Execute(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
	return map[string]any{}, nil
}

func (e *parallelExecutor) ValidateConfig(config map[string]any) error {
	return e.validate(config)
}
