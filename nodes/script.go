package nodes

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/expression"
)

// ScriptConfig configures a SCRIPT node. Code is an expression evaluated
// with the node input as its environment; the whole input map is also
// available as "input".
type ScriptConfig struct {
	Code        string `mapstructure:"code"`
	OutputField string `mapstructure:"outputField"`
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*ScriptExecutor)(nil)

// ScriptExecutor runs SCRIPT nodes
type ScriptExecutor struct {
	compiler expression.Compiler
}

// NewScriptExecutor returns the SCRIPT executor
func NewScriptExecutor(compiler expression.Compiler) *ScriptExecutor {
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	return &ScriptExecutor{compiler: compiler}
}

func (e *ScriptExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeScript}
}

func (e *ScriptExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[ScriptConfig](ec, node)
	if cfg.Code == "" {
		return nil, required(node, "code")
	}
	script, err := e.compiler.Compile(ctx, cfg.Code)
	if err != nil {
		return nil, invalid(node, fmt.Errorf("failed to compile script: %w", err))
	}
	globals := make(map[string]any, len(input)+1)
	for k, v := range input {
		globals[k] = v
	}
	globals["input"] = input
	result, err := script.Evaluate(ctx, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	return map[string]any{withDefault(cfg.OutputField, "result"): result.Value()}, nil
}

func (e *ScriptExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[ScriptConfig](config)
	if err != nil {
		return err
	}
	if cfg.Code == "" {
		return fmt.Errorf("code is required")
	}
	_, err = e.compiler.Compile(context.Background(), cfg.Code)
	return err
}
