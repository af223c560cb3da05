package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/expression"
)

// ToolConfig configures a TOOL node. Params may contain ${...} templates,
// rendered against the node input before the call.
type ToolConfig struct {
	Tool        string         `mapstructure:"tool"`
	Params      map[string]any `mapstructure:"params"`
	OutputField string         `mapstructure:"outputField"`
	Timeout     time.Duration  `mapstructure:"timeout"`
}

// Confirm the interface is implemented correctly.
var _ graphflow.NodeExecutor = (*ToolExecutor)(nil)

// ToolExecutor runs TOOL nodes through a ToolInvoker
type ToolExecutor struct {
	tools    graphflow.ToolInvoker
	compiler expression.Compiler
}

// NewToolExecutor returns the TOOL executor. With a nil invoker every TOOL
// node fails with a configuration error.
func NewToolExecutor(tools graphflow.ToolInvoker, compiler expression.Compiler) *ToolExecutor {
	if compiler == nil {
		compiler = expression.NewCompiler()
	}
	return &ToolExecutor{tools: tools, compiler: compiler}
}

func (e *ToolExecutor) SupportedTypes() []graphflow.NodeType {
	return []graphflow.NodeType{graphflow.NodeTool}
}

func (e *ToolExecutor) Execute(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
	cfg := decode[ToolConfig](ec, node)
	if cfg.Tool == "" {
		return nil, required(node, "tool")
	}
	if e.tools == nil {
		return nil, invalid(node, fmt.Errorf("no tool invoker configured"))
	}
	rendered, err := expression.Render(ctx, e.compiler, cfg.Params, input)
	if err != nil {
		return nil, fmt.Errorf("failed to render tool params: %w", err)
	}
	params, _ := rendered.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	ec.Logger().Debug("invoking tool", "node_key", node.Key, "tool", cfg.Tool)
	result, err := e.tools.Invoke(ctx, cfg.Tool, params)
	if err != nil {
		return nil, err
	}
	if cfg.OutputField != "" {
		return map[string]any{cfg.OutputField: result}, nil
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

func (e *ToolExecutor) ValidateConfig(config map[string]any) error {
	cfg, err := strict[ToolConfig](config)
	if err != nil {
		return err
	}
	if cfg.Tool == "" {
		return fmt.Errorf("tool is required")
	}
	return compileTemplates(e.compiler, cfg.Params)
}

// compileTemplates checks that every ${...} template inside value
// compiles.
func compileTemplates(compiler expression.Compiler, value any) error {
	switch v := value.(type) {
	case string:
		_, err := expression.NewTemplate(compiler, v)
		return err
	case map[string]any:
		for _, item := range v {
			if err := compileTemplates(compiler, item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := compileTemplates(compiler, item); err != nil {
				return err
			}
		}
	}
	return nil
}
