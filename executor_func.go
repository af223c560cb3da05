package graphflow

import "context"

// Confirm the interface is implemented correctly.
var _ NodeExecutor = (*ExecutorFunc)(nil)

// ExecuteFunc is the signature of a function-backed node executor
type ExecuteFunc func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error)

// ExecutorFunc wraps a function for use as a NodeExecutor. It accepts any
// config.
type ExecutorFunc struct {
	types []NodeType
	fn    ExecuteFunc
}

// NewExecutorFunc returns a NodeExecutor for the given function
func NewExecutorFunc(fn ExecuteFunc, types ...NodeType) *ExecutorFunc {
	return &ExecutorFunc{types: types, fn: fn}
}

func (e *ExecutorFunc) SupportedTypes() []NodeType {
	return e.types
}

func (e *ExecutorFunc) Execute(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
	return e.fn(ctx, node, input, ec)
}

func (e *ExecutorFunc) ValidateConfig(config map[string]any) error {
	return nil
}
