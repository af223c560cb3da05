package expression

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultMaxNodes bounds the size of a compiled expression
const DefaultMaxNodes = 1000

// nonDeterministicBuiltins are removed from every compiled program so that
// the same inputs always produce the same result.
var nonDeterministicBuiltins = []string{"now"}

// ExprScript is a compiled expr-lang program
type ExprScript struct {
	engine  *ExprEngine
	program *vm.Program
	source  string
}

func (s *ExprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		env[name] = value
	}
	for name, value := range globals {
		env[name] = value
	}
	result, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", s.source, err)
	}
	return NewValue(result), nil
}

// Source returns the expression text the script was compiled from
func (s *ExprScript) Source() string {
	return s.source
}

// ExprOptions configures an ExprEngine
type ExprOptions struct {
	// Globals are constants visible to every expression. Variables passed
	// at evaluation time take precedence.
	Globals map[string]any

	// Functions are extra pure functions made available to expressions
	Functions map[string]func(params ...any) (any, error)

	// MaxNodes bounds the expression AST size. Defaults to DefaultMaxNodes.
	MaxNodes uint
}

// ExprEngine compiles sandboxed expressions. Expressions can read variables
// and call pure builtins but have no access to I/O, the clock or the host.
type ExprEngine struct {
	globals   map[string]any
	functions map[string]func(params ...any) (any, error)
	maxNodes  uint
}

// NewExprEngine returns a compiler for the sandboxed expression language
func NewExprEngine(opts ExprOptions) *ExprEngine {
	if opts.MaxNodes == 0 {
		opts.MaxNodes = DefaultMaxNodes
	}
	globals := make(map[string]any, len(opts.Globals))
	for k, v := range opts.Globals {
		globals[k] = v
	}
	return &ExprEngine{
		globals:   globals,
		functions: opts.Functions,
		maxNodes:  opts.MaxNodes,
	}
}

// NewCompiler returns an ExprEngine with default options
func NewCompiler() *ExprEngine {
	return NewExprEngine(ExprOptions{})
}

func (e *ExprEngine) Compile(ctx context.Context, code string) (Script, error) {
	if code == "" {
		return nil, fmt.Errorf("empty expression")
	}
	options := []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.MaxNodes(e.maxNodes),
	}
	for _, name := range nonDeterministicBuiltins {
		options = append(options, expr.DisableBuiltin(name))
	}
	for name, fn := range e.functions {
		options = append(options, expr.Function(name, fn))
	}
	program, err := expr.Compile(code, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", code, err)
	}
	return &ExprScript{engine: e, program: program, source: code}, nil
}

// Evaluate compiles and evaluates code in one step
func Evaluate(ctx context.Context, compiler Compiler, code string, globals map[string]any) (Value, error) {
	script, err := compiler.Compile(ctx, code)
	if err != nil {
		return nil, err
	}
	return script.Evaluate(ctx, globals)
}
