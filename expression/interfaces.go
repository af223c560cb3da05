package expression

import "context"

// Value is the result of evaluating an expression against an environment
type Value interface {
	// Value returns the raw Go value
	Value() any

	// Items returns the value as a list, see Items
	Items() ([]any, error)

	String() string

	// IsTruthy reports whether a guard holding this value passes
	IsTruthy() bool
}

// Script is a compiled expression. Evaluating it has no side effects and
// sees only the variables passed in env.
type Script interface {
	Evaluate(ctx context.Context, env map[string]any) (Value, error)
}

// Compiler turns expression source into a Script. Guards, filter
// conditions, SCRIPT nodes and ${...} templates all compile through it.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
