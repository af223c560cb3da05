package graphflow

import (
	"context"
	"fmt"
	"sort"
)

// NodeInfo is the per-dispatch metadata handed to an executor
type NodeInfo struct {
	InstanceID string
	Key        string
	Type       NodeType
	Config     map[string]any
	Iteration  int
	Attempt    int
}

// NodeExecutor implements the behavior of one or more node types. Execute
// receives a read-only copy of the node's input variables and returns the
// output map the engine merges into the execution context.
type NodeExecutor interface {
	SupportedTypes() []NodeType
	Execute(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error)
	ValidateConfig(config map[string]any) error
}

// ConfigValidator checks a node config against its type's schema
type ConfigValidator func(config map[string]any) error

// Registry maps node types to executors. It is built once and never
// modified afterwards, so it is safe to share between engines.
type Registry struct {
	executors map[NodeType]NodeExecutor
}

// NewRegistry builds a registry. Registering two executors for the same
// node type, or an executor for an unknown type, is an error.
func NewRegistry(executors ...NodeExecutor) (*Registry, error) {
	r := &Registry{executors: map[NodeType]NodeExecutor{}}
	for _, executor := range executors {
		for _, t := range executor.SupportedTypes() {
			if !t.Valid() {
				return nil, fmt.Errorf("executor registered for unknown node type %q", t)
			}
			if _, exists := r.executors[t]; exists {
				return nil, fmt.Errorf("duplicate executor for node type %q", t)
			}
			r.executors[t] = executor
		}
	}
	return r, nil
}

// Lookup returns the executor for a node type. An unregistered type is a
// ConfigurationError; it is never treated as a no-op.
func (r *Registry) Lookup(t NodeType) (NodeExecutor, error) {
	executor, ok := r.executors[t]
	if !ok {
		return nil, &ConfigurationError{
			NodeType: t,
			Cause:    fmt.Sprintf("no executor registered for node type %q", t),
		}
	}
	return executor, nil
}

// Types returns the registered node types in sorted order
func (r *Registry) Types() []NodeType {
	types := make([]NodeType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ConfigValidators returns the config schema check of every registered
// executor, suitable for WithConfigValidators.
func (r *Registry) ConfigValidators() map[NodeType]ConfigValidator {
	validators := make(map[NodeType]ConfigValidator, len(r.executors))
	for t, executor := range r.executors {
		validators[t] = executor.ValidateConfig
	}
	return validators
}
