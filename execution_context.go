package graphflow

import (
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/deepnoodle-ai/graphflow/expression"
)

// ExecutionContextOptions configures a new ExecutionContext
type ExecutionContextOptions struct {
	InstanceID  string
	Variables   map[string]any
	NodeOutputs map[string]map[string]any
	Logger      *slog.Logger
	Compiler    expression.Compiler
}

// ExecutionContext holds the mutable state of one running instance:
// accumulated variables, per-node outputs and the cancellation flag. It is
// owned by a single instance and safe for use by concurrent branches.
type ExecutionContext struct {
	instanceID string
	logger     *slog.Logger
	compiler   expression.Compiler
	cancelled  atomic.Bool

	mutex     sync.RWMutex
	variables map[string]any
	outputs   map[string]map[string]any
	writers   map[string]string
}

// NewExecutionContext returns a context seeded with the given variables
func NewExecutionContext(opts ExecutionContextOptions) *ExecutionContext {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Compiler == nil {
		opts.Compiler = expression.NewCompiler()
	}
	variables := copyMap(opts.Variables)
	if variables == nil {
		variables = map[string]any{}
	}
	outputs := make(map[string]map[string]any, len(opts.NodeOutputs))
	for k, v := range opts.NodeOutputs {
		outputs[k] = copyMap(v)
	}
	return &ExecutionContext{
		instanceID: opts.InstanceID,
		logger:     opts.Logger,
		compiler:   opts.Compiler,
		variables:  variables,
		outputs:    outputs,
		writers:    map[string]string{},
	}
}

// InstanceID returns the ID of the owning instance
func (c *ExecutionContext) InstanceID() string {
	return c.instanceID
}

// Logger returns the instance logger
func (c *ExecutionContext) Logger() *slog.Logger {
	return c.logger
}

// Compiler returns the expression compiler used by the instance
func (c *ExecutionContext) Compiler() expression.Compiler {
	return c.compiler
}

// Cancelled returns true once the instance has been asked to stop.
// Long-running executors should poll this between units of work.
func (c *ExecutionContext) Cancelled() bool {
	return c.cancelled.Load()
}

func (c *ExecutionContext) cancel() {
	c.cancelled.Store(true)
}

// Variables returns a copy of the accumulated variables
func (c *ExecutionContext) Variables() map[string]any {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return copyMap(c.variables)
}

// Variable returns a single variable
func (c *ExecutionContext) Variable(name string) (any, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	value, ok := c.variables[name]
	return copyValue(value), ok
}

// SetVariable sets a variable directly, outside of any node output
func (c *ExecutionContext) SetVariable(name string, value any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.variables[name] = value
}

// NodeOutput returns a copy of the last output of a node
func (c *ExecutionContext) NodeOutput(key string) (map[string]any, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	output, ok := c.outputs[key]
	return copyMap(output), ok
}

// NodeOutputs returns a copy of every node output keyed by node key
func (c *ExecutionContext) NodeOutputs() map[string]map[string]any {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make(map[string]map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		result[k] = copyMap(v)
	}
	return result
}

// input returns the variables a node may read. When the node declares
// inputs only those are included.
func (c *ExecutionContext) input(node *Node) map[string]any {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if len(node.Inputs) == 0 {
		return copyMap(c.variables)
	}
	input := make(map[string]any, len(node.Inputs))
	for _, name := range node.Inputs {
		if value, ok := c.variables[name]; ok {
			input[name] = copyValue(value)
		}
	}
	return input
}

// merge records a node's output and folds it into the variables. The last
// writer wins. A write over a value produced by a concurrent branch is
// logged as a conflict.
func (c *ExecutionContext) merge(node *Node, output map[string]any, branch string) {
	if len(node.Outputs) > 0 {
		filtered := make(map[string]any, len(node.Outputs))
		for _, name := range node.Outputs {
			if value, ok := output[name]; ok {
				filtered[name] = value
			}
		}
		output = filtered
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.outputs[node.Key] = copyMap(output)
	var conflicts []string
	for name, value := range output {
		if prior, ok := c.writers[name]; ok && concurrentBranches(prior, branch) {
			conflicts = append(conflicts, name)
		}
		c.variables[name] = copyValue(value)
		c.writers[name] = branch
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		c.logger.Warn("parallel branches wrote the same variables",
			"node_key", node.Key,
			"variables", conflicts)
	}
}

// concurrentBranches reports whether two branch labels may run at the same
// time. Labels are slash-separated paths; a label never races with its own
// ancestors.
func concurrentBranches(a, b string) bool {
	if a == b {
		return false
	}
	return !strings.HasPrefix(a, b+"/") && !strings.HasPrefix(b, a+"/")
}

func (c *ExecutionContext) snapshot() (map[string]any, map[string]map[string]any) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	outputs := make(map[string]map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		outputs[k] = copyMap(v)
	}
	return copyMap(c.variables), outputs
}
