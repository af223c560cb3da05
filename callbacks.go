package graphflow

import (
	"context"
	"time"
)

// ExecutionCallbacks receives instance and node lifecycle events
type ExecutionCallbacks interface {
	// Instance-level callbacks
	BeforeInstanceExecution(ctx context.Context, event *InstanceExecutionEvent)
	AfterInstanceExecution(ctx context.Context, event *InstanceExecutionEvent)

	// Node-level callbacks
	BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent)
	AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent)
}

// InstanceExecutionEvent provides context for instance-level events
type InstanceExecutionEvent struct {
	InstanceID   string
	SnapshotID   string
	DefinitionID string
	Version      int
	State        InstanceState
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Inputs       map[string]any
	Variables    map[string]any
	Error        error
}

// NodeExecutionEvent provides context for node-level events
type NodeExecutionEvent struct {
	InstanceID string
	NodeKey    string
	NodeType   NodeType
	Attempt    int
	Iteration  int
	Input      map[string]any
	Output     map[string]any
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Error      error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeInstanceExecution(ctx context.Context, event *InstanceExecutionEvent) {
}

func (n *BaseExecutionCallbacks) AfterInstanceExecution(ctx context.Context, event *InstanceExecutionEvent) {
}

func (n *BaseExecutionCallbacks) BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
}

func (n *BaseExecutionCallbacks) AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed BaseExecutionCallbacks in your own type to only implement the
// callbacks you need.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain fans events out to several callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeInstanceExecution(ctx context.Context, event *InstanceExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeInstanceExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterInstanceExecution(ctx context.Context, event *InstanceExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterInstanceExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeNodeExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterNodeExecution(ctx, event)
	}
}
