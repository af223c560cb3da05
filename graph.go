package graphflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeType is the closed set of node kinds a graph may contain
type NodeType string

const (
	NodeStart     NodeType = "START"
	NodeEnd       NodeType = "END"
	NodeCondition NodeType = "CONDITION"
	NodeLoop      NodeType = "LOOP"
	NodeParallel  NodeType = "PARALLEL"
	NodeSwitch    NodeType = "SWITCH"
	NodeTool      NodeType = "TOOL"
	NodeHTTP      NodeType = "HTTP"
	NodeScript    NodeType = "SCRIPT"
	NodeMapper    NodeType = "MAPPER"
	NodeFilter    NodeType = "FILTER"
	NodeValidator NodeType = "VALIDATOR"
	NodeSplitter  NodeType = "SPLITTER"
	NodeMerger    NodeType = "MERGER"
	NodeAI        NodeType = "AI"
	NodeEmbedding NodeType = "EMBEDDING"
)

// NodeTypes lists every known node type in declaration order
var NodeTypes = []NodeType{
	NodeStart, NodeEnd, NodeCondition, NodeLoop, NodeParallel, NodeSwitch,
	NodeTool, NodeHTTP, NodeScript, NodeMapper, NodeFilter, NodeValidator,
	NodeSplitter, NodeMerger, NodeAI, NodeEmbedding,
}

// Valid returns true if the type is one of the known node types
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsControl returns true for node types that only steer the walk
func (t NodeType) IsControl() bool {
	switch t {
	case NodeStart, NodeEnd, NodeCondition, NodeLoop, NodeParallel, NodeSwitch:
		return true
	}
	return false
}

// EdgeKind distinguishes regular edges from loop-body and error edges
type EdgeKind string

const (
	EdgeNormal EdgeKind = ""
	EdgeBody   EdgeKind = "body"
	EdgeError  EdgeKind = "error"
)

// Duration is a time.Duration that reads "5s" style strings or a plain
// number of seconds from YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// RetryPolicy configures node-local retries. RetryOn limits retries to
// errors matching one of the listed types, see MatchesErrorType; when it
// is empty every non-fatal error is retried.
type RetryPolicy struct {
	MaxAttempts     int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialInterval Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Multiplier      float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	RetryOn         []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// Node is a single vertex of a workflow graph. Config is opaque to the
// engine and is handed to the node's executor unparsed.
type Node struct {
	Key         string         `json:"key" yaml:"key"`
	Type        NodeType       `json:"type" yaml:"type"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs      []string       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	SkipOnError bool           `json:"skip_on_error,omitempty" yaml:"skip_on_error,omitempty"`
	Timeout     Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry       *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Edge connects two nodes. Condition is an optional guard expression.
type Edge struct {
	From      string   `json:"from" yaml:"from"`
	To        string   `json:"to" yaml:"to"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Default   bool     `json:"default,omitempty" yaml:"default,omitempty"`
	Kind      EdgeKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Graph is the serializable form of a workflow: a list of nodes and a list
// of edges in declaration order.
type Graph struct {
	Nodes []*Node `json:"nodes" yaml:"nodes"`
	Edges []*Edge `json:"edges" yaml:"edges"`
}

// Node returns the first node with the given key
func (g *Graph) Node(key string) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.Key == key {
			return n, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the graph
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	clone := &Graph{
		Nodes: make([]*Node, 0, len(g.Nodes)),
		Edges: make([]*Edge, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		copied := *n
		copied.Config = copyMap(n.Config)
		copied.Inputs = append([]string(nil), n.Inputs...)
		copied.Outputs = append([]string(nil), n.Outputs...)
		if n.Retry != nil {
			retry := *n.Retry
			retry.RetryOn = append([]string(nil), n.Retry.RetryOn...)
			copied.Retry = &retry
		}
		clone.Nodes = append(clone.Nodes, &copied)
	}
	for _, e := range g.Edges {
		copied := *e
		clone.Edges = append(clone.Edges, &copied)
	}
	return clone
}

// MarshalGraph serializes a graph to its canonical JSON form
func MarshalGraph(g *Graph) ([]byte, error) {
	return json.Marshal(g)
}

// UnmarshalGraph parses a graph serialized by MarshalGraph
func UnmarshalGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return &g, nil
}
