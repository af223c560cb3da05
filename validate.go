package graphflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/graphflow/expression"
)

// Structural error codes reported by Validate
const (
	CodeEmptyGraph            = "empty_graph"
	CodeMissingStart          = "missing_start"
	CodeMultipleStart         = "multiple_start"
	CodeMissingEnd            = "missing_end"
	CodeStartHasInbound       = "start_has_inbound"
	CodeEndHasOutbound        = "end_has_outbound"
	CodeUnknownEdgeSource     = "unknown_edge_source"
	CodeUnknownEdgeTarget     = "unknown_edge_target"
	CodeDuplicateKey          = "duplicate_key"
	CodeEmptyKey              = "empty_key"
	CodeUnknownNodeType       = "unknown_node_type"
	CodeUnreachable           = "unreachable_node"
	CodeDeadEnd               = "dead_end"
	CodeCycle                 = "cycle"
	CodeInvalidConfig         = "invalid_config"
	CodeInvalidGuard          = "invalid_guard"
	CodeInvalidRouting        = "invalid_routing"
	CodeParallelWriteConflict = "parallel_write_conflict"
)

// ValidationResult is the outcome of Validate. OK is true when Errors is
// empty.
type ValidationResult struct {
	OK     bool               `json:"ok"`
	Errors []*StructuralError `json:"errors,omitempty"`
}

// Err returns the result as a *ValidationError, or nil when the graph is
// valid.
func (r *ValidationResult) Err() error {
	if r.OK {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}

type validateOptions struct {
	compiler   expression.Compiler
	validators map[NodeType]ConfigValidator
}

// ValidateOption customizes Validate
type ValidateOption func(*validateOptions)

// WithConfigValidators supplies config schema checks for node types. They
// are consulted in addition to the built-in control node checks.
func WithConfigValidators(validators map[NodeType]ConfigValidator) ValidateOption {
	return func(o *validateOptions) {
		for t, v := range validators {
			o.validators[t] = v
		}
	}
}

// WithGuardCompiler sets the compiler used to check edge guards and
// control node expressions.
func WithGuardCompiler(compiler expression.Compiler) ValidateOption {
	return func(o *validateOptions) {
		o.compiler = compiler
	}
}

// Validate checks a graph for structural problems. Every problem found is
// reported; checks that depend on a sound structure are skipped when
// earlier checks fail. Validate has no side effects.
func Validate(g *Graph, opts ...ValidateOption) *ValidationResult {
	options := &validateOptions{validators: map[NodeType]ConfigValidator{}}
	for _, opt := range opts {
		opt(options)
	}
	if options.compiler == nil {
		options.compiler = expression.NewCompiler()
	}
	for t, v := range controlSchemas(options.compiler) {
		if _, ok := options.validators[t]; !ok {
			options.validators[t] = v
		}
	}

	v := &validator{graph: g, options: options}
	v.run()
	return &ValidationResult{OK: len(v.errors) == 0, Errors: v.errors}
}

type validator struct {
	graph   *Graph
	options *validateOptions
	arena   *arena
	errors  []*StructuralError
}

func (v *validator) fail(code, nodeKey, format string, args ...any) {
	v.errors = append(v.errors, &StructuralError{
		Code:    code,
		NodeKey: nodeKey,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) run() {
	if v.graph == nil || len(v.graph.Nodes) == 0 {
		v.fail(CodeEmptyGraph, "", "graph has no nodes")
		return
	}
	v.arena = newArena(v.graph)

	start, sound := v.checkTerminals()
	sound = v.checkEdges() && sound
	sound = v.checkKeys() && sound
	if sound {
		v.checkReachability(start)
		v.checkCycles(start)
	}
	v.checkConfigs()
	v.checkRouting()
	if sound {
		v.checkParallelOutputs()
	}
}

// checkTerminals verifies there is exactly one START, at least one END,
// that START has no inbound edges and END no outbound edges.
func (v *validator) checkTerminals() (string, bool) {
	var starts, ends []string
	for _, n := range v.graph.Nodes {
		switch n.Type {
		case NodeStart:
			starts = append(starts, n.Key)
		case NodeEnd:
			ends = append(ends, n.Key)
		}
	}
	sound := true
	switch {
	case len(starts) == 0:
		v.fail(CodeMissingStart, "", "graph has no START node")
		sound = false
	case len(starts) > 1:
		v.fail(CodeMultipleStart, "", "graph has %d START nodes: %v", len(starts), starts)
		sound = false
	}
	if len(ends) == 0 {
		v.fail(CodeMissingEnd, "", "graph has no END node")
		sound = false
	}
	for _, e := range v.graph.Edges {
		if from, ok := v.arena.node(e.From); ok && from.Type == NodeEnd {
			v.fail(CodeEndHasOutbound, e.From, "END node has an outbound edge to %q", e.To)
			sound = false
		}
		if to, ok := v.arena.node(e.To); ok && to.Type == NodeStart {
			v.fail(CodeStartHasInbound, e.To, "START node has an inbound edge from %q", e.From)
			sound = false
		}
	}
	if len(starts) == 1 {
		return starts[0], sound
	}
	return "", sound
}

func (v *validator) checkEdges() bool {
	sound := true
	for i, e := range v.graph.Edges {
		if _, ok := v.arena.node(e.From); !ok {
			v.fail(CodeUnknownEdgeSource, e.From, "edge %d references unknown source node", i)
			sound = false
		}
		if _, ok := v.arena.node(e.To); !ok {
			v.fail(CodeUnknownEdgeTarget, e.To, "edge %d references unknown target node", i)
			sound = false
		}
	}
	return sound
}

func (v *validator) checkKeys() bool {
	sound := true
	seen := map[string]bool{}
	for _, n := range v.graph.Nodes {
		if n.Key == "" {
			v.fail(CodeEmptyKey, "", "node of type %s has an empty key", n.Type)
			sound = false
			continue
		}
		if seen[n.Key] {
			v.fail(CodeDuplicateKey, n.Key, "duplicate node key")
			sound = false
		}
		seen[n.Key] = true
		if !n.Type.Valid() {
			v.fail(CodeUnknownNodeType, n.Key, "unknown node type %q", n.Type)
		}
	}
	return sound
}

// checkReachability verifies every node is reachable from START and can
// reach some END.
func (v *validator) checkReachability(start string) {
	reachable := v.arena.reachable(start, true)
	var ends []string
	for _, n := range v.graph.Nodes {
		if n.Type == NodeEnd {
			ends = append(ends, n.Key)
		}
	}
	coReachable := v.arena.coReachable(ends)
	for _, n := range v.graph.Nodes {
		if !reachable[n.Key] {
			v.fail(CodeUnreachable, n.Key, "node is not reachable from START")
			continue
		}
		if !coReachable[n.Key] {
			v.fail(CodeDeadEnd, n.Key, "no END node is reachable from this node")
		}
	}
}

// checkCycles runs a depth-first search from START tracking the current
// recursion stack. An edge back onto the stack is only allowed when its
// target is a LOOP node and its source lies inside that loop's body.
func (v *validator) checkCycles(start string) {
	const (
		unvisited = iota
		onStack
		done
	)
	state := map[string]int{}
	reported := map[string]bool{}

	var visit func(key string)
	visit = func(key string) {
		state[key] = onStack
		for _, e := range v.arena.outgoing(key) {
			switch state[e.To] {
			case onStack:
				if !v.closesLoopBody(e.From, e.To) && !reported[e.From+"->"+e.To] {
					reported[e.From+"->"+e.To] = true
					v.fail(CodeCycle, e.To, "cycle via edge %q -> %q is not delimited by a LOOP node", e.From, e.To)
				}
			case unvisited:
				visit(e.To)
			}
		}
		state[key] = done
	}
	visit(start)
}

// closesLoopBody reports whether from -> loop returns control to a LOOP
// node from inside its body: from is reachable from the body target
// without passing through the loop, and not reachable from its exits.
func (v *validator) closesLoopBody(from, loop string) bool {
	target, ok := v.arena.node(loop)
	if !ok || target.Type != NodeLoop {
		return false
	}
	inBody := false
	for _, body := range v.arena.outgoingKind(loop, EdgeBody) {
		if v.arena.reachable(body.To, true, loop)[from] {
			inBody = true
			break
		}
	}
	if !inBody {
		return false
	}
	for _, exit := range v.arena.outgoingKind(loop, EdgeNormal) {
		if exit.To != loop && v.arena.reachable(exit.To, true, loop)[from] {
			return false
		}
	}
	return true
}

// checkConfigs validates each node's config against its type's schema
// and its retry policy's error types.
func (v *validator) checkConfigs() {
	for _, n := range v.graph.Nodes {
		if n.Retry != nil {
			for _, errorType := range n.Retry.RetryOn {
				switch errorType {
				case ErrorTypeAll, ErrorTypeNodeExecution, ErrorTypeTimeout, ErrorTypeTransient:
				default:
					v.fail(CodeInvalidConfig, n.Key, "retry_on: %q is not a retryable error type", errorType)
				}
			}
		}
		check, ok := v.options.validators[n.Type]
		if !ok {
			continue
		}
		if err := check(n.Config); err != nil {
			v.fail(CodeInvalidConfig, n.Key, "%v", err)
		}
	}
}

// checkRouting verifies edge guards compile and that the edges leaving each
// control node have the shape the engine needs to route.
func (v *validator) checkRouting() {
	for i, e := range v.graph.Edges {
		if e.Condition == "" {
			continue
		}
		if _, err := v.options.compiler.Compile(context.Background(), e.Condition); err != nil {
			v.fail(CodeInvalidGuard, e.From, "edge %d guard: %v", i, err)
		}
	}
	for _, n := range v.graph.Nodes {
		if _, ok := v.arena.index[n.Key]; !ok || n.Key == "" {
			continue
		}
		errorEdges := v.arena.outgoingKind(n.Key, EdgeError)
		if len(errorEdges) > 1 {
			v.fail(CodeInvalidRouting, n.Key, "node has %d error edges, at most one is allowed", len(errorEdges))
		}
		bodyEdges := v.arena.outgoingKind(n.Key, EdgeBody)
		regular := v.arena.outgoingKind(n.Key, EdgeNormal)
		defaults := 0
		for _, e := range regular {
			if e.Default {
				defaults++
			}
		}
		if defaults > 1 {
			v.fail(CodeInvalidRouting, n.Key, "node has %d default edges, at most one is allowed", defaults)
		}
		switch n.Type {
		case NodeCondition, NodeSwitch:
			if len(regular) == 0 {
				v.fail(CodeInvalidRouting, n.Key, "%s node has no outgoing edges", n.Type)
			}
		case NodeLoop:
			if len(bodyEdges) != 1 {
				v.fail(CodeInvalidRouting, n.Key, "LOOP node needs exactly one body edge, found %d", len(bodyEdges))
			}
			if len(regular) != 1 {
				v.fail(CodeInvalidRouting, n.Key, "LOOP node needs exactly one exit edge, found %d", len(regular))
			}
		case NodeParallel:
			if join, ok := n.Config["join"].(string); ok && join != "" {
				if _, exists := v.arena.node(join); !exists {
					v.fail(CodeInvalidRouting, n.Key, "join node %q does not exist", join)
				}
			}
		}
		if n.Type != NodeLoop && len(bodyEdges) > 0 {
			v.fail(CodeInvalidRouting, n.Key, "only LOOP nodes may have body edges")
		}
	}
}

// checkParallelOutputs reports variables declared as outputs by more than
// one branch of the same PARALLEL node.
func (v *validator) checkParallelOutputs() {
	for _, n := range v.graph.Nodes {
		if n.Type != NodeParallel {
			continue
		}
		join := v.arena.join(n.Key)
		writers := map[string][]string{}
		for _, branch := range v.arena.branches(n.Key) {
			if branch == join {
				continue
			}
			stop := []string{n.Key}
			if join != "" {
				stop = append(stop, join)
			}
			declared := map[string]bool{}
			for key := range v.arena.reachable(branch, true, stop...) {
				if key == join || key == n.Key {
					continue
				}
				node, _ := v.arena.node(key)
				for _, out := range node.Outputs {
					declared[out] = true
				}
			}
			for out := range declared {
				writers[out] = append(writers[out], branch)
			}
		}
		names := make([]string, 0, len(writers))
		for name := range writers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if branches := writers[name]; len(branches) > 1 {
				v.fail(CodeParallelWriteConflict, n.Key,
					"variable %q is written by parallel branches %v", name, branches)
			}
		}
	}
}
