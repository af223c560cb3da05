package graphflow

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/graphflow/expression"
)

// plan is a snapshot prepared for execution: the graph arena, compiled edge
// guards, precomputed join points and loop shapes. Plans are immutable and
// shared by every instance of the snapshot.
type plan struct {
	snapshot  *Snapshot
	arena     *arena
	start     string
	guards    map[*Edge]expression.Script
	joins     map[string]string
	loops     map[string]*loopShape
	enclosing map[string]string
}

type loopShape struct {
	body          string
	exit          string
	maxIterations int
}

func compilePlan(ctx context.Context, snapshot *Snapshot, compiler expression.Compiler) (*plan, error) {
	graph := snapshot.Graph
	if graph == nil {
		decoded, err := UnmarshalGraph(snapshot.Data)
		if err != nil {
			return nil, &ConfigurationError{Cause: fmt.Sprintf("snapshot %s: %v", snapshot.ID, err), Wrapped: err}
		}
		graph = decoded
	}
	p := &plan{
		snapshot:  snapshot,
		arena:     newArena(graph),
		guards:    map[*Edge]expression.Script{},
		joins:     map[string]string{},
		loops:     map[string]*loopShape{},
		enclosing: map[string]string{},
	}
	for _, n := range graph.Nodes {
		if n.Type == NodeStart {
			p.start = n.Key
			break
		}
	}
	if p.start == "" {
		return nil, NewConfigurationError("snapshot %s has no START node", snapshot.ID)
	}
	for _, e := range graph.Edges {
		if e.Condition == "" {
			continue
		}
		script, err := compiler.Compile(ctx, e.Condition)
		if err != nil {
			return nil, &ConfigurationError{
				NodeKey: e.From,
				Cause:   fmt.Sprintf("edge guard %q: %v", e.Condition, err),
				Wrapped: err,
			}
		}
		p.guards[e] = script
	}
	for _, n := range graph.Nodes {
		if n.Type == NodeParallel || len(p.arena.branches(n.Key)) > 1 {
			p.joins[n.Key] = p.arena.join(n.Key)
		}
		if n.Type != NodeLoop {
			continue
		}
		body := p.arena.outgoingKind(n.Key, EdgeBody)
		exit := p.arena.outgoingKind(n.Key, EdgeNormal)
		if len(body) != 1 || len(exit) != 1 {
			return nil, &ConfigurationError{NodeKey: n.Key, NodeType: n.Type, Cause: "loop needs one body edge and one exit edge"}
		}
		cfg, err := decodeLoopConfig(n.Config)
		if err != nil {
			return nil, &ConfigurationError{NodeKey: n.Key, NodeType: n.Type, Cause: err.Error(), Wrapped: err}
		}
		p.loops[n.Key] = &loopShape{
			body:          body[0].To,
			exit:          exit[0].To,
			maxIterations: cfg.MaxIterations,
		}
	}
	for _, n := range graph.Nodes {
		switch n.Type {
		case NodeLoop:
			p.enclose(n.Key, n.Key)
			for key := range p.arena.reachable(p.loops[n.Key].body, true, n.Key) {
				p.enclose(key, n.Key)
			}
		case NodeParallel:
			join := p.joins[n.Key]
			for _, branch := range p.arena.branches(n.Key) {
				for key := range p.arena.reachable(branch, true, n.Key, join) {
					if key != join && key != n.Key {
						p.enclose(key, n.Key)
					}
				}
			}
		}
	}
	return p, nil
}

// enclose records that resuming at key would lose the state held by owner,
// a LOOP iteration counter or a PARALLEL fan-out. The first owner
// recorded wins.
func (p *plan) enclose(key, owner string) {
	if _, ok := p.enclosing[key]; !ok {
		p.enclosing[key] = owner
	}
}
