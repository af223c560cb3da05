package graphflow

// arena indexes a graph by node position. Edges are kept in declaration
// order and referenced by index from per-node adjacency lists. Duplicate
// keys resolve to the first node; edges naming unknown keys are kept in
// edges but excluded from adjacency.
type arena struct {
	nodes []*Node
	index map[string]int
	edges []*Edge
	out   [][]int
	in    [][]int
}

func newArena(g *Graph) *arena {
	a := &arena{
		nodes: g.Nodes,
		index: make(map[string]int, len(g.Nodes)),
		edges: g.Edges,
		out:   make([][]int, len(g.Nodes)),
		in:    make([][]int, len(g.Nodes)),
	}
	for i, n := range g.Nodes {
		if _, exists := a.index[n.Key]; !exists {
			a.index[n.Key] = i
		}
	}
	for i, e := range g.Edges {
		from, okFrom := a.index[e.From]
		to, okTo := a.index[e.To]
		if !okFrom || !okTo {
			continue
		}
		a.out[from] = append(a.out[from], i)
		a.in[to] = append(a.in[to], i)
	}
	return a
}

func (a *arena) node(key string) (*Node, bool) {
	i, ok := a.index[key]
	if !ok {
		return nil, false
	}
	return a.nodes[i], true
}

// outgoing returns the edges leaving key in declaration order
func (a *arena) outgoing(key string) []*Edge {
	i, ok := a.index[key]
	if !ok {
		return nil
	}
	edges := make([]*Edge, 0, len(a.out[i]))
	for _, ei := range a.out[i] {
		edges = append(edges, a.edges[ei])
	}
	return edges
}

func (a *arena) incoming(key string) []*Edge {
	i, ok := a.index[key]
	if !ok {
		return nil
	}
	edges := make([]*Edge, 0, len(a.in[i]))
	for _, ei := range a.in[i] {
		edges = append(edges, a.edges[ei])
	}
	return edges
}

// outgoingKind returns the edges of the given kind leaving key
func (a *arena) outgoingKind(key string, kind EdgeKind) []*Edge {
	var edges []*Edge
	for _, e := range a.outgoing(key) {
		if e.Kind == kind {
			edges = append(edges, e)
		}
	}
	return edges
}

// reachable returns every key reachable from start, start included. Error
// edges are followed only when withErrors is set. Traversal does not expand
// past the keys in stop.
func (a *arena) reachable(start string, withErrors bool, stop ...string) map[string]bool {
	seen := map[string]bool{}
	if _, ok := a.index[start]; !ok {
		return seen
	}
	blocked := make(map[string]bool, len(stop))
	for _, s := range stop {
		blocked[s] = true
	}
	queue := []string{start}
	seen[start] = true
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if blocked[key] && key != start {
			continue
		}
		for _, e := range a.outgoing(key) {
			if e.Kind == EdgeError && !withErrors {
				continue
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}

// coReachable returns every key from which one of targets can be reached
func (a *arena) coReachable(targets []string) map[string]bool {
	seen := map[string]bool{}
	queue := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, ok := a.index[t]; ok && !seen[t] {
			seen[t] = true
			queue = append(queue, t)
		}
	}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, e := range a.incoming(key) {
			if !seen[e.From] {
				seen[e.From] = true
				queue = append(queue, e.From)
			}
		}
	}
	return seen
}

// branches returns the distinct targets of the regular edges leaving key,
// in declaration order.
func (a *arena) branches(key string) []string {
	var targets []string
	seen := map[string]bool{}
	for _, e := range a.outgoingKind(key, EdgeNormal) {
		if !seen[e.To] {
			seen[e.To] = true
			targets = append(targets, e.To)
		}
	}
	return targets
}

// join returns the node where the branches leaving key converge. An explicit
// "join" entry in the node config wins. Otherwise the join is the first node,
// in breadth-first order from key, that every branch reaches. An empty
// string means the branches never converge.
func (a *arena) join(key string) string {
	n, ok := a.node(key)
	if !ok {
		return ""
	}
	if explicit, ok := n.Config["join"].(string); ok && explicit != "" {
		return explicit
	}
	targets := a.branches(key)
	if len(targets) < 2 {
		return ""
	}
	var common map[string]bool
	for _, t := range targets {
		reach := a.reachable(t, false, key)
		delete(reach, key)
		if common == nil {
			common = reach
			continue
		}
		for k := range common {
			if !reach[k] {
				delete(common, k)
			}
		}
	}
	if len(common) == 0 {
		return ""
	}
	seen := map[string]bool{key: true}
	queue := []string{key}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range a.outgoing(current) {
			if e.Kind == EdgeError || seen[e.To] {
				continue
			}
			if common[e.To] {
				return e.To
			}
			seen[e.To] = true
			queue = append(queue, e.To)
		}
	}
	return ""
}
