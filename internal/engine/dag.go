package engine

import (
	"github.com/rendis/conex/pkg/schema"
)

// Plan is the ordered, indexed form of a graph for one run.
// It is computed once at run start and never recomputed.
type Plan struct {
	Order    []string
	Nodes    map[string]*schema.Node
	Incoming map[string][]schema.Edge
	Outgoing map[string][]schema.Edge
}

// ComputeOrder returns a topological order of the graph's node ids.
// Ties between simultaneously ready nodes are broken by declaration order.
func ComputeOrder(g *schema.Graph) ([]string, error) {
	p, err := NewPlan(g)
	if err != nil {
		return nil, err
	}
	return p.Order, nil
}

// NewPlan indexes g and orders it with Kahn's algorithm: a FIFO queue seeded
// with the zero in-degree nodes in declaration order, children enqueued in
// edge declaration order as their in-degree drops to zero. A graph whose
// order does not cover every node has a cycle; no partial order is returned.
func NewPlan(g *schema.Graph) (*Plan, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidGraph, "graph is nil")
	}

	p := &Plan{
		Nodes:    make(map[string]*schema.Node, len(g.Nodes)),
		Incoming: make(map[string][]schema.Edge, len(g.Nodes)),
		Outgoing: make(map[string][]schema.Edge, len(g.Nodes)),
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph, "node at index %d has no id", i)
		}
		if _, dup := p.Nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph, "duplicate node id %q", n.ID).WithNode(n.ID)
		}
		p.Nodes[n.ID] = n
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		if _, ok := p.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph,
				"edge %s references unknown source node %q", edgeName(e), e.Source)
		}
		if _, ok := p.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph,
				"edge %s references unknown target node %q", edgeName(e), e.Target)
		}
		p.Outgoing[e.Source] = append(p.Outgoing[e.Source], e)
		p.Incoming[e.Target] = append(p.Incoming[e.Target], e)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, e := range p.Outgoing[id] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"graph contains a cycle: %d of %d nodes could be ordered", len(order), len(g.Nodes))
	}

	p.Order = order
	return p, nil
}

// Node returns the node for id. The plan only holds ids from its own graph.
func (p *Plan) Node(id string) *schema.Node {
	return p.Nodes[id]
}

func edgeName(e schema.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Source + "->" + e.Target
}
