package validation

import (
	"fmt"

	"github.com/rendis/conex/pkg/schema"
)

// validateDAG runs cycle detection (Kahn) and reports nodes that no
// trigger can reach. Edges with unknown endpoints are ignored here; the
// semantic stage already reported them.
func validateDAG(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}

	inDegree := make(map[string]int, len(g.Nodes))
	children := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if !ids[e.Source] || !ids[e.Target] {
			continue
		}
		children[e.Source] = append(children[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(ids) {
		var stuck []string
		for _, n := range g.Nodes {
			if inDegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("graph contains a dependency cycle through %v", stuck))
		return result
	}

	// Reachability from trigger nodes.
	reachable := make(map[string]bool, len(ids))
	var bfs []string
	for _, n := range g.Nodes {
		if n.Type == schema.NodeTypeTrigger {
			reachable[n.ID] = true
			bfs = append(bfs, n.ID)
		}
	}
	for len(bfs) > 0 {
		id := bfs[0]
		bfs = bfs[1:]
		for _, child := range children[id] {
			if !reachable[child] {
				reachable[child] = true
				bfs = append(bfs, child)
			}
		}
	}

	if len(reachable) == 0 {
		return result
	}
	for _, n := range g.Nodes {
		if !reachable[n.ID] {
			result.AddNodeWarning(n.ID, fmt.Sprintf("nodes[%s]", n.ID), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is not reachable from any trigger", n.ID))
		}
	}
	return result
}
