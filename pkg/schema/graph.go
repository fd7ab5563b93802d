package schema

// NodeType enumerates the built-in node kinds a graph may contain.
type NodeType string

const (
	NodeTypeTrigger              NodeType = "trigger"
	NodeTypeHTTPCall             NodeType = "httpCall"
	NodeTypeDataTransform        NodeType = "dataTransform"
	NodeTypeMonitor              NodeType = "monitor"
	NodeTypeConversationalAICall NodeType = "conversationalAICall"
	NodeTypeLogicGate            NodeType = "logicGate"
	NodeTypeLeadValidator        NodeType = "leadValidator"
)

// EdgeKind distinguishes plain dependencies from branch edges.
type EdgeKind string

const (
	EdgeKindDefault     EdgeKind = "default"
	EdgeKindConditional EdgeKind = "conditional"
)

// Branch values carried by conditional edges.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// Graph is the declarative node+edge definition of one flow.
// It is supplied fresh per run and never mutated by the engine.
type Graph struct {
	ID      string         `json:"id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Nodes   []Node         `json:"nodes"`
	Edges   []Edge         `json:"edges"`
	Timeout string         `json:"timeout,omitempty"` // whole-run budget, e.g. "30s"
	Meta    map[string]any `json:"metadata,omitempty"`
}

// Node is one typed unit of work.
type Node struct {
	ID        string         `json:"id"`
	Type      NodeType       `json:"type"`
	Label     string         `json:"label,omitempty"`
	Condition string         `json:"condition,omitempty"` // CEL guard, node is skipped when false
	Config    map[string]any `json:"config,omitempty"`
}

// Name returns the label used in user-facing messages.
func (n Node) Name() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	ID     string   `json:"id,omitempty"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind,omitempty"`
	Branch string   `json:"branch,omitempty"`
}

// IsConditional reports whether the edge only fires on a matching gate branch.
func (e Edge) IsConditional() bool {
	return e.Kind == EdgeKindConditional && e.Branch != ""
}

// NodeByID returns the node with id, if present.
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
