package validation

import "github.com/rendis/conex/pkg/schema"

// Validator checks graph definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for graph structure and trigger input.
type Validator interface {
	ValidateGraph(g *schema.Graph) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// NodeTypeLookup reports whether a node type has a registered handler.
// *nodes.Registry satisfies it.
type NodeTypeLookup interface {
	Has(t schema.NodeType) bool
}

// ConditionChecker compiles a node guard without evaluating it.
// *expressions.CELEngine satisfies it.
type ConditionChecker interface {
	Check(expression string) error
}
