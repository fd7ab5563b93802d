package validation

import (
	"encoding/json"

	"github.com/rendis/conex/pkg/schema"
)

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, endpoints, node types, guards, config)
// 3. DAG (cycles, reachability)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	types      NodeTypeLookup
	conditions ConditionChecker
}

// NewGraphValidator creates a GraphValidator. types and conditions may be
// nil to skip handler and guard checks.
func NewGraphValidator(types NodeTypeLookup, conditions ConditionChecker) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv, types: types, conditions: conditions}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (gv *GraphValidator) Validate(g *schema.Graph) *schema.ValidationResult {
	if g == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeInvalidGraph, "graph is nil")
		return r
	}

	result := validateStructural(gv.jsonSchema, g)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(g, gv.types, gv.conditions))
	if result.Valid() {
		result.Merge(validateDAG(g))
	}
	return result
}

// ValidateGraph satisfies the Validator interface.
func (gv *GraphValidator) ValidateGraph(g *schema.Graph) error {
	return gv.Validate(g).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (gv *GraphValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return gv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateRun checks the graph, then the input against every trigger
// node's inputSchema. It is the engine's pre-run hook.
func (gv *GraphValidator) ValidateRun(g *schema.Graph, input map[string]any) error {
	if err := gv.ValidateGraph(g); err != nil {
		return err
	}
	for _, n := range g.Nodes {
		if n.Type != schema.NodeTypeTrigger {
			continue
		}
		raw, ok := n.Config["inputSchema"]
		if !ok {
			continue
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "invalid trigger input schema").WithNode(n.ID).WithCause(err)
		}
		if err := gv.ValidateInput(input, b); err != nil {
			if ce, ok := err.(*schema.ConexError); ok {
				return ce.WithNode(n.ID)
			}
			return err
		}
	}
	return nil
}

// validateStructural turns JSON Schema violations into result issues.
func validateStructural(v *JSONSchemaValidator, g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateGraph(g)
	if err == nil {
		return result
	}

	ce, ok := err.(*schema.ConexError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ce.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", ce.Code, msg)
		}
		return result
	}
	result.AddError("/", ce.Code, ce.Message)
	return result
}
