package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/pkg/schema"
)

type typeSet map[schema.NodeType]bool

func (s typeSet) Has(t schema.NodeType) bool { return s[t] }

func builtinTypes() typeSet {
	return typeSet{
		schema.NodeTypeTrigger:              true,
		schema.NodeTypeHTTPCall:             true,
		schema.NodeTypeDataTransform:        true,
		schema.NodeTypeMonitor:              true,
		schema.NodeTypeConversationalAICall: true,
		schema.NodeTypeLogicGate:            true,
		schema.NodeTypeLeadValidator:        true,
	}
}

func celChecker(t *testing.T) ConditionChecker {
	t.Helper()
	e, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return e
}

func errorCodes(r *schema.ValidationResult) []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Code
	}
	return out
}

func TestSemantic_ValidGraph(t *testing.T) {
	result := validateSemantic(leadGraph(), builtinTypes(), celChecker(t))
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestSemantic_DuplicateID(t *testing.T) {
	g := leadGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "gate-1", Type: schema.NodeTypeLogicGate})

	result := validateSemantic(g, builtinTypes(), nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[3].id", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeInvalidGraph, result.Errors[0].Code)
}

func TestSemantic_UnknownNodeType(t *testing.T) {
	g := leadGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "sms-1", Type: "sendSMS"})

	result := validateSemantic(g, builtinTypes(), nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeUnknownNodeType, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "sendSMS")
}

func TestSemantic_NilLookupSkipsTypeCheck(t *testing.T) {
	g := leadGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "sms-1", Type: "sendSMS"})
	assert.True(t, validateSemantic(g, nil, nil).Valid())
}

func TestSemantic_NoTrigger(t *testing.T) {
	g := leadGraph()
	g.Nodes[0].Type = schema.NodeTypeMonitor

	result := validateSemantic(g, builtinTypes(), nil)
	assert.Contains(t, errorCodes(result), schema.ErrCodeInvalidGraph)
}

func TestSemantic_MultipleTriggersWarn(t *testing.T) {
	g := leadGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "trigger-2", Type: schema.NodeTypeTrigger})

	result := validateSemantic(g, builtinTypes(), nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "2 trigger nodes")
}

func TestSemantic_EdgeEndpoints(t *testing.T) {
	g := leadGraph()
	g.Edges = append(g.Edges,
		schema.Edge{Source: "ghost", Target: "http-1"},
		schema.Edge{Source: "http-1", Target: "nowhere"},
	)

	result := validateSemantic(g, builtinTypes(), nil)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "edges[2].source", result.Errors[0].Path)
	assert.Equal(t, "edges[3].target", result.Errors[1].Path)
	assert.Equal(t, []string{schema.ErrCodeInvalidGraph, schema.ErrCodeInvalidGraph}, errorCodes(result))
}

func TestSemantic_SelfLoop(t *testing.T) {
	g := leadGraph()
	g.Edges = append(g.Edges, schema.Edge{Source: "http-1", Target: "http-1"})

	result := validateSemantic(g, builtinTypes(), nil)
	assert.Equal(t, []string{schema.ErrCodeCycleDetected}, errorCodes(result))
}

func TestSemantic_ConditionalEdges(t *testing.T) {
	g := leadGraph()
	g.Edges = append(g.Edges,
		schema.Edge{Source: "trigger-1", Target: "http-1", Kind: schema.EdgeKindConditional},
		schema.Edge{Source: "trigger-1", Target: "http-1", Kind: schema.EdgeKindConditional, Branch: schema.BranchTrue},
		schema.Edge{Source: "trigger-1", Target: "gate-1", Branch: schema.BranchFalse},
	)

	result := validateSemantic(g, builtinTypes(), nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "edges[2].branch", result.Errors[0].Path)

	require.Len(t, result.Warnings, 2)
	assert.Equal(t, "edges[3]", result.Warnings[0].Path, "conditional edge from a non-gate node")
	assert.Equal(t, "edges[4].branch", result.Warnings[1].Path)
}

func TestSemantic_Conditions(t *testing.T) {
	g := leadGraph()
	g.Nodes[2].Condition = `trigger.input.score > 80`
	assert.True(t, validateSemantic(g, builtinTypes(), celChecker(t)).Valid())

	g.Nodes[2].Condition = `trigger.input.score >`
	result := validateSemantic(g, builtinTypes(), celChecker(t))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[2].condition", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "does not compile")
}

func TestSemantic_Timeout(t *testing.T) {
	g := leadGraph()
	g.Timeout = "0s"
	result := validateSemantic(g, builtinTypes(), nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "timeout", result.Errors[0].Path)
}

func TestSemantic_NodeConfig(t *testing.T) {
	tests := []struct {
		name string
		node schema.Node
		path string
	}{
		{"http without url", schema.Node{ID: "n", Type: schema.NodeTypeHTTPCall}, "nodes[3].config.url"},
		{"ai call without agent", schema.Node{ID: "n", Type: schema.NodeTypeConversationalAICall,
			Config: map[string]any{"instructionsTemplate": "Call {{name}}"}}, "nodes[3].config.agentId"},
		{"ai call without instructions", schema.Node{ID: "n", Type: schema.NodeTypeConversationalAICall,
			Config: map[string]any{"agentId": "agent-1"}}, "nodes[3].config.instructionsTemplate"},
		{"unknown gate", schema.Node{ID: "n", Type: schema.NodeTypeLogicGate,
			Config: map[string]any{"gateType": "maybe"}}, "nodes[3].config.gateType"},
		{"trigger schema not an object", schema.Node{ID: "n", Type: schema.NodeTypeTrigger,
			Config: map[string]any{"inputSchema": "strict"}}, "nodes[3].config.inputSchema"},
		{"lead validator unknown mode", schema.Node{ID: "n", Type: schema.NodeTypeLeadValidator,
			Config: map[string]any{"mode": "scorer"}}, "nodes[3].config.mode"},
		{"lead router without routes block", schema.Node{ID: "n", Type: schema.NodeTypeLeadValidator,
			Config: map[string]any{"mode": "router"}}, "nodes[3].config.routerConfig"},
		{"lead validator unknown operator", schema.Node{ID: "n", Type: schema.NodeTypeLeadValidator,
			Config: map[string]any{"validatorConfig": map[string]any{"conditions": []any{
				map[string]any{"field": "email", "operator": "matches", "value": ".*"},
			}}}}, "nodes[3].config.validatorConfig"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := leadGraph()
			g.Nodes = append(g.Nodes, tc.node)
			result := validateSemantic(g, builtinTypes(), nil)
			require.Len(t, result.Errors, 1, "%+v", result.Errors)
			assert.Equal(t, tc.path, result.Errors[0].Path)
			assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
		})
	}
}

func TestSemantic_LeadValidatorBranchesWithoutWarning(t *testing.T) {
	g := leadGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "lead-1", Type: schema.NodeTypeLeadValidator, Config: map[string]any{
		"mode": "router",
		"routerConfig": map[string]any{"routes": []any{
			map[string]any{"name": "hot", "output": "hot", "conditions": []any{
				map[string]any{"field": "score", "operator": ">=", "value": float64(80)},
			}},
		}},
	}})
	g.Edges = append(g.Edges,
		schema.Edge{Source: "trigger-1", Target: "lead-1"},
		schema.Edge{Source: "lead-1", Target: "http-1", Kind: schema.EdgeKindConditional, Branch: schema.BranchTrue},
	)
	result := validateSemantic(g, builtinTypes(), nil)
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestSemantic_GateExpressionSkipsGateType(t *testing.T) {
	g := leadGraph()
	g.Nodes[1].Config = map[string]any{"gateType": "whatever", "expression": "trigger.input.score > 1"}
	assert.True(t, validateSemantic(g, builtinTypes(), nil).Valid())
}

func TestSemantic_EmptyTransformWarns(t *testing.T) {
	g := leadGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "map-1", Type: schema.NodeTypeDataTransform})
	result := validateSemantic(g, builtinTypes(), nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "nodes[3].config.transformations", result.Warnings[0].Path)
}
