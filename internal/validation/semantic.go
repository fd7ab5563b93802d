package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/conex/pkg/schema"
)

var knownGates = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "NAND": true, "NOR": true, "XOR": true, "XNOR": true,
}

// branchingTypes emit a "branch" output for conditional edges.
var branchingTypes = map[schema.NodeType]bool{
	schema.NodeTypeLogicGate:     true,
	schema.NodeTypeLeadValidator: true,
}

var knownLeadOperators = map[string]bool{
	"==": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true,
	"contains": true, "startsWith": true, "endsWith": true,
	"isEmpty": true, "isNotEmpty": true,
	"length>": true, "length<": true, "length==": true,
}

// leadModes maps each leadValidator mode to its config block.
var leadModes = map[string]string{
	"validator": "validatorConfig",
	"editor":    "editorConfig",
	"router":    "routerConfig",
}

// validateSemantic checks what the JSON schema cannot express: unique ids,
// edge endpoints, handler availability, trigger presence, guard syntax and
// required per-type config.
func validateSemantic(g *schema.Graph, lookup NodeTypeLookup, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]schema.NodeType, len(g.Nodes))
	triggers := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if _, dup := ids[n.ID]; dup {
			result.AddNodeError(n.ID, path+".id", schema.ErrCodeInvalidGraph, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		ids[n.ID] = n.Type

		if n.Type == schema.NodeTypeTrigger {
			triggers++
		}
		if lookup != nil && !lookup.Has(n.Type) {
			result.AddNodeError(n.ID, path+".type", schema.ErrCodeUnknownNodeType,
				fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
		if n.Condition != "" && conditions != nil {
			if err := conditions.Check(n.Condition); err != nil {
				result.AddNodeError(n.ID, path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("node %q condition does not compile: %s", n.ID, message(err)))
			}
		}
		validateNodeConfig(n, path, result)
	}

	switch {
	case triggers == 0:
		result.AddError("nodes", schema.ErrCodeInvalidGraph, "graph has no trigger node")
	case triggers > 1:
		result.AddWarning("nodes", schema.ErrCodeValidation,
			fmt.Sprintf("graph has %d trigger nodes; all of them receive the same input", triggers))
	}

	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		srcType, srcOK := ids[e.Source]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeInvalidGraph,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			result.AddError(path+".target", schema.ErrCodeInvalidGraph,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if e.Source == e.Target && srcOK {
			result.AddError(path, schema.ErrCodeCycleDetected, fmt.Sprintf("node %q depends on itself", e.Source))
		}

		if e.Kind == schema.EdgeKindConditional && e.Branch == "" {
			result.AddError(path+".branch", schema.ErrCodeValidation, "conditional edge requires a branch")
		}
		if e.Kind != schema.EdgeKindConditional && e.Branch != "" {
			result.AddWarning(path+".branch", schema.ErrCodeValidation,
				"branch is ignored on a default edge")
		}
		if e.IsConditional() && srcOK && !branchingTypes[srcType] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("conditional edge from %s node %q fires on its boolean output", srcType, e.Source))
		}
	}

	if g.Timeout != "" {
		if d, err := time.ParseDuration(g.Timeout); err != nil || d <= 0 {
			result.AddError("timeout", schema.ErrCodeValidation, fmt.Sprintf("invalid timeout %q", g.Timeout))
		}
	}

	return result
}

// validateNodeConfig flags config that the handler would reject on every
// run. Templated values are not inspected.
func validateNodeConfig(n *schema.Node, path string, result *schema.ValidationResult) {
	cfg := n.Config
	str := func(key string) string {
		s, _ := cfg[key].(string)
		return strings.TrimSpace(s)
	}

	switch n.Type {
	case schema.NodeTypeHTTPCall:
		if str("url") == "" {
			result.AddNodeError(n.ID, path+".config.url", schema.ErrCodeValidation, "httpCall requires a url")
		}
	case schema.NodeTypeConversationalAICall:
		if str("agentId") == "" {
			result.AddNodeError(n.ID, path+".config.agentId", schema.ErrCodeValidation, "conversationalAICall requires an agentId")
		}
		if str("instructionsTemplate") == "" {
			result.AddNodeError(n.ID, path+".config.instructionsTemplate", schema.ErrCodeValidation,
				"conversationalAICall requires an instructionsTemplate")
		}
	case schema.NodeTypeLogicGate:
		if str("expression") == "" {
			if gate := strings.ToUpper(str("gateType")); gate != "" && !knownGates[gate] {
				result.AddNodeError(n.ID, path+".config.gateType", schema.ErrCodeValidation,
					fmt.Sprintf("unknown gate type %q", gate))
			}
		}
	case schema.NodeTypeLeadValidator:
		validateLeadValidator(n, path, result)
	case schema.NodeTypeDataTransform:
		if _, ok := cfg["transformations"]; !ok {
			result.AddNodeWarning(n.ID, path+".config.transformations", schema.ErrCodeValidation,
				"dataTransform has no transformations")
		}
	case schema.NodeTypeTrigger:
		if raw, ok := cfg["inputSchema"]; ok {
			if _, isObj := raw.(map[string]any); !isObj {
				result.AddNodeError(n.ID, path+".config.inputSchema", schema.ErrCodeValidation, "inputSchema must be an object")
			}
		}
	}
}

// validateLeadValidator checks the mode has its config block and that every
// condition names a field and a known operator.
func validateLeadValidator(n *schema.Node, path string, result *schema.ValidationResult) {
	mode, _ := n.Config["mode"].(string)
	if mode == "" {
		mode = "validator"
	}
	block, ok := leadModes[mode]
	if !ok {
		result.AddNodeError(n.ID, path+".config.mode", schema.ErrCodeValidation, fmt.Sprintf("unknown leadValidator mode %q", mode))
		return
	}
	cfg, ok := n.Config[block].(map[string]any)
	if !ok {
		result.AddNodeError(n.ID, path+".config."+block, schema.ErrCodeValidation,
			fmt.Sprintf("leadValidator %s mode requires %s", mode, block))
		return
	}

	var groups [][]any
	switch mode {
	case "validator":
		conds, _ := cfg["conditions"].([]any)
		groups = append(groups, conds)
	case "editor":
		actions, _ := cfg["actions"].([]any)
		for _, a := range actions {
			if am, ok := a.(map[string]any); ok {
				conds, _ := am["conditions"].([]any)
				groups = append(groups, conds)
			}
		}
	case "router":
		routes, _ := cfg["routes"].([]any)
		for _, r := range routes {
			if rm, ok := r.(map[string]any); ok {
				conds, _ := rm["conditions"].([]any)
				groups = append(groups, conds)
			}
		}
	}
	for _, conds := range groups {
		for _, c := range conds {
			cm, _ := c.(map[string]any)
			field, _ := cm["field"].(string)
			op, _ := cm["operator"].(string)
			if strings.TrimSpace(field) == "" {
				result.AddNodeError(n.ID, path+".config."+block, schema.ErrCodeValidation, "leadValidator condition requires a field")
			}
			if !knownLeadOperators[op] {
				result.AddNodeError(n.ID, path+".config."+block, schema.ErrCodeValidation,
					fmt.Sprintf("unknown leadValidator operator %q", op))
			}
		}
	}
}

func message(err error) string {
	var ce *schema.ConexError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
