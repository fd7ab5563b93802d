package expressions

import (
	"encoding/json"
)

// Scope is the read-only view of a run handed to node handlers and
// expression engines. The orchestrator builds a fresh copy for every
// dispatch, so handlers cannot alias the live run state.
type Scope struct {
	ExecutionID      string
	FlowID           string
	FlowName         string
	OrganizationID   string
	OrganizationName string
	UserID           string
	Variables        map[string]any
	NodeOutputs      map[string]any
	Executed         []string // node ids completed so far, in order
}

// TriggerInput returns variables.trigger.input, or an empty map.
func (s *Scope) TriggerInput() map[string]any {
	if in, ok := ResolvePath("trigger.input", s.Variables).V.(map[string]any); ok {
		return in
	}
	return map[string]any{}
}

// TemplateData is the root object templates render against: every
// variable at top level plus nodeOutputs and execution metadata.
func (s *Scope) TemplateData() map[string]any {
	data := make(map[string]any, len(s.Variables)+2)
	for k, v := range s.Variables {
		data[k] = v
	}
	data["nodeOutputs"] = s.NodeOutputs
	data["execution"] = map[string]any{
		"id":               s.ExecutionID,
		"flowId":           s.FlowID,
		"organizationId":   s.OrganizationID,
		"organizationName": s.OrganizationName,
	}
	return data
}

// ConditionData is the activation for node guard expressions.
func (s *Scope) ConditionData() map[string]any {
	trigger, _ := s.Variables["trigger"].(map[string]any)
	return map[string]any{
		"trigger": trigger,
		"nodes":   s.NodeOutputs,
		"vars":    s.Variables,
		"flow": map[string]any{
			"executionId":    s.ExecutionID,
			"flowId":         s.FlowID,
			"organizationId": s.OrganizationID,
		},
	}
}

// Clone returns a deep copy of s.
func (s *Scope) Clone() *Scope {
	cp := *s
	cp.Variables = DeepCopyMap(s.Variables)
	cp.NodeOutputs = DeepCopyMap(s.NodeOutputs)
	cp.Executed = append([]string(nil), s.Executed...)
	return &cp
}

// DeepCopyMap recursively deep-copies a map.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case map[string]Value:
		cp := make(map[string]Value, len(val))
		for k, item := range val {
			cp[k] = Value{V: DeepCopy(item.V), Defined: item.Defined}
		}
		return cp
	case map[string]string:
		cp := make(map[string]string, len(val))
		for k, item := range val {
			cp[k] = item
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
