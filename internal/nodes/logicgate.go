package nodes

import (
	"context"
	"strings"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/pkg/schema"
)

// Gate types.
const (
	GateAND  = "AND"
	GateOR   = "OR"
	GateNOT  = "NOT"
	GateNAND = "NAND"
	GateNOR  = "NOR"
	GateXOR  = "XOR"
	GateXNOR = "XNOR"
)

type logicGateHandler struct {
	expr *expressions.ExprEngine
}

func (h *logicGateHandler) Type() schema.NodeType { return schema.NodeTypeLogicGate }

// Execute evaluates the gate. Its "branch" output selects which
// conditional out-edges fire.
func (h *logicGateHandler) Execute(ctx context.Context, in *Input) (*Result, error) {
	cfg := in.Config()
	data := in.Scope.TemplateData()

	var result bool
	if expression := stringParam(cfg, "expression", ""); expression != "" {
		env, _ := expressions.Plain(data).(map[string]any)
		b, err := h.expr.EvaluateBool(ctx, expression, env)
		if err != nil {
			return nil, err
		}
		result = b
	} else {
		gate := strings.ToUpper(stringParam(cfg, "gateType", GateAND))
		a := operand(cfg["a"], data)
		b := operand(cfg["b"], data)
		var err error
		if result, err = evalGate(gate, a, b); err != nil {
			return nil, err
		}
	}

	return &Result{Output: map[string]any{"result": result, "branch": branchFor(result)}}, nil
}

// operand reads a gate input: a literal bool, "true"/"false", or a dotted
// path resolved against the template data and tested for truthiness.
func operand(raw any, data map[string]any) bool {
	switch x := raw.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true
		case "false", "":
			return false
		}
		return expressions.ResolvePath(x, data).Truthy()
	default:
		return expressions.Defined(raw).Truthy()
	}
}

func evalGate(gate string, a, b bool) (bool, error) {
	switch gate {
	case GateAND:
		return a && b, nil
	case GateOR:
		return a || b, nil
	case GateNOT:
		return !a, nil
	case GateNAND:
		return !(a && b), nil
	case GateNOR:
		return !(a || b), nil
	case GateXOR:
		return a != b, nil
	case GateXNOR:
		return a == b, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "logicGate: unknown gate type %q", gate)
	}
}
