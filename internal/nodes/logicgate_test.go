package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/pkg/schema"
)

func TestEvalGate(t *testing.T) {
	tests := []struct {
		gate string
		want [4]bool // (a,b) = FF, FT, TF, TT
	}{
		{GateAND, [4]bool{false, false, false, true}},
		{GateOR, [4]bool{false, true, true, true}},
		{GateNAND, [4]bool{true, true, true, false}},
		{GateNOR, [4]bool{true, false, false, false}},
		{GateXOR, [4]bool{false, true, true, false}},
		{GateXNOR, [4]bool{true, false, false, true}},
		{GateNOT, [4]bool{true, true, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.gate, func(t *testing.T) {
			for i, in := range [][2]bool{{false, false}, {false, true}, {true, false}, {true, true}} {
				got, err := evalGate(tt.gate, in[0], in[1])
				require.NoError(t, err)
				assert.Equal(t, tt.want[i], got, "a=%v b=%v", in[0], in[1])
			}
		})
	}
	_, err := evalGate("MAYBE", true, true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func gateNode(cfg map[string]any) schema.Node {
	return schema.Node{ID: "gate-1", Type: schema.NodeTypeLogicGate, Config: cfg}
}

func TestLogicGate_Paths(t *testing.T) {
	reg := newTestRegistry(t, Deps{})
	scope := testScope(map[string]any{"email": "a@b.c", "phone": ""})

	res, err := dispatch(t, reg, gateNode(map[string]any{"gateType": "and", "a": "trigger.input.email", "b": true}), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": true, "branch": "true"}, res.Output)

	res, err = dispatch(t, reg, gateNode(map[string]any{"gateType": "AND", "a": "trigger.input.email", "b": "trigger.input.phone"}), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": false, "branch": "false"}, res.Output)
}

func TestLogicGate_Expression(t *testing.T) {
	reg := newTestRegistry(t, Deps{})
	scope := testScope(map[string]any{"score": float64(72)})

	res, err := dispatch(t, reg, gateNode(map[string]any{"expression": "trigger.input.score > 50"}), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output.(map[string]any)["result"])

	_, err = dispatch(t, reg, gateNode(map[string]any{"expression": "trigger.input.score + 1"}), scope, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
