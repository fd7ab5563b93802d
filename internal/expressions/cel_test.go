package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/pkg/schema"
)

func conditionData() map[string]any {
	s := &Scope{
		ExecutionID: "exec-1",
		FlowID:      "flow-1",
		Variables: map[string]any{
			"trigger": map[string]any{"input": map[string]any{"score": float64(82), "source": "web"}},
		},
		NodeOutputs: map[string]any{
			"gate": map[string]any{"result": true, "branch": "true"},
		},
	}
	return s.ConditionData()
}

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Literals(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "1 + 2", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)

	out, err = e.Evaluate(context.Background(), `"lead" + "-" + "42"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "lead-42", out)
}

func TestCEL_Conditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	data := conditionData()

	tests := []struct {
		expr string
		want bool
	}{
		{"trigger.input.score > 50", true},
		{"trigger.input.score >= 90", false},
		{`trigger.input.source == "web"`, true},
		{"nodes.gate.result", true},
		{`flow.executionId == "exec-1"`, true},
		{`has(trigger.input.email)`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_NonBoolCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), "trigger.input.source", conditionData())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "trigger.input.score >", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "nodes.missing.result", conditionData())
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeExecution))
}

func TestCEL_AcceptsValueEntries(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"nodes": map[string]any{
			"transform": map[string]any{"lead": map[string]Value{"name": Defined("Jane"), "phone": Undefined}},
		},
	}
	got, err := e.EvaluateBool(context.Background(), `nodes.transform.lead.name == "Jane" && nodes.transform.lead.phone == null`, data)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCEL_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	data := conditionData()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.EvaluateBool(context.Background(), "trigger.input.score > 50", data)
			assert.NoError(t, err)
			assert.True(t, got)
		}()
	}
	wg.Wait()
	assert.Len(t, e.programs, 1)
}

func TestCEL_Check(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.NoError(t, e.Check(`trigger.input.score > 50`))

	err = e.Check(`trigger.input.score >`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.Error(t, e.Check(""))
}
