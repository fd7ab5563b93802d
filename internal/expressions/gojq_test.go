package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_SelectField(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".lead.name", map[string]any{
		"lead": map[string]any{"name": "Jane"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Jane", out)
}

func TestGoJQ_EvaluateValue_List(t *testing.T) {
	e := NewGoJQEngine()
	leads := []any{
		map[string]any{"id": "a", "score": float64(90)},
		map[string]any{"id": "b", "score": float64(20)},
	}

	out, err := e.EvaluateValue(context.Background(), "[.[] | select(.score > 50) | .id]", leads)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)
}

func TestGoJQ_NormalizesGoTypes(t *testing.T) {
	e := NewGoJQEngine()
	input := map[string]any{
		"retryCount": 2,
		"mapped":     map[string]Value{"name": Defined("Jane"), "phone": Undefined},
	}

	out, err := e.EvaluateValue(context.Background(), ".mapped.phone == null and .mapped.name == \"Jane\" and .retryCount == 2", input)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateValue(context.Background(), ".[]", []any{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)

	none, err := e.EvaluateValue(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := e.EvaluateAll(context.Background(), ".", "only")
	require.NoError(t, err)
	assert.Equal(t, []any{"only"}, all)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.EvaluateValue(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.EvaluateValue(context.Background(), ".[", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.EvaluateValue(context.Background(), `error("bad lead")`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeExecution))
}

func TestGoJQ_EnvSandboxed(t *testing.T) {
	t.Setenv("CONEX_SECRET_PROBE", "leak")
	e := NewGoJQEngine()

	out, err := e.EvaluateValue(context.Background(), "$ENV.CONEX_SECRET_PROBE", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_QueryBindsScopeVariables(t *testing.T) {
	e := NewGoJQEngine()
	scope := map[string]any{
		"trigger": map[string]any{"input": map[string]any{"minScore": 50}},
		"nodes":   map[string]any{"http-1": map[string]any{"status": 200}},
	}
	leads := []any{
		map[string]any{"id": "a", "score": 90},
		map[string]any{"id": "b", "score": 20},
	}

	out, err := e.Query(context.Background(),
		"[.[] | select(.score >= $trigger.input.minScore) | .id] + [$nodes[\"http-1\"].status] + [$vars]",
		leads, scope)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", float64(200), nil}, out)
}

func TestGoJQ_HaltEndsQuietly(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateAll(context.Background(), "1, halt", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1}, out)
}
