package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/pkg/schema"
)

func eventLogContract(t *testing.T, es EventStore) {
	ctx := context.Background()
	el := NewEventLog(es)
	id := "exec-events"

	require.NoError(t, el.Append(ctx, id, "", schema.EventExecutionStarted, nil))
	require.NoError(t, el.Append(ctx, id, "trigger-1", schema.EventNodeStarted, NodeEventPayload{Name: "Start", Type: schema.NodeTypeTrigger}))
	require.NoError(t, el.Append(ctx, id, "trigger-1", schema.EventNodeCompleted, NodeEventPayload{Output: []byte(`{"a":1}`)}))
	require.NoError(t, el.Append(ctx, id, "http-1", schema.EventNodeStarted, NodeEventPayload{Name: "Fetch", Type: schema.NodeTypeHTTPCall}))
	require.NoError(t, el.Append(ctx, id, "http-1", schema.EventNodeFailed, NodeEventPayload{Error: "API call failed: 500"}))
	require.NoError(t, el.Append(ctx, id, "monitor-1", schema.EventNodeSkipped, NodeEventPayload{Name: "Log"}))

	events, err := el.Events(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 6)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	tail, err := el.Events(ctx, id, 4)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	steps, err := el.ReplaySteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, "trigger-1", steps[0].NodeID)
	assert.Equal(t, "Start", steps[0].NodeName)
	assert.Equal(t, schema.StepStatusSuccess, steps[0].Status)
	assert.JSONEq(t, `{"a":1}`, string(steps[0].Output))

	assert.Equal(t, schema.StepStatusFailed, steps[1].Status)
	assert.Equal(t, "API call failed: 500", steps[1].Error)
	assert.Equal(t, schema.NodeTypeHTTPCall, steps[1].NodeType)

	assert.Equal(t, schema.StepStatusSkipped, steps[2].Status)

	other, err := el.Events(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEventLog_Memory(t *testing.T) {
	eventLogContract(t, NewMemoryStore())
}

func TestEventLog_LibSQL(t *testing.T) {
	eventLogContract(t, newTestStore(t))
}
