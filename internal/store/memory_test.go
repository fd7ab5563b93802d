package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Executions(t *testing.T) {
	executionStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_Schedules(t *testing.T) {
	scheduleStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("flow-copy")
	require.NoError(t, s.UpsertExecution(ctx, rec))
	rec.Context[0] = 'X'

	got, err := s.GetExecution(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.True(t, json.Valid(got.Context))

	got.FlowID = "mutated"
	again, err := s.GetExecution(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "flow-copy", again.FlowID)
}
