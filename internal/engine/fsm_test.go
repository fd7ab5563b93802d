package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/pkg/schema"
)

type emitted struct {
	executionID, nodeID, eventType string
	payload                        any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, executionID, nodeID, eventType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, emitted{executionID, nodeID, eventType, payload})
	return nil
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.eventType
	}
	return out
}

func TestRunFSM_ValidTransitions(t *testing.T) {
	rec := &recordingEmitter{}
	fsm := NewRunFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionStatusRunning, schema.ExecutionStatusTimedOut, nil))

	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventExecutionTimedOut}, rec.types())
	assert.Equal(t, "exec-1", rec.events[0].executionID)
}

func TestRunFSM_RejectsInvalidTransitions(t *testing.T) {
	rec := &recordingEmitter{}
	fsm := NewRunFSM(rec)

	tests := []struct {
		from, to schema.ExecutionStatus
	}{
		{schema.ExecutionStatusPending, schema.ExecutionStatusSuccess},
		{schema.ExecutionStatusSuccess, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusSuccess},
		{schema.ExecutionStatusTimedOut, schema.ExecutionStatusFailed},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusPending},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			err := fsm.Transition(context.Background(), "exec-1", tc.from, tc.to, nil)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		})
	}
	assert.Empty(t, rec.types())
}

func TestRunFSM_Hooks(t *testing.T) {
	fsm := NewRunFSM(nil)
	var calls []string
	fsm.OnBefore(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(from, to string) error {
		calls = append(calls, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(from, to string) error {
		calls = append(calls, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "e", schema.ExecutionStatusPending, schema.ExecutionStatusRunning, nil))
	assert.Equal(t, []string{"before:pending->running", "after"}, calls)
}

func TestRunFSM_BeforeHookRejects(t *testing.T) {
	rec := &recordingEmitter{}
	fsm := NewRunFSM(rec)
	fsm.OnBefore(schema.ExecutionStatusRunning, schema.ExecutionStatusSuccess, func(from, to string) error {
		return errors.New("not yet")
	})

	err := fsm.Transition(context.Background(), "e", schema.ExecutionStatusRunning, schema.ExecutionStatusSuccess, nil)
	require.EqualError(t, err, "not yet")
	assert.Empty(t, rec.types(), "no event for a rejected transition")
}

func TestRunFSM_EmitterFailure(t *testing.T) {
	fsm := NewRunFSM(&recordingEmitter{err: errors.New("disk full")})
	err := fsm.Transition(context.Background(), "e", schema.ExecutionStatusPending, schema.ExecutionStatusRunning, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestStepFSM_Lifecycle(t *testing.T) {
	rec := &recordingEmitter{}
	fsm := NewStepFSM(rec)
	ctx := context.Background()

	steps := []struct {
		from, to schema.StepStatus
	}{
		{stepStatusNone, schema.StepStatusRunning},
		{schema.StepStatusRunning, schema.StepStatusRetrying},
		{schema.StepStatusRetrying, schema.StepStatusRunning},
		{schema.StepStatusRunning, schema.StepStatusSuccess},
	}
	for _, s := range steps {
		require.NoError(t, fsm.Transition(ctx, "exec-1", "ai-1", s.from, s.to, nil))
	}

	assert.Equal(t, []string{
		schema.EventNodeStarted,
		schema.EventNodeRetrying,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
	}, rec.types())
	assert.Equal(t, "ai-1", rec.events[0].nodeID)
}

func TestStepFSM_RejectsInvalidTransitions(t *testing.T) {
	fsm := NewStepFSM(nil)
	tests := []struct {
		from, to schema.StepStatus
	}{
		{stepStatusNone, schema.StepStatusSuccess},
		{schema.StepStatusSkipped, schema.StepStatusRunning},
		{schema.StepStatusSuccess, schema.StepStatusFailed},
		{schema.StepStatusRetrying, schema.StepStatusSuccess},
	}
	for _, tc := range tests {
		err := fsm.Transition(context.Background(), "e", "n", tc.from, tc.to, nil)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		assert.Equal(t, "n", err.(*schema.ConexError).NodeID)
	}
}
