package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/internal/engine"
	"github.com/rendis/conex/internal/store"
	"github.com/rendis/conex/pkg/schema"
)

type recordingRunner struct {
	mu   sync.Mutex
	reqs []engine.RunRequest
	err  error
}

func (r *recordingRunner) Start(_ context.Context, req engine.RunRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.reqs = append(r.reqs, req)
	return "exec-" + req.FlowID, nil
}

func (r *recordingRunner) calls() []engine.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.RunRequest(nil), r.reqs...)
}

var (
	testNow   = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	testGraph = json.RawMessage(`{"nodes":[{"id":"t","type":"trigger"}],"edges":[]}`)
)

func newTestScheduler(runner FlowRunner) (*Scheduler, *store.MemoryStore) {
	st := store.NewMemoryStore()
	s := NewScheduler(st, runner, Options{
		Interval: 10 * time.Millisecond,
		Now:      func() time.Time { return testNow },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, st
}

func dueFlow(id string) *store.ScheduledFlow {
	past := testNow.Add(-time.Minute)
	return &store.ScheduledFlow{
		ID:             id,
		FlowID:         "flow-" + id,
		OrganizationID: "org-1",
		Graph:          testGraph,
		Input:          json.RawMessage(`{"source":"cron"}`),
		Connections:    json.RawMessage(`[{"id":"crm","encryptedCredentials":"iv:tag:data"}]`),
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}
}

func TestCalculateNextRun(t *testing.T) {
	s, _ := newTestScheduler(&recordingRunner{})

	next, err := s.CalculateNextRun("30 2 * * *", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 2, 30, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@hourly", testNow)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour), next)

	_, err = s.CalculateNextRun("every tuesday", testNow)
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	s, st := newTestScheduler(&recordingRunner{})
	ctx := context.Background()

	sf := &store.ScheduledFlow{FlowID: "nightly", Graph: testGraph, CronExpression: "0 2 * * *", Enabled: true}
	require.NoError(t, s.Create(ctx, sf))
	assert.NotEmpty(t, sf.ID)

	got, err := st.GetSchedule(ctx, sf.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), *got.NextRunAt)
}

func TestCreate_Rejects(t *testing.T) {
	s, _ := newTestScheduler(&recordingRunner{})
	ctx := context.Background()

	err := s.Create(ctx, &store.ScheduledFlow{FlowID: "f", Graph: testGraph, CronExpression: "nope"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = s.Create(ctx, &store.ScheduledFlow{FlowID: "f", CronExpression: "@daily"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidGraph))

	err = s.Create(ctx, &store.ScheduledFlow{Graph: testGraph, CronExpression: "@daily"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTick_RunsDueFlows(t *testing.T) {
	runner := &recordingRunner{}
	s, st := newTestScheduler(runner)
	ctx := context.Background()

	require.NoError(t, st.CreateSchedule(ctx, dueFlow("a")))

	future := testNow.Add(time.Hour)
	notDue := dueFlow("b")
	notDue.NextRunAt = &future
	require.NoError(t, st.CreateSchedule(ctx, notDue))

	disabled := dueFlow("c")
	disabled.Enabled = false
	require.NoError(t, st.CreateSchedule(ctx, disabled))

	s.tick(ctx)

	calls := runner.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, "flow-a", req.FlowID)
	assert.Equal(t, "org-1", req.OrganizationID)
	assert.Equal(t, map[string]any{"source": "cron"}, req.Input)
	require.Len(t, req.Connections, 1)
	assert.Equal(t, "crm", req.Connections[0].ID)
	require.NotNil(t, req.Graph)
	assert.Equal(t, schema.NodeTypeTrigger, req.Graph.Nodes[0].Type)

	got, err := st.GetSchedule(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.LastRunStatus)
	assert.Equal(t, "exec-flow-a", got.LastExecutionID)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, testNow, *got.LastRunAt)
	assert.Equal(t, testNow.Add(time.Hour), *got.NextRunAt)
}

func TestTick_RunnerError(t *testing.T) {
	runner := &recordingRunner{err: errors.New("pool is shut down")}
	s, st := newTestScheduler(runner)
	ctx := context.Background()
	require.NoError(t, st.CreateSchedule(ctx, dueFlow("a")))

	s.tick(ctx)

	got, err := st.GetSchedule(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(testNow), "a failed start still advances the schedule")
}

func TestTick_BadGraphRecordsError(t *testing.T) {
	runner := &recordingRunner{}
	s, st := newTestScheduler(runner)
	ctx := context.Background()

	sf := dueFlow("a")
	sf.Graph = json.RawMessage(`{broken`)
	require.NoError(t, st.CreateSchedule(ctx, sf))

	s.tick(ctx)

	assert.Empty(t, runner.calls())
	got, err := st.GetSchedule(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
}

func TestTick_SkipsInflight(t *testing.T) {
	runner := &recordingRunner{}
	s, st := newTestScheduler(runner)
	ctx := context.Background()
	require.NoError(t, st.CreateSchedule(ctx, dueFlow("a")))

	require.True(t, s.tryAcquire("a"))
	s.tick(ctx)
	assert.Empty(t, runner.calls())

	s.release("a")
	s.tick(ctx)
	assert.Len(t, runner.calls(), 1)
}

func TestRecoverMissed(t *testing.T) {
	runner := &recordingRunner{}
	s, st := newTestScheduler(runner)
	ctx := context.Background()

	require.NoError(t, st.CreateSchedule(ctx, dueFlow("missed")))
	future := testNow.Add(time.Hour)
	upcoming := dueFlow("upcoming")
	upcoming.NextRunAt = &future
	require.NoError(t, st.CreateSchedule(ctx, upcoming))

	require.NoError(t, s.RecoverMissed(ctx))

	calls := runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "flow-missed", calls[0].FlowID)
}

func TestStartStop(t *testing.T) {
	runner := &recordingRunner{}
	s, st := newTestScheduler(runner)
	ctx := context.Background()
	require.NoError(t, st.CreateSchedule(ctx, dueFlow("a")))

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start is rejected")

	require.Eventually(t, func() bool { return len(runner.calls()) >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	// The fixed clock never passes the new NextRunAt, so only the first tick ran.
	assert.Len(t, runner.calls(), 1)
}
