package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conex/pkg/schema"
)

// MemoryStore is an in-process ExecutionStore, EventStore and
// ScheduleStore. Records are copied on the way in and out, so callers
// never share state with it.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*schema.ExecutionRecord
	events     map[string][]*Event
	schedules  map[string]*ScheduledFlow
	nextID     int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*schema.ExecutionRecord),
		events:     make(map[string][]*Event),
		schedules:  make(map[string]*ScheduledFlow),
	}
}

// Migrate is a no-op.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) UpsertExecution(_ context.Context, rec *schema.ExecutionRecord) error {
	if rec == nil || rec.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyRecord(rec)
	cp.UpdatedAt = time.Now().UTC()
	if prev, ok := m.executions[rec.ExecutionID]; ok {
		if prev.Status.Terminal() {
			return terminalConflict(rec.ExecutionID, prev.Status)
		}
		cp.StartedAt = prev.StartedAt
	} else if cp.StartedAt.IsZero() {
		cp.StartedAt = cp.UpdatedAt
	}
	m.executions[rec.ExecutionID] = cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*schema.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.ExecutionRecord
	for _, rec := range m.executions {
		if filter.FlowID != "" && rec.FlowID != filter.FlowID {
			continue
		}
		if filter.OrganizationID != "" && rec.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && rec.StartedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	cp.Payload = append(json.RawMessage(nil), event.Payload...)
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, sf *ScheduledFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[sf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sf.ID)
	}
	cp := copySchedule(sf)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.schedules[sf.ID] = cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*ScheduledFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sf, ok := m.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	return copySchedule(sf), nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sf, ok := m.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		sf.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		sf.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		sf.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		sf.LastRunStatus = update.LastRunStatus
	}
	if update.LastExecutionID != "" {
		sf.LastExecutionID = update.LastExecutionID
	}
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*ScheduledFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ScheduledFlow
	for _, sf := range m.schedules {
		if filter.Enabled != nil && sf.Enabled != *filter.Enabled {
			continue
		}
		if filter.OrganizationID != "" && sf.OrganizationID != filter.OrganizationID {
			continue
		}
		out = append(out, copySchedule(sf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}

func copySchedule(sf *ScheduledFlow) *ScheduledFlow {
	cp := *sf
	cp.Graph = append(json.RawMessage(nil), sf.Graph...)
	cp.Input = append(json.RawMessage(nil), sf.Input...)
	cp.Connections = append(json.RawMessage(nil), sf.Connections...)
	if sf.LastRunAt != nil {
		t := *sf.LastRunAt
		cp.LastRunAt = &t
	}
	if sf.NextRunAt != nil {
		t := *sf.NextRunAt
		cp.NextRunAt = &t
	}
	return &cp
}

func copyRecord(rec *schema.ExecutionRecord) *schema.ExecutionRecord {
	cp := *rec
	cp.Context = append(json.RawMessage(nil), rec.Context...)
	cp.Graph = append(json.RawMessage(nil), rec.Graph...)
	if rec.Steps != nil {
		cp.Steps = make([]schema.StepLog, len(rec.Steps))
		for i, s := range rec.Steps {
			s.Output = append(json.RawMessage(nil), s.Output...)
			cp.Steps[i] = s
		}
	}
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
