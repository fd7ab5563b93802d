package store

import (
	"context"

	"github.com/rendis/conex/pkg/schema"
)

// ExecutionStore persists one credential-free record per run.
// Implementations must support concurrent upserts of different execution
// ids and must refuse to modify a record that already reached a terminal
// status.
type ExecutionStore interface {
	UpsertExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error)
}

// EventStore is the append-only log of run events.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
}

// ScheduleStore persists cron-triggered flows.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sf *ScheduledFlow) error
	GetSchedule(ctx context.Context, id string) (*ScheduledFlow, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduledFlow, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Store is the full persistence contract of the daemon.
// All implementations must be safe for concurrent use.
type Store interface {
	ExecutionStore
	EventStore
	ScheduleStore

	Migrate(ctx context.Context) error
	Close() error
}

func storeNotFound(resource, id string) *schema.ConexError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func terminalConflict(id string, status schema.ExecutionStatus) *schema.ConexError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q is already %s", id, status)
}
