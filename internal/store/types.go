package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/conex/pkg/schema"
)

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	FlowID         string                  `json:"flow_id,omitempty"`
	OrganizationID string                  `json:"organization_id,omitempty"`
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	Since          *time.Time              `json:"since,omitempty"`
	Limit          int                     `json:"limit,omitempty"`
	Offset         int                     `json:"offset,omitempty"`
}

// Event is one entry of an execution's append-only event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ScheduledFlow is a cron-triggered flow run. Connections hold the encrypted
// records only; they are decrypted per run like any other invocation.
type ScheduledFlow struct {
	ID              string          `json:"id"`
	FlowID          string          `json:"flow_id"`
	Name            string          `json:"name,omitempty"`
	OrganizationID  string          `json:"organization_id,omitempty"`
	Graph           json.RawMessage `json:"graph"`
	Input           json.RawMessage `json:"input,omitempty"`
	Connections     json.RawMessage `json:"connections,omitempty"`
	CronExpression  string          `json:"cron_expression"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	LastExecutionID string          `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a scheduled flow.
type ScheduleUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing scheduled flows.
type ScheduleFilter struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
