package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of a run.
type ExecutionStatus string

const (
	ExecutionStatusPending  ExecutionStatus = "pending"
	ExecutionStatusRunning  ExecutionStatus = "running"
	ExecutionStatusSuccess  ExecutionStatus = "success"
	ExecutionStatusFailed   ExecutionStatus = "failed"
	ExecutionStatusTimedOut ExecutionStatus = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusTimedOut:
		return true
	}
	return false
}

// StepStatus represents the outcome of a single node within a run.
type StepStatus string

const (
	StepStatusRunning  StepStatus = "running"
	StepStatusSuccess  StepStatus = "success"
	StepStatusFailed   StepStatus = "failed"
	StepStatusSkipped  StepStatus = "skipped"
	StepStatusRetrying StepStatus = "retrying"
)

// ExecutionRecord is the durable, credential-free document kept per run.
type ExecutionRecord struct {
	ExecutionID      string          `json:"executionId"`
	FlowID           string          `json:"flowId,omitempty"`
	OrganizationID   string          `json:"organizationId,omitempty"`
	Status           ExecutionStatus `json:"status"`
	Context          json.RawMessage `json:"context,omitempty"`
	Graph            json.RawMessage `json:"graph,omitempty"`
	CurrentNodeIndex int             `json:"currentNodeIndex"`
	Error            string          `json:"error,omitempty"`
	Steps            []StepLog       `json:"steps,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	FinishedAt       *time.Time      `json:"finishedAt,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// StepLog records what happened to one node.
type StepLog struct {
	NodeID     string          `json:"nodeId"`
	NodeName   string          `json:"nodeName"`
	NodeType   NodeType        `json:"nodeType"`
	Status     StepStatus      `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Event type constants published on the event hub.
const (
	EventExecutionStarted  = "execution.started"
	EventExecutionSuccess  = "execution.success"
	EventExecutionFailed   = "execution.failed"
	EventExecutionTimedOut = "execution.timed_out"

	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeSkipped   = "node.skipped"
	EventNodeRetrying  = "node.retrying"

	EventMonitorOutput = "monitor.output"
)
