package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/conex/pkg/schema"
)

// EventLog provides replay on top of an EventStore.
type EventLog struct {
	store EventStore
}

// NewEventLog wraps an EventStore.
func NewEventLog(s EventStore) *EventLog {
	return &EventLog{store: s}
}

// Append records an event with a JSON-encoded payload.
func (el *EventLog) Append(ctx context.Context, executionID, nodeID, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	return el.store.AppendEvent(ctx, &Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     raw,
	})
}

// Events returns an execution's events with sequence > since.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// NodeEventPayload is the payload shape of node.* events.
type NodeEventPayload struct {
	Name   string          `json:"name,omitempty"`
	Type   schema.NodeType `json:"type,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ReplaySteps rebuilds the per-node step log from the event stream, in the
// order nodes first appeared. It fails on sequence gaps.
func (el *EventLog) ReplaySteps(ctx context.Context, executionID string) ([]schema.StepLog, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	var order []string
	steps := make(map[string]*schema.StepLog)

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
		if e.NodeID == "" {
			continue
		}

		var p NodeEventPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}

		st, ok := steps[e.NodeID]
		if !ok {
			st = &schema.StepLog{NodeID: e.NodeID, StartedAt: e.Timestamp}
			steps[e.NodeID] = st
			order = append(order, e.NodeID)
		}
		if p.Name != "" {
			st.NodeName = p.Name
		}
		if p.Type != "" {
			st.NodeType = p.Type
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventNodeStarted:
			st.Status = schema.StepStatusRunning
			st.StartedAt = ts
		case schema.EventNodeCompleted:
			st.Status = schema.StepStatusSuccess
			st.FinishedAt = &ts
			st.Output = p.Output
		case schema.EventNodeFailed:
			st.Status = schema.StepStatusFailed
			st.FinishedAt = &ts
			st.Error = p.Error
		case schema.EventNodeSkipped:
			st.Status = schema.StepStatusSkipped
			st.FinishedAt = &ts
		case schema.EventNodeRetrying:
			st.Status = schema.StepStatusRetrying
		}
	}

	out := make([]schema.StepLog, 0, len(order))
	for _, id := range order {
		out = append(out, *steps[id])
	}
	return out, nil
}
