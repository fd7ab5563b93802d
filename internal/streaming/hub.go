package streaming

import (
	"context"
	"time"
)

// Event is a run event fanned out to in-process subscribers: execution
// transitions, node progress and monitor output.
type Event struct {
	ExecutionID string    `json:"executionId"`
	FlowID      string    `json:"flowId,omitempty"`
	NodeID      string    `json:"nodeId,omitempty"`
	Type        string    `json:"type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	ExecutionID string   `json:"executionId,omitempty"`
	FlowID      string   `json:"flowId,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub is pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}

// Nop discards every event. Used when no hub is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Subscribe(context.Context, Filter) (<-chan Event, func(), error) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}, nil
}
