package streaming

import (
	"context"
	"time"
)

// StreamEvent is a live copy of one trail entry of a run.
type StreamEvent struct {
	ExecutionID string         `json:"executionId"`
	Seq         int            `json:"seq"`
	At          time.Time      `json:"at"`
	EventType   string         `json:"eventType"`
	NodeID      string         `json:"nodeId,omitempty"`
	ApprovalID  string         `json:"approvalId,omitempty"`
	Message     string         `json:"message,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// EventFilter selects the events a subscriber receives.
type EventFilter struct {
	ExecutionID string   `json:"executionId,omitempty"`
	EventTypes  []string `json:"eventTypes,omitempty"`
}

// EventHub fans run events out to live subscribers.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
