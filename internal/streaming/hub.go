// Package streaming fans out run and step events to live subscribers
// (dashboards, SSE clients, the in-app notification channel).
package streaming

import (
	"context"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// StreamEvent is a real-time event emitted while a run executes.
type StreamEvent struct {
	RunID      string    `json:"run_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	EventType  string    `json:"event_type"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FromEvent converts a persisted log entry into a stream event.
func FromEvent(workflowID string, e *schema.Event) StreamEvent {
	se := StreamEvent{
		RunID:      e.RunID,
		WorkflowID: workflowID,
		NodeID:     e.NodeID,
		EventType:  e.Type,
		Timestamp:  e.Timestamp,
	}
	if len(e.Payload) > 0 {
		se.Payload = e.Payload
	}
	return se
}

// EventFilter selects which events a subscriber receives. Zero fields match all.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	NodeID     string   `json:"node_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
