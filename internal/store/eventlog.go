package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/calflow/pkg/schema"
)

// EventLog records and replays the append-only event history of runs.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Record appends an event. payload may be nil, a json.RawMessage, or any
// JSON-marshalable value.
func (el *EventLog) Record(ctx context.Context, runID, nodeID, eventType string, payload any) (*schema.Event, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	e := &schema.Event{RunID: runID, NodeID: nodeID, Type: eventType, Payload: raw}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s: %w", eventType, err)
	}
	return e, nil
}

// Events returns events for a run with sequence > since.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepState is the step status reconstructed from the event log.
type StepState struct {
	NodeID   string            `json:"node_id"`
	Status   schema.StepStatus `json:"status"`
	Attempts int               `json:"attempts"`
	Output   json.RawMessage   `json:"output,omitempty"`
	Error    json.RawMessage   `json:"error,omitempty"`
}

// Replay folds a run's events into per-node step states.
// Returns a STORE_ERROR if the sequence has gaps.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*StepState)
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, i+1, e.Sequence)
		}
		if e.NodeID == "" {
			continue
		}

		ss, ok := states[e.NodeID]
		if !ok {
			ss = &StepState{NodeID: e.NodeID, Status: schema.StepPending}
			states[e.NodeID] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepRunning
		case schema.EventStepRetryAttempt:
			ss.Attempts++
		case schema.EventStepSuspended, schema.EventApprovalRequested:
			ss.Status = schema.StepPending
		case schema.EventStepCompleted:
			ss.Status = schema.StepCompleted
			ss.Output = e.Payload
		case schema.EventStepFailed:
			ss.Status = schema.StepFailed
			ss.Error = e.Payload
		case schema.EventStepSkipped:
			ss.Status = schema.StepSkipped
		}
	}
	return states, nil
}
