package engine

import (
	"context"
	"time"

	"github.com/rendis/calflow/internal/logging"
	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/internal/streaming"
	"github.com/rendis/calflow/pkg/schema"
)

// Metrics receives engine measurements. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RunStarted(workflowID string)
	RunFinished(workflowID string, status schema.RunStatus, elapsed time.Duration)
	StepFinished(nodeType schema.NodeType, status schema.StepStatus, elapsed time.Duration)
	StepAttempt(nodeType schema.NodeType, code string)
	WaveDispatched(size int)
	CircuitStateChanged(host string, state string)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted(string) {}
func (noopMetrics) RunFinished(string, schema.RunStatus, time.Duration) {}
func (noopMetrics) StepFinished(schema.NodeType, schema.StepStatus, time.Duration) {}
func (noopMetrics) StepAttempt(schema.NodeType, string) {}
func (noopMetrics) WaveDispatched(int) {}
func (noopMetrics) CircuitStateChanged(string, string) {}

// publishingRecorder persists an event and fans it out to live subscribers.
// The workflow id comes from the logging context of the caller.
type publishingRecorder struct {
	log *store.EventLog
	hub streaming.EventHub
}

func (r *publishingRecorder) Record(ctx context.Context, runID, nodeID, eventType string, payload any) (*schema.Event, error) {
	e, err := r.log.Record(ctx, runID, nodeID, eventType, payload)
	if err != nil {
		return nil, err
	}
	if r.hub != nil {
		_ = r.hub.Publish(context.WithoutCancel(ctx), streaming.FromEvent(logging.WorkflowID(ctx), e))
	}
	return e, nil
}
