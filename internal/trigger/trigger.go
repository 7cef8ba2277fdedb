// Package trigger starts runs from sources other than a direct API call:
// cron schedules kept in the store and messages on a NATS subject.
package trigger

import (
	"context"

	"github.com/rendis/calflow/pkg/schema"
)

// Starter starts a run of a published workflow. engine.Scheduler satisfies it.
type Starter interface {
	StartRun(ctx context.Context, workflowID string, trigger schema.TriggerEvent) (*schema.Run, error)
}
