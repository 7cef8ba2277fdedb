package store

import (
	"context"

	"github.com/rendis/calflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Writes for one run are
// serialized by the engine; the store only guarantees TransitionRun is atomic.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	// TransitionRun moves a run from one status to another only if it is
	// currently in from. Returns a CONFLICT error otherwise.
	TransitionRun(ctx context.Context, id string, from, to schema.RunStatus) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// Step records
	UpsertStep(ctx context.Context, step *schema.StepRecord) error
	ListSteps(ctx context.Context, runID string) ([]*schema.StepRecord, error)
	ListRecentSteps(ctx context.Context, filter StepFilter) ([]*schema.StepRecord, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func transitionConflict(id string, from, actual schema.RunStatus) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"run %q is %s, expected %s", id, actual, from).
		WithDetails(map[string]any{"run_id": id, "expected": string(from), "actual": string(actual)})
}
