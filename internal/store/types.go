package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// Schedule is a cron-triggered workflow start.
type Schedule struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	NodeID         string          `json:"node_id,omitempty"`
	CronExpression string          `json:"cron_expression"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	LastRunID      string          `json:"last_run_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
// UpdatedBefore selects runs whose last status change is older than the given
// instant, which answers "pending approval for longer than X".
type RunFilter struct {
	WorkflowID    string             `json:"workflow_id,omitempty"`
	Statuses      []schema.RunStatus `json:"statuses,omitempty"`
	UpdatedBefore *time.Time         `json:"updated_before,omitempty"`
	Limit         int                `json:"limit,omitempty"`
	Offset        int                `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Status changes that must be
// race-free go through TransitionRun instead.
type RunUpdate struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	Error      *schema.FlowError `json:"error,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// StepFilter specifies criteria for the cross-run step listing.
type StepFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Type       schema.NodeType   `json:"type,omitempty"`
	Status     schema.StepStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func hasStatus(statuses []schema.RunStatus, s schema.RunStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
