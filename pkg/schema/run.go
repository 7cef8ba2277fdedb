package schema

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunCreated         RunStatus = "created"
	RunRunning         RunStatus = "running"
	RunPendingApproval RunStatus = "pending-approval"
	RunWaiting         RunStatus = "waiting"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of a step record.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Settled reports whether the step no longer blocks its successors' readiness check.
func (s StepStatus) Settled() bool {
	return s == StepCompleted || s == StepSkipped
}

// SuspendKind names why a pending step is parked.
type SuspendKind string

const (
	SuspendApproval SuspendKind = "approval"
	SuspendDelay    SuspendKind = "delay"
	SuspendForm     SuspendKind = "form"
)

// Trigger kinds.
const (
	TriggerManual   = "manual"
	TriggerWebhook  = "webhook"
	TriggerSchedule = "schedule"
	TriggerMessage  = "message"
)

// TriggerEvent is what started a run.
type TriggerEvent struct {
	Kind    string            `json:"kind"`
	Payload map[string]any    `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Run is one execution of a workflow snapshot.
type Run struct {
	ID              string        `json:"id"`
	WorkflowID      string        `json:"workflow_id"`
	WorkflowVersion int           `json:"workflow_version,omitempty"`
	Workflow        *Workflow     `json:"workflow,omitempty"`
	Status          RunStatus     `json:"status"`
	Trigger         TriggerEvent  `json:"trigger"`
	Error           *FlowError    `json:"error,omitempty"`
	Steps           []*StepRecord `json:"steps"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Step returns the step record for a node, or nil.
func (r *Run) Step(nodeID string) *StepRecord {
	for _, s := range r.Steps {
		if s.NodeID == nodeID {
			return s
		}
	}
	return nil
}

// StepMap indexes step records by node id.
func (r *Run) StepMap() map[string]*StepRecord {
	m := make(map[string]*StepRecord, len(r.Steps))
	for _, s := range r.Steps {
		m[s.NodeID] = s
	}
	return m
}

// Suspended returns the pending steps parked with the given kind.
func (r *Run) Suspended(kind SuspendKind) []*StepRecord {
	var out []*StepRecord
	for _, s := range r.Steps {
		if s.Status == StepPending && s.Suspend == kind {
			out = append(out, s)
		}
	}
	return out
}

// StepRecord is the observable trace of one node within a run.
type StepRecord struct {
	RunID      string          `json:"run_id,omitempty"`
	NodeID     string          `json:"node_id"`
	Label      string          `json:"label,omitempty"`
	Type       NodeType        `json:"type"`
	Status     StepStatus      `json:"status"`
	Sequence   int             `json:"sequence"`
	Branch     string          `json:"branch,omitempty"`
	Suspend    SuspendKind     `json:"suspend,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *FlowError      `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	ResumeAt   *time.Time      `json:"resume_at,omitempty"`
}

// DurationMs returns the elapsed step time, or 0 when unfinished.
func (s *StepRecord) DurationMs() int64 {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt).Milliseconds()
}

// Decision is a human verdict on a pending approval.
// NodeID may be empty when the run has a single open approval.
type Decision struct {
	NodeID  string `json:"nodeId,omitempty"`
	Approve bool   `json:"approve"`
	Actor   string `json:"actor,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Verb returns "approve" or "reject".
func (d Decision) Verb() string {
	if d.Approve {
		return "approve"
	}
	return "reject"
}
