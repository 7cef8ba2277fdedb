package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/calflow/pkg/schema"
)

// Transition describes one state change handed to hooks.
type Transition struct {
	RunID  string
	NodeID string
	From   string
	To     string
}

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, t Transition) error

// EventRecorder appends to the run event log. *store.EventLog satisfies it.
type EventRecorder interface {
	Record(ctx context.Context, runID, nodeID, eventType string, payload any) (*schema.Event, error)
}

// hooks stores before/after hooks keyed by (from, to).
type hooks[S comparable] struct {
	mu     sync.RWMutex
	before map[[2]S][]TransitionHook
	after  map[[2]S][]TransitionHook
}

func newHooks[S comparable]() hooks[S] {
	return hooks[S]{before: make(map[[2]S][]TransitionHook), after: make(map[[2]S][]TransitionHook)}
}

func (h *hooks[S]) add(m map[[2]S][]TransitionHook, from, to S, hook TransitionHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := [2]S{from, to}
	m[k] = append(m[k], hook)
}

func (h *hooks[S]) run(ctx context.Context, m map[[2]S][]TransitionHook, from, to S, t Transition) error {
	h.mu.RLock()
	list := m[[2]S{from, to}]
	h.mu.RUnlock()
	for _, hook := range list {
		if err := hook(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// --- Run FSM ---

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunCreated:         {schema.RunRunning, schema.RunFailed, schema.RunCancelled},
	schema.RunRunning:         {schema.RunCompleted, schema.RunFailed, schema.RunPendingApproval, schema.RunWaiting, schema.RunCancelled},
	schema.RunPendingApproval: {schema.RunRunning, schema.RunFailed, schema.RunCancelled},
	schema.RunWaiting:         {schema.RunRunning, schema.RunFailed, schema.RunCancelled},
	schema.RunCompleted:       {},
	schema.RunFailed:          {},
	schema.RunCancelled:       {},
}

// RunFSM validates run transitions, runs hooks and emits the run event.
// The caller persists the new status.
type RunFSM struct {
	recorder EventRecorder
	hooks    hooks[schema.RunStatus]
}

// NewRunFSM creates a RunFSM that emits events through recorder.
func NewRunFSM(recorder EventRecorder) *RunFSM {
	return &RunFSM{recorder: recorder, hooks: newHooks[schema.RunStatus]()}
}

// OnBefore registers a hook called before a run transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.hooks.add(f.hooks.before, from, to, hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.hooks.add(f.hooks.after, from, to, hook)
}

// OnEnter registers an after-hook for every valid transition into to.
func (f *RunFSM) OnEnter(to schema.RunStatus, hook TransitionHook) {
	for from, targets := range ValidRunTransitions {
		if slices.Contains(targets, to) {
			f.OnAfter(from, to, hook)
		}
	}
}

// Validate reports whether from → to is allowed.
func (f *RunFSM) Validate(runID string, from, to schema.RunStatus) error {
	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Transition validates from → to, runs hooks and records the event.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload any) error {
	if err := f.Validate(runID, from, to); err != nil {
		return err
	}
	t := Transition{RunID: runID, From: string(from), To: string(to)}

	if err := f.hooks.run(ctx, f.hooks.before, from, to, t); err != nil {
		return err
	}
	if ev := runEventType(from, to); ev != "" {
		if _, err := f.recorder.Record(ctx, runID, "", ev, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}
	return f.hooks.run(ctx, f.hooks.after, from, to, t)
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunRunning:
		if from == schema.RunCreated {
			return schema.EventRunStarted
		}
		return schema.EventRunResumed
	case schema.RunCompleted:
		return schema.EventRunCompleted
	case schema.RunFailed:
		return schema.EventRunFailed
	case schema.RunCancelled:
		return schema.EventRunCancelled
	case schema.RunPendingApproval, schema.RunWaiting:
		return schema.EventRunSuspended
	}
	return ""
}

// --- Step FSM ---

// stepNone is the status of a node that has no step record yet.
const stepNone schema.StepStatus = ""

// ValidStepTransitions defines the allowed step status transitions.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	stepNone:             {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepCompleted, schema.StepFailed, schema.StepPending, schema.StepSkipped},
	schema.StepPending:   {schema.StepCompleted, schema.StepFailed, schema.StepSkipped},
	schema.StepCompleted: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}

// StepFSM validates step transitions, runs hooks and emits the step event.
type StepFSM struct {
	recorder EventRecorder
	hooks    hooks[schema.StepStatus]
}

// NewStepFSM creates a StepFSM that emits events through recorder.
func NewStepFSM(recorder EventRecorder) *StepFSM {
	return &StepFSM{recorder: recorder, hooks: newHooks[schema.StepStatus]()}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.hooks.add(f.hooks.before, from, to, hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.hooks.add(f.hooks.after, from, to, hook)
}

// OnEnter registers an after-hook for every valid transition into to.
func (f *StepFSM) OnEnter(to schema.StepStatus, hook TransitionHook) {
	for from, targets := range ValidStepTransitions {
		if slices.Contains(targets, to) {
			f.OnAfter(from, to, hook)
		}
	}
}

// Transition validates from → to, runs hooks and records the event. The
// payload of completed and failed events is what replay restores.
func (f *StepFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.StepStatus, payload any) error {
	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid step transition: %s -> %s", displayStatus(from), to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	t := Transition{RunID: runID, NodeID: nodeID, From: string(from), To: string(to)}

	if err := f.hooks.run(ctx, f.hooks.before, from, to, t); err != nil {
		return err
	}
	if ev := stepEventType(to); ev != "" {
		if _, err := f.recorder.Record(ctx, runID, nodeID, ev, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).WithNode(nodeID).WithCause(err)
		}
	}
	return f.hooks.run(ctx, f.hooks.after, from, to, t)
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepRunning:
		return schema.EventStepStarted
	case schema.StepCompleted:
		return schema.EventStepCompleted
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	case schema.StepPending:
		return schema.EventStepSuspended
	}
	return ""
}

func displayStatus(s schema.StepStatus) string {
	if s == stepNone {
		return "none"
	}
	return string(s)
}
