package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// MemoryStore is an in-process Store. Values are copied on the way in and out
// so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
	runs      map[string]*schema.Run
	steps     map[string]map[string]*schema.StepRecord // run id -> node id -> record
	events    map[string][]*schema.Event
	schedules map[string]*Schedule
	nextEvent int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*schema.Workflow),
		runs:      make(map[string]*schema.Run),
		steps:     make(map[string]map[string]*schema.StepRecord),
		events:    make(map[string][]*schema.Event),
		schedules: make(map[string]*Schedule),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Workflows ---

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := clone(wf)
	if prev, ok := s.workflows[wf.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.workflows[wf.ID] = cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return clone(wf), nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Workflow
	for _, wf := range s.workflows {
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		out = append(out, clone(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitSlice(out, filter.Limit, 0), nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *schema.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	cp := clone(run)
	cp.Steps = nil
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = cp
	s.steps[run.ID] = make(map[string]*schema.StepRecord)
	for _, st := range run.Steps {
		rec := clone(st)
		rec.RunID = run.ID
		s.steps[run.ID][st.NodeID] = rec
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := clone(run)
	cp.Steps = s.sortedSteps(id)
	return cp, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Error != nil {
		run.Error = clone(update.Error)
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		run.FinishedAt = &t
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TransitionRun(ctx context.Context, id string, from, to schema.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if run.Status != from {
		return transitionConflict(id, from, run.Status)
	}
	run.Status = to
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Run
	for id, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if !hasStatus(filter.Statuses, run.Status) {
			continue
		}
		if filter.UpdatedBefore != nil && !run.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		cp := clone(run)
		cp.Steps = s.sortedSteps(id)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return limitSlice(out, filter.Limit, filter.Offset), nil
}

// --- Steps ---

func (s *MemoryStore) UpsertStep(ctx context.Context, step *schema.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.steps[step.RunID]
	if !ok {
		return storeNotFound("run", step.RunID)
	}
	steps[step.NodeID] = clone(step)
	return nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, runID string) ([]*schema.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, storeNotFound("run", runID)
	}
	return s.sortedSteps(runID), nil
}

func (s *MemoryStore) ListRecentSteps(ctx context.Context, filter StepFilter) ([]*schema.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.StepRecord
	for runID, steps := range s.steps {
		if filter.WorkflowID != "" && s.runs[runID].WorkflowID != filter.WorkflowID {
			continue
		}
		for _, st := range steps {
			if filter.Type != "" && st.Type != filter.Type {
				continue
			}
			if filter.Status != "" && st.Status != filter.Status {
				continue
			}
			if filter.Since != nil && (st.StartedAt == nil || st.StartedAt.Before(*filter.Since)) {
				continue
			}
			out = append(out, clone(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return stepTime(out[i]).After(stepTime(out[j])) })
	return limitSlice(out, filter.Limit, 0), nil
}

func (s *MemoryStore) sortedSteps(runID string) []*schema.StepRecord {
	out := make([]*schema.StepRecord, 0, len(s.steps[runID]))
	for _, st := range s.steps[runID] {
		out = append(out, clone(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// --- Events ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvent++
	event.ID = s.nextEvent
	event.Sequence = int64(len(s.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.events[event.RunID] = append(s.events[event.RunID], clone(event))
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

// --- Schedules ---

func (s *MemoryStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	cp := clone(sched)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.schedules[sched.ID] = cp
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	return clone(sched), nil
}

func (s *MemoryStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		sched.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		sched.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		sched.LastRunStatus = update.LastRunStatus
	}
	if update.LastRunID != "" {
		sched.LastRunID = update.LastRunID
	}
	return nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Schedule
	for _, sched := range s.schedules {
		if filter.Enabled != nil && sched.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && sched.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, clone(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitSlice(out, filter.Limit, 0), nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

// --- Helpers ---

// clone deep-copies a JSON-shaped value.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic("store: clone: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic("store: clone: " + err.Error())
	}
	return out
}

func limitSlice[T any](in []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func stepTime(s *schema.StepRecord) time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return time.Time{}
}

var _ Store = (*MemoryStore)(nil)
