package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/calflow/pkg/schema"
)

// storeFactory returns a fresh, migrated Store.
type storeFactory func(t *testing.T) Store

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("WorkflowCRUD", func(t *testing.T) { testWorkflowCRUD(t, newStore(t)) })
	t.Run("ListWorkflowsByStatus", func(t *testing.T) { testListWorkflowsByStatus(t, newStore(t)) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("TransitionRunConflict", func(t *testing.T) { testTransitionRunConflict(t, newStore(t)) })
	t.Run("TransitionRunRace", func(t *testing.T) { testTransitionRunRace(t, newStore(t)) })
	t.Run("ListRunsFilters", func(t *testing.T) { testListRunsFilters(t, newStore(t)) })
	t.Run("StepUpsert", func(t *testing.T) { testStepUpsert(t, newStore(t)) })
	t.Run("ListRecentSteps", func(t *testing.T) { testListRecentSteps(t, newStore(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, newStore(t)) })
	t.Run("Schedules", func(t *testing.T) { testSchedules(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

func sampleWorkflow(id string) *schema.Workflow {
	return &schema.Workflow{
		ID:      id,
		Name:    "booking follow-up",
		Status:  schema.WorkflowPublished,
		Version: 1,
		Nodes: []schema.Node{
			{ID: "t1", Type: schema.NodeTrigger, Config: json.RawMessage(`{"event":"booking.created"}`)},
			{ID: "n1", Type: schema.NodeNotification, Config: json.RawMessage(`{"channel":"in-app","recipient":"u1","message":"hi"}`)},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "t1", Target: "n1"}},
	}
}

func sampleRun(wf *schema.Workflow, status schema.RunStatus) *schema.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &schema.Run{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Workflow:        wf,
		Status:          status,
		Trigger: schema.TriggerEvent{
			Kind:    schema.TriggerManual,
			Payload: map[string]any{"bookingId": "b-1"},
		},
		StartedAt: now,
		UpdatedAt: now,
	}
}

func stepRecord(runID, nodeID string, seq int, status schema.StepStatus) *schema.StepRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &schema.StepRecord{
		RunID:     runID,
		NodeID:    nodeID,
		Type:      schema.NodeAction,
		Status:    status,
		Sequence:  seq,
		StartedAt: &now,
	}
}

func testWorkflowCRUD(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("wf-crud")
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "booking follow-up", got.Name)
	assert.Equal(t, schema.WorkflowPublished, got.Status)
	require.Len(t, got.Nodes, 2)
	assert.JSONEq(t, `{"event":"booking.created"}`, string(got.Nodes[0].Config))
	assert.Equal(t, "t1", got.Edges[0].Source)

	wf.Name = "renamed"
	wf.Version = 2
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 2, got.Version)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err = s.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func testListWorkflowsByStatus(t *testing.T, s Store) {
	ctx := context.Background()
	pub := sampleWorkflow("wf-a")
	draft := sampleWorkflow("wf-b")
	draft.Status = schema.WorkflowDraft
	require.NoError(t, s.SaveWorkflow(ctx, pub))
	require.NoError(t, s.SaveWorkflow(ctx, draft))

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	st := schema.WorkflowDraft
	drafts, err := s.ListWorkflows(ctx, WorkflowFilter{Status: &st})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "wf-b", drafts[0].ID)
}

func testRunLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("wf-run")
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	run := sampleRun(wf, schema.RunCreated)
	run.Steps = []*schema.StepRecord{stepRecord(run.ID, "t1", 1, schema.StepCompleted)}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCreated, got.Status)
	assert.Equal(t, "b-1", got.Trigger.Payload["bookingId"])
	require.NotNil(t, got.Workflow)
	assert.Len(t, got.Workflow.Nodes, 2)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "t1", got.Steps[0].NodeID)

	status := schema.RunFailed
	finished := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:     &status,
		Error:      schema.NewError(schema.ErrCodeRetryExhausted, "gave up").WithNode("n1"),
		FinishedAt: &finished,
	}))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeRetryExhausted, got.Error.Code)
	assert.Equal(t, "n1", got.Error.NodeID)
	assert.NotNil(t, got.FinishedAt)
}

func testTransitionRunConflict(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("wf-cas")
	run := sampleRun(wf, schema.RunPendingApproval)
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.TransitionRun(ctx, run.ID, schema.RunPendingApproval, schema.RunRunning))

	err := s.TransitionRun(ctx, run.ID, schema.RunPendingApproval, schema.RunRunning)
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
	assert.Equal(t, string(schema.RunRunning), fe.Details["actual"])

	err = s.TransitionRun(ctx, "missing", schema.RunRunning, schema.RunCompleted)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func testTransitionRunRace(t *testing.T, s Store) {
	ctx := context.Background()
	run := sampleRun(sampleWorkflow("wf-race"), schema.RunPendingApproval)
	require.NoError(t, s.CreateRun(ctx, run))

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.TransitionRun(ctx, run.ID, schema.RunPendingApproval, schema.RunRunning)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if schema.ErrorCode(err) == schema.ErrCodeConflict {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, conflicts)
}

func testListRunsFilters(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("wf-list")
	other := sampleWorkflow("wf-other")

	pending := sampleRun(wf, schema.RunPendingApproval)
	pending.StartedAt = pending.StartedAt.Add(-time.Hour)
	pending.UpdatedAt = pending.StartedAt
	done := sampleRun(wf, schema.RunCompleted)
	foreign := sampleRun(other, schema.RunPendingApproval)
	for _, r := range []*schema.Run{pending, done, foreign} {
		require.NoError(t, s.CreateRun(ctx, r))
	}

	runs, err := s.ListRuns(ctx, RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, done.ID, runs[0].ID, "newest first")

	runs, err = s.ListRuns(ctx, RunFilter{Statuses: []schema.RunStatus{schema.RunPendingApproval}})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	runs, err = s.ListRuns(ctx, RunFilter{
		Statuses:      []schema.RunStatus{schema.RunPendingApproval},
		UpdatedBefore: &cutoff,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pending.ID, runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testStepUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	run := sampleRun(sampleWorkflow("wf-steps"), schema.RunRunning)
	require.NoError(t, s.CreateRun(ctx, run))

	step := stepRecord(run.ID, "a1", 2, schema.StepRunning)
	require.NoError(t, s.UpsertStep(ctx, step))
	require.NoError(t, s.UpsertStep(ctx, stepRecord(run.ID, "t1", 1, schema.StepCompleted)))

	resume := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	step.Status = schema.StepPending
	step.Suspend = schema.SuspendDelay
	step.ResumeAt = &resume
	step.Output = json.RawMessage(`{"attempts":[{"attempt":1,"statusCode":503}]}`)
	require.NoError(t, s.UpsertStep(ctx, step))

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "t1", steps[0].NodeID, "ordered by sequence")
	got := steps[1]
	assert.Equal(t, schema.StepPending, got.Status)
	assert.Equal(t, schema.SuspendDelay, got.Suspend)
	require.NotNil(t, got.ResumeAt)
	assert.WithinDuration(t, resume, *got.ResumeAt, time.Second)
	assert.JSONEq(t, `{"attempts":[{"attempt":1,"statusCode":503}]}`, string(got.Output))
}

func testListRecentSteps(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("wf-recent")
	run := sampleRun(wf, schema.RunCompleted)
	require.NoError(t, s.CreateRun(ctx, run))

	hook := stepRecord(run.ID, "w1", 1, schema.StepFailed)
	hook.Type = schema.NodeWebhook
	require.NoError(t, s.UpsertStep(ctx, hook))
	require.NoError(t, s.UpsertStep(ctx, stepRecord(run.ID, "a1", 2, schema.StepCompleted)))

	steps, err := s.ListRecentSteps(ctx, StepFilter{Type: schema.NodeWebhook})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "w1", steps[0].NodeID)

	steps, err = s.ListRecentSteps(ctx, StepFilter{WorkflowID: wf.ID, Status: schema.StepCompleted})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "a1", steps[0].NodeID)

	steps, err = s.ListRecentSteps(ctx, StepFilter{WorkflowID: "nope"})
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func testEventSequence(t *testing.T, s Store) {
	ctx := context.Background()
	runA := sampleRun(sampleWorkflow("wf-ev"), schema.RunRunning)
	runB := sampleRun(sampleWorkflow("wf-ev"), schema.RunRunning)
	require.NoError(t, s.CreateRun(ctx, runA))
	require.NoError(t, s.CreateRun(ctx, runB))

	for i := range 3 {
		e := &schema.Event{RunID: runA.ID, NodeID: "n1", Type: schema.EventStepStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	e := &schema.Event{RunID: runB.ID, Type: schema.EventRunStarted, Payload: json.RawMessage(`{"k":1}`)}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence, "sequences are scoped per run")

	events, err := s.GetEvents(ctx, runA.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, "n1", events[0].NodeID)

	events, err = s.GetEvents(ctx, runB.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"k":1}`, string(events[0].Payload))
	assert.Empty(t, events[0].NodeID)
}

func testSchedules(t *testing.T, s Store) {
	ctx := context.Background()
	sc := &Schedule{
		ID:             "sch-1",
		WorkflowID:     "wf-sched",
		NodeID:         "s1",
		CronExpression: "0 9 * * 1",
		Payload:        json.RawMessage(`{"reminder":true}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateSchedule(ctx, sc))

	got, err := s.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "0 9 * * 1", got.CronExpression)
	assert.JSONEq(t, `{"reminder":true}`, string(got.Payload))

	now := time.Now().UTC().Truncate(time.Second)
	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, "sch-1", ScheduleUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		LastRunStatus: string(schema.RunCompleted),
		LastRunID:     "run-9",
	}))
	got, err = s.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "run-9", got.LastRunID)
	require.NotNil(t, got.LastRunAt)

	enabled := true
	list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListSchedules(ctx, ScheduleFilter{WorkflowID: "wf-sched"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteSchedule(ctx, "sch-1"))
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(s.DeleteSchedule(ctx, "sch-1")))
}

func testNotFound(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.GetRun(ctx, "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
	_, err = s.GetSchedule(ctx, "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
	st := schema.RunCompleted
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(s.UpdateRun(ctx, "missing", RunUpdate{Status: &st})))
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(s.DeleteWorkflow(ctx, "missing")))
}
