package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

type startCall struct {
	WorkflowID string
	Trigger    schema.TriggerEvent
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (f *fakeStarter) StartRun(_ context.Context, workflowID string, trigger schema.TriggerEvent) (*schema.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{WorkflowID: workflowID, Trigger: trigger})
	if f.err != nil {
		return nil, f.err
	}
	return &schema.Run{ID: "run-" + workflowID, WorkflowID: workflowID, Status: schema.RunCompleted}, nil
}

func (f *fakeStarter) snapshot() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.calls...)
}

func newTestCron(s store.Store, starter Starter, now time.Time) *CronTrigger {
	c := NewCronTrigger(s, starter, time.Hour, slog.Default())
	c.now = func() time.Time { return now }
	return c
}

func TestNextRun(t *testing.T) {
	c := newTestCron(store.NewMemoryStore(), &fakeStarter{}, time.Now())
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := c.NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = c.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = c.NextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// 09:00 in Madrid is 08:00 UTC in winter.
	next, err = c.NextRun("CRON_TZ=Europe/Madrid 0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC), next)

	_, err = c.NextRun("invalid cron", from)
	assert.Error(t, err)
}

func TestTick_FiresDueSchedules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	s := store.NewMemoryStore()
	require.NoError(t, s.CreateSchedule(ctx, &store.Schedule{
		ID: "due", WorkflowID: "wf-due", NodeID: "every-morning", CronExpression: "0 9 * * *",
		Payload: json.RawMessage(`{"team":"sales"}`), Enabled: true, NextRunAt: &past, CreatedAt: now,
	}))
	require.NoError(t, s.CreateSchedule(ctx, &store.Schedule{
		ID: "later", WorkflowID: "wf-later", CronExpression: "0 10 * * *", Enabled: true, NextRunAt: &future, CreatedAt: now,
	}))
	require.NoError(t, s.CreateSchedule(ctx, &store.Schedule{
		ID: "off", WorkflowID: "wf-off", CronExpression: "0 9 * * *", Enabled: false, NextRunAt: &past, CreatedAt: now,
	}))

	starter := &fakeStarter{}
	c := newTestCron(s, starter, now)
	assert.Equal(t, 1, c.Tick(ctx))

	calls := starter.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf-due", calls[0].WorkflowID)
	assert.Equal(t, schema.TriggerSchedule, calls[0].Trigger.Kind)
	assert.Equal(t, "sales", calls[0].Trigger.Payload["team"])
	assert.Equal(t, "due", calls[0].Trigger.Payload["scheduleId"])
	assert.Equal(t, "every-morning", calls[0].Trigger.Payload["nodeId"])
	assert.Equal(t, "2026-03-02T09:00:00Z", calls[0].Trigger.Payload["firedAt"])

	got, err := s.GetSchedule(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.Equal(t, "run-wf-due", got.LastRunID)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), got.NextRunAt.UTC())

	// Not due again within the same slot.
	assert.Equal(t, 0, c.Tick(ctx))
}

func TestTick_StartFailureAdvancesSchedule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateSchedule(ctx, &store.Schedule{
		ID: "broken", WorkflowID: "wf-draft", CronExpression: "*/5 * * * *", Enabled: true, CreatedAt: now,
	}))

	starter := &fakeStarter{err: schema.NewError(schema.ErrCodeInvalidState, "workflow is not published")}
	c := newTestCron(s, starter, now)
	assert.Equal(t, 0, c.Tick(ctx))

	got, err := s.GetSchedule(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, now.Add(5*time.Minute), got.NextRunAt.UTC())
}

func TestSyncWorkflow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	s := store.NewMemoryStore()
	c := newTestCron(s, &fakeStarter{}, now)

	wf := &schema.Workflow{
		ID:     "wf-weekly",
		Status: schema.WorkflowPublished,
		Nodes: []schema.Node{
			{ID: "mon", Type: schema.NodeSchedule, Config: json.RawMessage(`{"cron":"0 9 * * 1","timezone":"UTC"}`)},
			{ID: "fri", Type: schema.NodeSchedule, Config: json.RawMessage(`{"cron":"0 17 * * 5"}`)},
			{ID: "n", Type: schema.NodeNotification},
		},
	}
	created, err := c.SyncWorkflow(ctx, wf)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "wf-weekly:mon", created[0].ID)
	assert.Equal(t, "CRON_TZ=UTC 0 9 * * 1", created[0].CronExpression)
	assert.Equal(t, time.Date(2026, 2, 13, 17, 0, 0, 0, time.UTC), *created[1].NextRunAt)

	// Re-sync replaces, draft clears.
	_, err = c.SyncWorkflow(ctx, wf)
	require.NoError(t, err)
	list, err := s.ListSchedules(ctx, store.ScheduleFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	wf.Status = schema.WorkflowDraft
	_, err = c.SyncWorkflow(ctx, wf)
	require.NoError(t, err)
	list, err = s.ListSchedules(ctx, store.ScheduleFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSyncWorkflow_BadCron(t *testing.T) {
	c := newTestCron(store.NewMemoryStore(), &fakeStarter{}, time.Now())
	wf := &schema.Workflow{
		ID:     "wf-bad",
		Status: schema.WorkflowPublished,
		Nodes:  []schema.Node{{ID: "s", Type: schema.NodeSchedule, Config: json.RawMessage(`{"cron":"whenever"}`)}},
	}
	_, err := c.SyncWorkflow(context.Background(), wf)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}

func TestRecoverMissed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	missed := now.Add(-30 * time.Minute)
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateSchedule(ctx, &store.Schedule{
		ID: "missed", WorkflowID: "wf", CronExpression: "0 9 * * *", Enabled: true, NextRunAt: &missed, CreatedAt: now,
	}))
	require.NoError(t, s.CreateSchedule(ctx, &store.Schedule{
		ID: "fresh", WorkflowID: "wf-new", CronExpression: "0 9 * * *", Enabled: true, CreatedAt: now,
	}))

	starter := &fakeStarter{}
	n, err := newTestCron(s, starter, now).RecoverMissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, starter.snapshot(), 1)
	assert.Equal(t, "wf", starter.snapshot()[0].WorkflowID)
}

func TestStartStop(t *testing.T) {
	c := NewCronTrigger(store.NewMemoryStore(), &fakeStarter{}, time.Hour, nil)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	c.Stop()
	c.Stop()
}

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	t.Cleanup(ns.Shutdown)
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSListener_StartsRun(t *testing.T) {
	nc := runNATS(t)
	starter := &fakeStarter{}
	l := NewNATSListener(nc, starter, "", nil)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop() })

	msg := nats.NewMsg("calflow.trigger.wf-booking")
	msg.Data = []byte(`{"bookingId":"b-42"}`)
	msg.Header.Set("X-Source", "calendar")
	resp, err := nc.RequestMsg(msg, 2*time.Second)
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	assert.Equal(t, "run-wf-booking", reply.RunID)
	assert.Equal(t, schema.RunCompleted, reply.Status)
	assert.Nil(t, reply.Error)

	calls := starter.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf-booking", calls[0].WorkflowID)
	assert.Equal(t, schema.TriggerMessage, calls[0].Trigger.Kind)
	assert.Equal(t, "b-42", calls[0].Trigger.Payload["bookingId"])
	assert.Equal(t, "calendar", calls[0].Trigger.Headers["x-source"])
}

func TestNATSListener_Errors(t *testing.T) {
	nc := runNATS(t)
	starter := &fakeStarter{err: errors.New("boom")}
	l := NewNATSListener(nc, starter, "hooks", nil)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop() })

	resp, err := nc.Request("hooks.wf-1", []byte(`not json`), 2*time.Second)
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, schema.ErrCodeValidation, reply.Error.Code)

	resp, err = nc.Request("hooks.wf-1", []byte(`{}`), 2*time.Second)
	require.NoError(t, err)
	reply = Reply{}
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, schema.ErrCodeExecution, reply.Error.Code)
	assert.Len(t, starter.snapshot(), 1)
}
