package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/calflow/pkg/schema"
)

func echoServer(t *testing.T, bodies chan<- map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if bodies != nil {
			var m map[string]any
			_ = json.Unmarshal(raw, &m)
			bodies <- m
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"booked":true,"slot":"09:30"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScheduler_AllStepsSucceed(t *testing.T) {
	env := newTestEnv(t)
	srv := echoServer(t, nil)

	wf := workflow("book", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("book", schema.NodeAction, map[string]any{"kind": "http-request", "url": srv.URL, "method": "POST", "body": map[string]any{"who": "{{start.email}}"}}),
		node("tell", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "{{start.email}}", "message": "Booked {{book.body.slot}}"}),
	}, []schema.Edge{edge("start", "book"), edge("book", "tell")})

	run := env.start(t, wf, map[string]any{"email": "ana@example.com"})

	assert.Equal(t, schema.RunCompleted, run.Status)
	assert.Nil(t, run.Error)
	require.NotNil(t, run.FinishedAt)

	stored := env.load(t, run.ID)
	require.Len(t, stored.Steps, 3)
	for i, id := range []string{"start", "book", "tell"} {
		st := stored.Steps[i]
		assert.Equal(t, id, st.NodeID)
		assert.Equal(t, schema.StepCompleted, st.Status)
		assert.Equal(t, i+1, st.Sequence)
		assert.NotNil(t, st.StartedAt)
		assert.NotNil(t, st.FinishedAt)
	}
	assert.Equal(t, float64(200), outputOf(t, stored, "book")["statusCode"])

	msgs := env.inbox.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ana@example.com", msgs[0].Recipient)
	assert.Equal(t, "Booked 09:30", msgs[0].Body)

	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventRunCompleted,
	}, env.eventTypes(t, run.ID))
	assert.Equal(t, 1, env.metrics.started)
	assert.Equal(t, 1, env.metrics.finished[schema.RunCompleted])
}

func approvalWorkflow(tail schema.Node) *schema.Workflow {
	return workflow("approve", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("gate", schema.NodeApproval, map[string]any{"approver": "manager@example.com", "message": "Approve refund?"}),
		tail,
	}, []schema.Edge{edge("start", "gate"), edge("gate", tail.ID)})
}

func passThrough(id string) schema.Node {
	return node(id, schema.NodeLogic, map[string]any{"expression": "true"})
}

func TestScheduler_ApprovalRejected(t *testing.T) {
	env := newTestEnv(t)
	srv := echoServer(t, nil)
	wf := approvalWorkflow(node("refund", schema.NodeAction, map[string]any{"kind": "http-request", "url": srv.URL}))

	run := env.start(t, wf, nil)
	require.Equal(t, schema.RunPendingApproval, run.Status)
	assert.Equal(t, schema.StepPending, run.Step("gate").Status)
	assert.Nil(t, run.Step("refund"), "nothing after the gate is dispatched")
	assert.Contains(t, env.eventTypes(t, run.ID), schema.EventApprovalRequested)

	run, err := env.scheduler.ResolveApproval(context.Background(), run.ID, schema.Decision{Approve: false, Actor: "boss", Comment: "no"})
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, schema.ErrCodeApprovalRejected, run.Error.Code)

	stored := env.load(t, run.ID)
	gate := stored.Step("gate")
	assert.Equal(t, schema.StepFailed, gate.Status)
	assert.Equal(t, schema.ErrCodeApprovalRejected, gate.Error.Code)
	assert.Equal(t, "reject", outputOf(t, stored, "gate")["decision"])
	assert.Equal(t, schema.StepSkipped, stored.Step("refund").Status)
	assert.Equal(t, schema.RunFailed, stored.Status)
}

func TestScheduler_ApprovalApproved(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, approvalWorkflow(passThrough("after")), nil)
	require.Equal(t, schema.RunPendingApproval, run.Status)

	run, err := env.scheduler.ResolveApproval(context.Background(), run.ID, schema.Decision{NodeID: "gate", Approve: true, Actor: "boss"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunCompleted, run.Status)

	stored := env.load(t, run.ID)
	out := outputOf(t, stored, "gate")
	assert.Equal(t, "approve", out["decision"])
	assert.Equal(t, "manager@example.com", out["approver"])
	assert.Equal(t, "boss", out["actor"])
	assert.Equal(t, schema.StepCompleted, stored.Step("after").Status)
}

func TestScheduler_ConcurrentDecisionsApplyOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t)
		run := env.start(t, approvalWorkflow(passThrough("after")), nil)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, approve := range []bool{true, false} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[j] = env.scheduler.ResolveApproval(context.Background(), run.ID, schema.Decision{Approve: approve, Actor: fmt.Sprint("actor-", j)})
			}()
		}
		wg.Wait()

		var ok, rejected int
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			rejected++
			assert.Contains(t, []string{schema.ErrCodeInvalidState, schema.ErrCodeConflict}, schema.ErrorCode(err))
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, rejected)

		resolved := 0
		for _, typ := range env.eventTypes(t, run.ID) {
			if typ == schema.EventApprovalResolved {
				resolved++
			}
		}
		assert.Equal(t, 1, resolved)
		assert.True(t, env.load(t, run.ID).Status.Terminal())
	}
}

func TestScheduler_ResolveApprovalRejectsWrongState(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, workflow("w", []schema.Node{node("start", schema.NodeTrigger, nil)}, nil), nil)
	require.Equal(t, schema.RunCompleted, run.Status)

	_, err := env.scheduler.ResolveApproval(context.Background(), run.ID, schema.Decision{Approve: true})
	assert.Equal(t, schema.ErrCodeInvalidState, schema.ErrorCode(err))
	assert.Equal(t, schema.RunCompleted, env.load(t, run.ID).Status, "state untouched")

	_, err = env.scheduler.ResolveApproval(context.Background(), "missing", schema.Decision{Approve: true})
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestScheduler_ResolveApprovalNeedsNodeWhenAmbiguous(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("two-gates", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("legal", schema.NodeApproval, map[string]any{"approver": "legal"}),
		node("finance", schema.NodeApproval, map[string]any{"approver": "finance"}),
		passThrough("done"),
	}, []schema.Edge{edge("start", "legal"), edge("start", "finance"), edge("legal", "done"), edge("finance", "done")})

	run := env.start(t, wf, nil)
	require.Equal(t, schema.RunPendingApproval, run.Status)

	_, err := env.scheduler.ResolveApproval(context.Background(), run.ID, schema.Decision{Approve: true})
	assert.Equal(t, schema.ErrCodeInvalidState, schema.ErrorCode(err))

	_, err = env.scheduler.ResolveApproval(context.Background(), run.ID, schema.Decision{NodeID: "start", Approve: true})
	assert.Equal(t, schema.ErrCodeInvalidState, schema.ErrorCode(err), "start is not an open approval")

	run, err = env.scheduler.ResolveApproval(context.Background(), run.ID, schema.Decision{NodeID: "legal", Approve: true})
	require.NoError(t, err)
	assert.Equal(t, schema.RunPendingApproval, run.Status, "finance is still open")

	run, err = env.scheduler.ResolveApproval(context.Background(), run.ID, schema.Decision{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, schema.RunCompleted, run.Status)
}

func TestScheduler_BranchSkipping(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("route", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("check", schema.NodeLogic, map[string]any{"expression": "trigger.amount > 100"}),
		node("a1", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "vip", "message": "big"}),
		passThrough("a2"),
		node("b1", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "std", "message": "small"}),
		passThrough("b2"),
	}, []schema.Edge{
		edge("start", "check"),
		branch("check", "a1", "true"), edge("a1", "a2"),
		branch("check", "b1", "false"), edge("b1", "b2"),
	})

	run := env.start(t, wf, map[string]any{"amount": 250})
	require.Equal(t, schema.RunCompleted, run.Status)

	got := statuses(env.load(t, run.ID))
	assert.Equal(t, map[string]schema.StepStatus{
		"start": schema.StepCompleted,
		"check": schema.StepCompleted,
		"a1":    schema.StepCompleted,
		"a2":    schema.StepCompleted,
		"b1":    schema.StepSkipped,
		"b2":    schema.StepSkipped,
	}, got)
	require.Len(t, env.inbox.messages(), 1)
	assert.Equal(t, "vip", env.inbox.messages()[0].Recipient)
	assert.Equal(t, "true", env.load(t, run.ID).Step("check").Branch)
}

func TestScheduler_OrJoinRunsOnceAfterBranch(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("join", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("check", schema.NodeLogic, map[string]any{"expression": "false"}),
		passThrough("yes"),
		passThrough("no"),
		node("tell", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "u", "message": "done"}),
	}, []schema.Edge{
		edge("start", "check"),
		branch("check", "yes", "true"), branch("check", "no", "false"),
		edge("yes", "tell"), edge("no", "tell"),
	})

	run := env.start(t, wf, nil)
	require.Equal(t, schema.RunCompleted, run.Status)
	got := statuses(env.load(t, run.ID))
	assert.Equal(t, schema.StepSkipped, got["yes"])
	assert.Equal(t, schema.StepCompleted, got["no"])
	assert.Equal(t, schema.StepCompleted, got["tell"])
	assert.Len(t, env.inbox.messages(), 1)
}

func TestScheduler_ParallelWave(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("fan", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("n1", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "a", "message": "1"}),
		node("n2", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "b", "message": "2"}),
		node("n3", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "c", "message": "3"}),
		passThrough("join"),
	}, []schema.Edge{
		edge("start", "n1"), edge("start", "n2"), edge("start", "n3"),
		edge("n1", "join"), edge("n2", "join"), edge("n3", "join"),
	})

	run := env.start(t, wf, nil)
	require.Equal(t, schema.RunCompleted, run.Status)
	assert.Equal(t, []int{1, 3, 1}, env.metrics.waves)
	assert.Len(t, env.inbox.messages(), 3)
}

func TestScheduler_VariableResolution(t *testing.T) {
	env := newTestEnv(t)
	bodies := make(chan map[string]any, 1)
	srv := echoServer(t, bodies)

	wf := workflow("vars", []schema.Node{
		node("nodeA", schema.NodeTrigger, nil),
		node("call", schema.NodeAction, map[string]any{"kind": "http-request", "url": srv.URL, "body": map[string]any{"x": "{{nodeA.x}}", "label": "x={{nodeA.x}}"}}),
	}, []schema.Edge{edge("nodeA", "call")})

	run := env.start(t, wf, map[string]any{"x": 5})
	require.Equal(t, schema.RunCompleted, run.Status)

	body := <-bodies
	assert.Equal(t, float64(5), body["x"], "a whole-string reference keeps its type")
	assert.Equal(t, "x=5", body["label"])
}

func TestScheduler_UnresolvedReferenceFailsRun(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("bad-ref", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("tell", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "{{ghost.email}}", "message": "hi"}),
		passThrough("after"),
	}, []schema.Edge{edge("start", "tell"), edge("tell", "after")})

	run := env.start(t, wf, nil)
	assert.Equal(t, schema.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, schema.ErrCodeUnresolvedReference, run.Error.Code)
	assert.Equal(t, "tell", run.Error.NodeID)

	stored := env.load(t, run.ID)
	assert.Equal(t, schema.StepFailed, stored.Step("tell").Status)
	assert.Equal(t, schema.StepSkipped, stored.Step("after").Status)
	assert.Empty(t, env.inbox.messages(), "handler never invoked")
}

func TestScheduler_RetryBoundOnTimeouts(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	wf := workflow("hook", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("hook", schema.NodeWebhook, map[string]any{"url": srv.URL, "timeout": 50, "retryCount": 2, "retryBackoffMs": 1}),
	}, []schema.Edge{edge("start", "hook")})

	run := env.start(t, wf, nil)
	assert.Equal(t, schema.RunFailed, run.Status)

	stored := env.load(t, run.ID)
	hook := stored.Step("hook")
	assert.Equal(t, schema.StepFailed, hook.Status)
	assert.Equal(t, schema.ErrCodeRetryExhausted, hook.Error.Code)

	attempts, ok := outputOf(t, stored, "hook")["attempts"].([]any)
	require.True(t, ok)
	assert.Len(t, attempts, 3)

	retries := 0
	for _, typ := range env.eventTypes(t, run.ID) {
		if typ == schema.EventStepRetryAttempt {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, env.metrics.attempts)
}

func unavailableServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScheduler_RepeatedRunsAgainstFailingHost(t *testing.T) {
	env := newTestEnv(t)
	var hits atomic.Int32
	srv := unavailableServer(t, &hits)

	wf := workflow("booking-sync", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("hook", schema.NodeWebhook, map[string]any{"url": srv.URL, "retryBackoffMs": 1}),
	}, []schema.Edge{edge("start", "hook")})

	for i := range 2 {
		hits.Store(0)
		run := env.start(t, wf, nil)
		require.Equal(t, schema.RunFailed, run.Status, "run %d", i)
		assert.Equal(t, schema.ErrCodeRetryExhausted, env.load(t, run.ID).Step("hook").Error.Code, "run %d", i)
		assert.EqualValues(t, 3, hits.Load(), "run %d", i)
	}
}

func TestScheduler_RetryCountFromTrigger(t *testing.T) {
	env := newTestEnv(t)
	var hits atomic.Int32
	srv := unavailableServer(t, &hits)

	wf := workflow("tunable", []schema.Node{
		node("t", schema.NodeTrigger, nil),
		node("hook", schema.NodeWebhook, map[string]any{"url": srv.URL, "retryCount": "{{t.retries}}", "retryBackoffMs": 1}),
	}, []schema.Edge{edge("t", "hook")})

	run := env.start(t, wf, map[string]any{"retries": 4})
	require.Equal(t, schema.RunFailed, run.Status)
	assert.EqualValues(t, 5, hits.Load())

	attempts, ok := outputOf(t, env.load(t, run.ID), "hook")["attempts"].([]any)
	require.True(t, ok)
	assert.Len(t, attempts, 5)
}

func TestScheduler_TemplatedNumberOfWrongTypeFailsAtDispatch(t *testing.T) {
	env := newTestEnv(t)
	var hits atomic.Int32
	srv := unavailableServer(t, &hits)

	wf := workflow("tunable", []schema.Node{
		node("t", schema.NodeTrigger, nil),
		node("hook", schema.NodeWebhook, map[string]any{"url": srv.URL, "retryCount": "{{t.retries}}"}),
	}, []schema.Edge{edge("t", "hook")})

	run := env.start(t, wf, map[string]any{"retries": "many"})
	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, schema.ErrCodeConfiguration, env.load(t, run.ID).Step("hook").Error.Code)
	assert.Zero(t, hits.Load())
}

func TestScheduler_DelayDurationInMinutes(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("follow-up", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("wait", schema.NodeDelay, map[string]any{"duration": 5}),
		node("tell", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "u", "message": "follow up"}),
	}, []schema.Edge{edge("start", "wait"), edge("wait", "tell")})

	run := env.start(t, wf, nil)
	require.Equal(t, schema.RunWaiting, run.Status)
	wait := run.Step("wait")
	assert.Equal(t, schema.SuspendDelay, wait.Suspend)
	require.NotNil(t, wait.ResumeAt)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *wait.ResumeAt, 30*time.Second)

	// 0.0015 minutes is 90ms.
	short := workflow("short", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("wait", schema.NodeDelay, map[string]any{"duration": 0.0015}),
		node("tell", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "u", "message": "done"}),
	}, []schema.Edge{edge("start", "wait"), edge("wait", "tell")})

	run = env.start(t, short, nil)
	require.Equal(t, schema.RunWaiting, run.Status)
	require.Eventually(t, func() bool {
		return env.load(t, run.ID).Status == schema.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_DelayParksAndResumes(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("reminder", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("wait", schema.NodeDelay, map[string]any{"duration": "80ms"}),
		node("tell", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "u", "message": "reminder"}),
	}, []schema.Edge{edge("start", "wait"), edge("wait", "tell")})

	run := env.start(t, wf, nil)
	require.Equal(t, schema.RunWaiting, run.Status)
	assert.Equal(t, schema.SuspendDelay, run.Step("wait").Suspend)
	assert.Empty(t, env.inbox.messages())

	require.Eventually(t, func() bool {
		return env.load(t, run.ID).Status == schema.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, env.inbox.messages(), 1)
	assert.Equal(t, schema.StepCompleted, env.load(t, run.ID).Step("wait").Status)
}

func TestScheduler_ZeroDelayCompletesInline(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("nodelay", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("wait", schema.NodeDelay, map[string]any{"minutes": 0}),
		passThrough("after"),
	}, []schema.Edge{edge("start", "wait"), edge("wait", "after")})

	run := env.start(t, wf, nil)
	assert.Equal(t, schema.RunCompleted, run.Status)
}

func formWorkflow(timeoutMinutes int) *schema.Workflow {
	return workflow("intake", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("intake", schema.NodeForm, map[string]any{"formId": "f-1", "fields": []string{"name"}, "timeoutMinutes": timeoutMinutes}),
		node("tell", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "host", "message": "{{intake.submitted.name}} filled the form"}),
	}, []schema.Edge{edge("start", "intake"), edge("intake", "tell")})
}

func TestScheduler_FormSubmit(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, formWorkflow(0), nil)
	require.Equal(t, schema.RunWaiting, run.Status)

	_, err := env.scheduler.SubmitForm(context.Background(), run.ID, "start", map[string]any{"name": "x"})
	assert.Equal(t, schema.ErrCodeInvalidState, schema.ErrorCode(err))

	run, err = env.scheduler.SubmitForm(context.Background(), run.ID, "intake", map[string]any{"name": "Ana"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunCompleted, run.Status)

	out := outputOf(t, env.load(t, run.ID), "intake")
	assert.Equal(t, map[string]any{"name": "Ana"}, out["submitted"])
	assert.Equal(t, "f-1", out["formId"])
	require.Len(t, env.inbox.messages(), 1)
	assert.Equal(t, "Ana filled the form", env.inbox.messages()[0].Body)
	assert.Contains(t, env.eventTypes(t, run.ID), schema.EventFormSubmitted)

	_, err = env.scheduler.SubmitForm(context.Background(), run.ID, "intake", nil)
	assert.Equal(t, schema.ErrCodeInvalidState, schema.ErrorCode(err), "a form is submitted once")
}

func TestScheduler_FormTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.start(t, formWorkflow(30), nil)
	require.Equal(t, schema.RunWaiting, run.Status)
	require.NotNil(t, run.Step("intake").ResumeAt)

	past := time.Now().Add(-time.Minute)
	step := run.Step("intake")
	step.ResumeAt = &past
	require.NoError(t, env.store.UpsertStep(ctx, step))

	run, err := env.scheduler.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, schema.ErrCodeTimeout, run.Error.Code)

	stored := env.load(t, run.ID)
	assert.Equal(t, schema.StepFailed, stored.Step("intake").Status)
	assert.Equal(t, schema.StepSkipped, stored.Step("tell").Status)
}

func TestScheduler_Cancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := workflow("slow", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("wait", schema.NodeDelay, map[string]any{"duration": "1h"}),
		passThrough("after"),
	}, []schema.Edge{edge("start", "wait"), edge("wait", "after")})

	run := env.start(t, wf, nil)
	require.Equal(t, schema.RunWaiting, run.Status)

	run, err := env.scheduler.Cancel(ctx, run.ID, "customer left")
	require.NoError(t, err)
	assert.Equal(t, schema.RunCancelled, run.Status)
	assert.Equal(t, schema.ErrCodeCancelled, run.Error.Code)

	got := statuses(env.load(t, run.ID))
	assert.Equal(t, schema.StepSkipped, got["wait"])
	assert.Equal(t, schema.StepSkipped, got["after"])

	again, err := env.scheduler.Cancel(ctx, run.ID, "twice")
	require.NoError(t, err)
	assert.Equal(t, schema.RunCancelled, again.Status)

	done := env.start(t, workflow("quick", []schema.Node{node("start", schema.NodeTrigger, nil)}, nil), nil)
	_, err = env.scheduler.Cancel(ctx, done.ID, "late")
	assert.Equal(t, schema.ErrCodeInvalidState, schema.ErrorCode(err))
}

func TestScheduler_CancelDuringOutboundCall(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	wf := workflow("hang", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("hook", schema.NodeWebhook, map[string]any{"url": srv.URL, "timeout": 5000}),
		passThrough("after"),
	}, []schema.Edge{edge("start", "hook"), edge("hook", "after")})
	env.publish(t, wf)

	result := make(chan *schema.Run, 1)
	go func() {
		run, _ := env.scheduler.StartRun(context.Background(), wf.ID, schema.TriggerEvent{})
		result <- run
	}()
	<-entered

	runs, err := env.store.ListRuns(context.Background(), storeRunning())
	require.NoError(t, err)
	require.Len(t, runs, 1)

	cancelled, err := env.scheduler.Cancel(context.Background(), runs[0].ID, "stop")
	require.NoError(t, err)
	assert.Equal(t, schema.RunCancelled, cancelled.Status)

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	got := statuses(env.load(t, runs[0].ID))
	assert.NotEqual(t, schema.StepCompleted, got["after"])
	assert.Equal(t, schema.StepSkipped, got["after"])
}

func TestScheduler_StartRequiresPublishedWorkflow(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("draft", []schema.Node{node("start", schema.NodeTrigger, nil)}, nil)
	wf.Status = schema.WorkflowDraft
	env.publish(t, wf)

	_, err := env.scheduler.StartRun(context.Background(), wf.ID, schema.TriggerEvent{})
	assert.Equal(t, schema.ErrCodeInvalidState, schema.ErrorCode(err))

	_, err = env.scheduler.StartRun(context.Background(), "nope", schema.TriggerEvent{})
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestScheduler_ListPendingApprovals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.start(t, approvalWorkflow(passThrough("after")), nil)
	b := env.start(t, approvalWorkflow(passThrough("after")), nil)
	env.start(t, workflow("other", []schema.Node{node("start", schema.NodeTrigger, nil)}, nil), nil)

	runs, err := env.scheduler.ListPendingApprovals(ctx, "approve", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	ids := []string{runs[0].ID, runs[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	runs, err = env.scheduler.ListPendingApprovals(ctx, "", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, runs, "nothing has waited an hour")
}

func TestScheduler_RunBudget(t *testing.T) {
	env := newTestEnv(t)
	wf := workflow("budget", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("wait", schema.NodeDelay, map[string]any{"duration": "1h"}),
	}, []schema.Edge{edge("start", "wait")})
	wf.Metadata = map[string]any{"maxDuration": "60ms"}

	run := env.start(t, wf, nil)
	require.Equal(t, schema.RunWaiting, run.Status)

	require.Eventually(t, func() bool {
		return env.load(t, run.ID).Status == schema.RunFailed
	}, 2*time.Second, 10*time.Millisecond)

	stored := env.load(t, run.ID)
	assert.Equal(t, schema.ErrCodeTimeout, stored.Error.Code)
	assert.Equal(t, schema.StepSkipped, stored.Step("wait").Status)
	assert.Contains(t, env.eventTypes(t, run.ID), schema.EventRunTimedOut)
}

func TestScheduler_RecoverResumesDueRuns(t *testing.T) {
	first := newTestEnv(t)
	ctx := context.Background()
	wf := workflow("restart", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("wait", schema.NodeDelay, map[string]any{"duration": "1h"}),
		passThrough("after"),
	}, []schema.Edge{edge("start", "wait"), edge("wait", "after")})

	run := first.start(t, wf, nil)
	require.Equal(t, schema.RunWaiting, run.Status)
	first.scheduler.Shutdown()

	past := time.Now().Add(-time.Second)
	step := run.Step("wait")
	step.ResumeAt = &past
	require.NoError(t, first.store.UpsertStep(ctx, step))

	second := newTestEnvOn(t, first.store)
	require.NoError(t, second.scheduler.Recover(ctx))
	assert.Equal(t, schema.RunCompleted, second.load(t, run.ID).Status)
}

func TestScheduler_RecoverRedispatchesInterruptedStep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := workflow("crash", []schema.Node{
		node("start", schema.NodeTrigger, nil),
		node("tell", schema.NodeNotification, map[string]any{"channel": "in-app", "recipient": "u", "message": "hi"}),
	}, []schema.Edge{edge("start", "tell")})
	env.publish(t, wf)

	now := time.Now().UTC()
	run := &schema.Run{ID: "r-crash", WorkflowID: wf.ID, Workflow: wf, Status: schema.RunRunning, StartedAt: now, UpdatedAt: now}
	require.NoError(t, env.store.CreateRun(ctx, run))
	for i, st := range []*schema.StepRecord{
		{RunID: run.ID, NodeID: "start", Type: schema.NodeTrigger, Status: schema.StepCompleted, Sequence: 1, Output: json.RawMessage(`{}`)},
		{RunID: run.ID, NodeID: "tell", Type: schema.NodeNotification, Status: schema.StepRunning, Sequence: 2, StartedAt: &now},
	} {
		require.NoError(t, env.store.UpsertStep(ctx, st), i)
	}

	require.NoError(t, env.scheduler.Recover(ctx))
	stored := env.load(t, run.ID)
	assert.Equal(t, schema.RunCompleted, stored.Status)
	assert.Equal(t, schema.StepCompleted, stored.Step("tell").Status)
	assert.Len(t, env.inbox.messages(), 1)
}

// Random layered DAGs of growing depth always finish.
func TestScheduler_SyntheticGraphsTerminate(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewPCG(7, 11))

	for depth := 1; depth <= 12; depth++ {
		wf := syntheticWorkflow(rng, fmt.Sprintf("synthetic-%d", depth), depth)
		run := env.start(t, wf, map[string]any{"n": depth})

		require.Contains(t, []schema.RunStatus{schema.RunCompleted, schema.RunPendingApproval}, run.Status, "depth %d", depth)
		stored := env.load(t, run.ID)
		if run.Status == schema.RunCompleted {
			require.Len(t, stored.Steps, len(wf.Nodes), "every node has a record")
			for _, st := range stored.Steps {
				assert.True(t, st.Status.Settled(), "%s is %s", st.NodeID, st.Status)
			}
		}
	}
}

func syntheticWorkflow(rng *rand.Rand, id string, depth int) *schema.Workflow {
	nodes := []schema.Node{node("root", schema.NodeTrigger, nil)}
	var edges []schema.Edge
	prev := []string{"root"}
	for level := 1; level <= depth; level++ {
		width := 1 + rng.IntN(3)
		var cur []string
		for w := 0; w < width; w++ {
			nid := fmt.Sprintf("n%d_%d", level, w)
			if rng.IntN(3) == 0 {
				nodes = append(nodes, node(nid, schema.NodeLogic, map[string]any{"expression": "trigger.n % 2 == 0"}))
			} else {
				nodes = append(nodes, node(nid, schema.NodeDelay, map[string]any{"duration": "0s"}))
			}
			parents := slices.Clone(prev)
			rng.Shuffle(len(parents), func(i, j int) { parents[i], parents[j] = parents[j], parents[i] })
			for _, p := range parents[:1+rng.IntN(len(parents))] {
				e := edge(p, nid)
				if n, _ := (&schema.Workflow{Nodes: nodes}).Node(p); n.Type == schema.NodeLogic {
					e.Label = []string{"true", "false"}[rng.IntN(2)]
				}
				edges = append(edges, e)
			}
			cur = append(cur, nid)
		}
		prev = cur
	}
	return workflow(id, nodes, edges)
}
