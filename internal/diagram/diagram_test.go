package diagram

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/calflow/pkg/schema"
)

func bookingWorkflow() *schema.Workflow {
	cfg := func(s string) json.RawMessage { return json.RawMessage(s) }
	return &schema.Workflow{
		ID:   "wf-booking",
		Name: "Booking follow-up",
		Nodes: []schema.Node{
			{ID: "t", Type: schema.NodeTrigger, Label: "Booking created"},
			{ID: "vip", Type: schema.NodeLogic, Label: "VIP?", Config: cfg(`{"expression":"trigger.vip"}`)},
			{ID: "hook", Type: schema.NodeWebhook, Label: "Notify CRM", Config: cfg(`{"url":"https://crm.example.com/hooks"}`)},
			{ID: "ok", Type: schema.NodeApproval, Label: "Manager approval", Config: cfg(`{"approver":"manager"}`)},
			{ID: "mail", Type: schema.NodeNotification, Label: "Send receipt", Config: cfg(`{"channel":"email","recipient":"ana@example.com","message":"hi"}`)},
			{ID: "wait", Type: schema.NodeDelay, Config: cfg(`{"minutes":5}`)},
		},
		Edges: []schema.Edge{
			{Source: "t", Target: "vip"},
			{Source: "vip", Target: "hook", Label: "true"},
			{Source: "vip", Target: "wait", Label: "false"},
			{Source: "hook", Target: "ok"},
			{Source: "ok", Target: "mail"},
			{Source: "wait", Target: "mail"},
		},
	}
}

func bookingRun() *schema.Run {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	at := func(ms int) *time.Time {
		t := start.Add(time.Duration(ms) * time.Millisecond)
		return &t
	}
	return &schema.Run{
		ID:       "run-1",
		Workflow: bookingWorkflow(),
		Status:   schema.RunPendingApproval,
		Steps: []*schema.StepRecord{
			{NodeID: "t", Type: schema.NodeTrigger, Status: schema.StepCompleted, StartedAt: at(0), FinishedAt: at(1)},
			{NodeID: "vip", Type: schema.NodeLogic, Status: schema.StepCompleted, Branch: "true", StartedAt: at(1), FinishedAt: at(2)},
			{NodeID: "hook", Type: schema.NodeWebhook, Status: schema.StepCompleted, StartedAt: at(2), FinishedAt: at(342),
				Output: json.RawMessage(`{"statusCode":200,"attempts":[{"attempt":1,"code":"TIMEOUT"},{"attempt":2,"statusCode":200}]}`)},
			{NodeID: "wait", Type: schema.NodeDelay, Status: schema.StepSkipped},
			{NodeID: "ok", Type: schema.NodeApproval, Status: schema.StepPending, Suspend: schema.SuspendApproval, StartedAt: at(342)},
		},
	}
}

func TestBuild(t *testing.T) {
	model, err := Build(bookingWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Booking follow-up", model.Title)
	ids := make([]string, 0, len(model.Nodes))
	for _, n := range model.Nodes {
		ids = append(ids, n.ID)
		assert.Nil(t, n.Status)
	}
	assert.Equal(t, []string{"t", "vip", "hook", "wait", "ok", "mail"}, ids)
	assert.Equal(t, [][]string{{"t"}, {"vip"}, {"hook", "wait"}, {"ok"}, {"mail"}}, model.Levels)
	assert.Equal(t, Edge{From: "vip", To: "hook", Label: "true"}, model.Edges[1])
	assert.Equal(t, NodeKindDecision, findNode(model.Nodes, "vip").Kind)
	assert.Equal(t, NodeKindGate, findNode(model.Nodes, "ok").Kind)
	assert.Equal(t, "wait", findNode(model.Nodes, "wait").Label)
}

func TestBuild_RunOverlay(t *testing.T) {
	model, err := Build(nil, bookingRun())
	require.NoError(t, err)

	assert.Equal(t, "Booking follow-up (run run-1: pending-approval)", model.Title)
	hook := findNode(model.Nodes, "hook")
	require.NotNil(t, hook.Status)
	assert.Equal(t, "completed", hook.Status.Status)
	assert.Equal(t, int64(340), hook.Status.DurationMs)
	assert.Equal(t, 2, hook.Status.Attempts)
	assert.Equal(t, "true", findNode(model.Nodes, "vip").Status.Branch)
	assert.Equal(t, "approval", findNode(model.Nodes, "ok").Status.Suspend)
	assert.Nil(t, findNode(model.Nodes, "mail").Status)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)

	wf := bookingWorkflow()
	wf.Edges = append(wf.Edges, schema.Edge{Source: "mail", Target: "t"})
	_, err = Build(wf, nil)
	assert.Error(t, err)
}

func TestRenderMermaid_Golden(t *testing.T) {
	g := goldie.New(t)

	model, err := Build(bookingWorkflow(), nil)
	require.NoError(t, err)
	g.Assert(t, "booking_workflow", []byte(RenderMermaid(model)))

	model, err = Build(nil, bookingRun())
	require.NoError(t, err)
	g.Assert(t, "booking_run", []byte(RenderMermaid(model)))
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "send_mail_v2", mermaidSafeID("send-mail.v2"))
	assert.Equal(t, "wf_booking_mon", mermaidSafeID("wf-booking:mon"))
	assert.Equal(t, "it's a /", mermaidEscapeLabel(`it"s a |`))
}

func TestRenderASCII(t *testing.T) {
	model, err := Build(nil, bookingRun())
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== Booking follow-up (run run-1: pending-approval) ===")
	assert.Contains(t, out, "┌")
	assert.Contains(t, out, "│ Notify CRM │")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[SKIP]")
	assert.Contains(t, out, "[WAIT approval]")
	assert.Contains(t, out, "2 attempts")
	assert.Contains(t, out, "vip ─[true]→ hook")
}

func TestRenderImage(t *testing.T) {
	if testing.Short() {
		t.Skip("graphviz rendering is slow")
	}
	model, err := Build(nil, bookingRun())
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "Notify CRM")

	_, err = RenderImage(context.Background(), model, "gif")
	assert.Error(t, err)
}
