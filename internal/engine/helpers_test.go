package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/calflow/internal/handlers"
	"github.com/rendis/calflow/internal/notify"
	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

func node(id string, typ schema.NodeType, cfg any) schema.Node {
	n := schema.Node{ID: id, Type: typ}
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			panic(err)
		}
		n.Config = b
	}
	return n
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{Source: src, Target: dst}
}

func branch(src, dst, label string) schema.Edge {
	return schema.Edge{Source: src, Target: dst, Label: label}
}

func workflow(id string, nodes []schema.Node, edges []schema.Edge) *schema.Workflow {
	return &schema.Workflow{ID: id, Name: id, Status: schema.WorkflowPublished, Version: 1, Nodes: nodes, Edges: edges}
}

func intPtr(v int) *int { return &v }

type testEnv struct {
	store     *store.MemoryStore
	scheduler Scheduler
	metrics   *recordingMetrics
	inbox     *inbox
}

// inbox records in-app notifications.
type inbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (b *inbox) Notify(_ context.Context, msg notify.Message) (*notify.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return &notify.Receipt{Channel: msg.Channel, Recipient: msg.Recipient, Provider: "inbox", MessageID: "m1", DeliveredAt: time.Now()}, nil
}

func (b *inbox) messages() []notify.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]notify.Message(nil), b.msgs...)
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvOn(t, store.NewMemoryStore(), opts...)
}

func newTestEnvOn(t *testing.T, s *store.MemoryStore, opts ...func(*Config)) *testEnv {
	t.Helper()
	box := &inbox{}
	reg, err := handlers.NewDefaultRegistry(handlers.Deps{InApp: box})
	require.NoError(t, err)

	m := &recordingMetrics{}
	cfg := Config{PoolSize: 4, MaxBackoff: 10 * time.Millisecond, Metrics: m}
	for _, opt := range opts {
		opt(&cfg)
	}
	sc := NewScheduler(s, reg, cfg)
	t.Cleanup(sc.Shutdown)
	return &testEnv{store: s, scheduler: sc, metrics: m, inbox: box}
}

func (e *testEnv) publish(t *testing.T, wf *schema.Workflow) {
	t.Helper()
	require.NoError(t, e.store.SaveWorkflow(context.Background(), wf))
}

func (e *testEnv) start(t *testing.T, wf *schema.Workflow, payload map[string]any) *schema.Run {
	t.Helper()
	e.publish(t, wf)
	run, err := e.scheduler.StartRun(context.Background(), wf.ID, schema.TriggerEvent{Kind: schema.TriggerManual, Payload: payload})
	require.NoError(t, err)
	return run
}

func (e *testEnv) load(t *testing.T, runID string) *schema.Run {
	t.Helper()
	run, err := e.scheduler.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func (e *testEnv) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := e.store.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func outputOf(t *testing.T, run *schema.Run, nodeID string) map[string]any {
	t.Helper()
	st := run.Step(nodeID)
	require.NotNil(t, st, "no step record for %s", nodeID)
	var out map[string]any
	require.NoError(t, json.Unmarshal(st.Output, &out))
	return out
}

func statuses(run *schema.Run) map[string]schema.StepStatus {
	out := make(map[string]schema.StepStatus, len(run.Steps))
	for _, st := range run.Steps {
		out[st.NodeID] = st.Status
	}
	return out
}

type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[schema.RunStatus]int
	waves    []int
	attempts int
}

func (m *recordingMetrics) RunStarted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RunFinished(_ string, status schema.RunStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = make(map[schema.RunStatus]int)
	}
	m.finished[status]++
}

func (m *recordingMetrics) StepFinished(schema.NodeType, schema.StepStatus, time.Duration) {}

func (m *recordingMetrics) StepAttempt(schema.NodeType, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
}

func (m *recordingMetrics) WaveDispatched(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waves = append(m.waves, size)
}

func (m *recordingMetrics) CircuitStateChanged(string, string) {}

func storeRunning() store.RunFilter {
	return store.RunFilter{Statuses: []schema.RunStatus{schema.RunRunning}}
}
