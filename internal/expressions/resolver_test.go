package expressions

import (
	"encoding/json"
	"testing"

	"github.com/rendis/calflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	run := &schema.Run{
		ID:         "run-1",
		WorkflowID: "wf-1",
		Status:     schema.RunRunning,
		Trigger:    schema.TriggerEvent{Kind: schema.TriggerManual, Payload: map[string]any{"email": "ana@example.com"}},
		Steps: []*schema.StepRecord{
			{NodeID: "nodeA", Status: schema.StepCompleted, Output: json.RawMessage(`{"x":5,"name":"Ana","tags":["vip","new"],"nested":{"ok":true}}`)},
			{NodeID: "lookup-user", Status: schema.StepCompleted, Output: json.RawMessage(`{"id":"u-9"}`)},
			{NodeID: "skippedNode", Status: schema.StepSkipped},
			{NodeID: "waiting", Status: schema.StepPending, Suspend: schema.SuspendDelay},
		},
	}
	return NewScope(run)
}

func resolve(t *testing.T, raw string) (map[string]any, error) {
	t.Helper()
	out, err := NewResolver().Resolve(json.RawMessage(raw), testScope())
	if err != nil {
		return nil, err
	}
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	return m, nil
}

func TestResolve_ExactReferenceIsTyped(t *testing.T) {
	m, err := resolve(t, `{"amount":"{{nodeA.x}}"}`)
	require.NoError(t, err)
	assert.Equal(t, float64(5), m["amount"])
}

func TestResolve_EmbeddedReferenceIsText(t *testing.T) {
	m, err := resolve(t, `{"msg":"Hi {{nodeA.name}}, you have {{nodeA.x}} items"}`)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana, you have 5 items", m["msg"])
}

func TestResolve_ObjectsAndArrays(t *testing.T) {
	m, err := resolve(t, `{"tags":"{{nodeA.tags}}","first":"{{nodeA.tags.0}}","flag":"{{ nodeA.nested.ok }}","list":["{{lookup-user.id}}"]}`)
	require.NoError(t, err)
	assert.Equal(t, []any{"vip", "new"}, m["tags"])
	assert.Equal(t, "vip", m["first"])
	assert.Equal(t, true, m["flag"])
	assert.Equal(t, []any{"u-9"}, m["list"])
}

func TestResolve_ReservedRoots(t *testing.T) {
	m, err := resolve(t, `{"to":"{{trigger.email}}","run":"{{run.id}}"}`)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", m["to"])
	assert.Equal(t, "run-1", m["run"])
}

func TestResolve_Fallback(t *testing.T) {
	m, err := resolve(t, `{"a":"{{nodeA.missing | 7}}","b":"{{ghost.x | \"none\"}}","c":"{{skippedNode.v | null}}"}`)
	require.NoError(t, err)
	assert.Equal(t, float64(7), m["a"])
	assert.Equal(t, "none", m["b"])
	assert.Nil(t, m["c"])
}

func TestResolve_UnresolvedNode(t *testing.T) {
	for _, raw := range []string{
		`{"v":"{{ghost.x}}"}`,
		`{"v":"{{skippedNode.x}}"}`,
		`{"v":"{{waiting.x}}"}`,
		`{"v":"prefix {{ghost}}"}`,
	} {
		_, err := resolve(t, raw)
		require.Error(t, err, raw)
		fe, ok := schema.AsFlowError(err)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeUnresolvedReference, fe.Code)
		assert.Contains(t, fe.Message, "unresolved reference")
	}
}

func TestResolve_MissingField(t *testing.T) {
	_, err := resolve(t, `{"v":"{{nodeA.nope}}"}`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedReference, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "name")

	_, err = resolve(t, `{"v":"{{nodeA.tags.9}}"}`)
	require.Error(t, err)
}

func TestResolve_Malformed(t *testing.T) {
	for _, raw := range []string{
		`{"v":"{{nodeA.x"}`,
		`{"v":"{{}}"}`,
		`{"v":"{{nodeA..x}}"}`,
		`{"v":"{{9lives}}"}`,
		`{"v":"{{nodeA.x | nope}}"}`,
	} {
		_, err := resolve(t, raw)
		require.Error(t, err, raw)
		assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err), raw)
	}
}

func TestResolve_NoReferencesPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"n":12345678901234567890}`)
	out, err := NewResolver().Resolve(raw, testScope())
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(out))
}

func TestResolve_PreservesLargeNumbers(t *testing.T) {
	out, err := NewResolver().Resolve(json.RawMessage(`{"n":12345678901234567890,"v":"{{nodeA.x}}"}`), testScope())
	require.NoError(t, err)
	assert.Contains(t, string(out), "12345678901234567890")
}

func TestMaskReferences(t *testing.T) {
	raw := json.RawMessage(`{"url":"https://x.example/{{nodeA.id}}","retryCount":"{{trigger.retries}}","headers":{"X-Id":" {{nodeA.id}} "},"timeout":500}`)
	out, masked, err := MaskReferences(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://x.example/{{nodeA.id}}","retryCount":null,"headers":{"X-Id":null},"timeout":500}`, string(out))
	assert.Equal(t, map[string]bool{"retryCount": true, "headers": true}, masked)

	plain := json.RawMessage(`{"retryCount":3}`)
	out, masked, err = MaskReferences(plain)
	require.NoError(t, err)
	assert.Equal(t, string(plain), string(out))
	assert.Empty(t, masked)

	_, _, err = MaskReferences(json.RawMessage(`{"a":"{{x}}"`))
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}

func TestReferencedNodes(t *testing.T) {
	refs := ReferencedNodes(json.RawMessage(`{"a":"{{nodeA.x}} and {{trigger.email}}","b":"{{nodeA.y}}","c":"{{bad..}}"}`))
	assert.Equal(t, []string{"nodeA", "trigger"}, refs)
}

func TestScope_Data(t *testing.T) {
	data := testScope().Data()
	assert.Contains(t, data, "nodeA")
	assert.NotContains(t, data, "lookup-user", "hyphenated ids only under steps")
	steps := data["steps"].(map[string]any)
	assert.Contains(t, steps, "lookup-user")
	assert.NotContains(t, steps, "skippedNode")
}
