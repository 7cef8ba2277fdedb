package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/calflow/pkg/schema"
)

func webhookStep(runID, nodeID string, seq int, status schema.StepStatus, took time.Duration, output string) *schema.StepRecord {
	st := stepRecord(runID, nodeID, seq, status)
	st.Type = schema.NodeWebhook
	if status != schema.StepRunning {
		end := st.StartedAt.Add(took)
		st.FinishedAt = &end
	}
	if output != "" {
		st.Output = json.RawMessage(output)
	}
	return st
}

func TestComputeWebhookStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	wf := sampleWorkflow("wf-hooks")
	run := sampleRun(wf, schema.RunRunning)
	other := sampleRun(sampleWorkflow("wf-other"), schema.RunRunning)
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateRun(ctx, other))

	failed := webhookStep(run.ID, "h3", 3, schema.StepFailed, 300*time.Millisecond,
		`{"attempts":[{"attempt":1,"statusCode":503},{"attempt":2,"statusCode":503}]}`)
	failed.Error = schema.NewError(schema.ErrCodeRetryExhausted, "2 attempts failed")

	for _, st := range []*schema.StepRecord{
		webhookStep(run.ID, "h1", 1, schema.StepCompleted, 100*time.Millisecond,
			`{"statusCode":200,"attempts":[{"attempt":1,"statusCode":200}]}`),
		webhookStep(run.ID, "h2", 2, schema.StepCompleted, 200*time.Millisecond,
			`{"statusCode":202,"attempts":[{"attempt":1,"statusCode":500},{"attempt":2,"statusCode":202}]}`),
		failed,
		webhookStep(run.ID, "h4", 4, schema.StepRunning, 0, ""),
		stepRecord(run.ID, "a1", 5, schema.StepCompleted),
		webhookStep(other.ID, "h1", 1, schema.StepCompleted, time.Second, `{"statusCode":200}`),
	} {
		require.NoError(t, s.UpsertStep(ctx, st))
	}

	stats, err := ComputeWebhookStats(ctx, s, wf.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 2, stats.Retried)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.0001)
	assert.Equal(t, int64(200), stats.AvgDurationMs)
	assert.Equal(t, int64(300), stats.P95DurationMs)
	assert.Equal(t, map[int]int{200: 1, 202: 1, 503: 1}, stats.StatusCodes)
	assert.Equal(t, map[string]int{schema.ErrCodeRetryExhausted: 1}, stats.ErrorCodes)
	require.NotNil(t, stats.LastFailure)
	assert.Nil(t, stats.Since)
}

func TestComputeWebhookStats_Empty(t *testing.T) {
	stats, err := ComputeWebhookStats(context.Background(), NewMemoryStore(), "wf-none", time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.SuccessRate)
	assert.NotNil(t, stats.Since)
}
