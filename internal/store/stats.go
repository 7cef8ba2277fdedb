package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// statsScanLimit bounds how many recent webhook steps one stats query folds.
const statsScanLimit = 1000

// WebhookStats summarizes outbound webhook steps of one workflow.
type WebhookStats struct {
	WorkflowID    string         `json:"workflow_id"`
	Since         *time.Time     `json:"since,omitempty"`
	Total         int            `json:"total"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	InFlight      int            `json:"in_flight"`
	Retried       int            `json:"retried"`
	SuccessRate   float64        `json:"success_rate"`
	AvgDurationMs int64          `json:"avg_duration_ms"`
	P95DurationMs int64          `json:"p95_duration_ms"`
	StatusCodes   map[int]int    `json:"status_codes"`
	ErrorCodes    map[string]int `json:"error_codes"`
	LastFailure   *time.Time     `json:"last_failure,omitempty"`
}

// webhookOutput is the slice of a webhook step output the stats need.
type webhookOutput struct {
	StatusCode int `json:"statusCode"`
	Attempts   []struct {
		StatusCode int `json:"statusCode"`
	} `json:"attempts"`
}

// ComputeWebhookStats folds the recent webhook-outbound steps of a workflow
// into delivery statistics. A zero since covers everything still in the store.
func ComputeWebhookStats(ctx context.Context, s Store, workflowID string, since time.Time) (*WebhookStats, error) {
	filter := StepFilter{WorkflowID: workflowID, Type: schema.NodeWebhook, Limit: statsScanLimit}
	stats := &WebhookStats{
		WorkflowID:  workflowID,
		StatusCodes: make(map[int]int),
		ErrorCodes:  make(map[string]int),
	}
	if !since.IsZero() {
		filter.Since = &since
		stats.Since = &since
	}
	steps, err := s.ListRecentSteps(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list webhook steps: %w", err)
	}

	var durations []int64
	for _, st := range steps {
		stats.Total++
		switch st.Status {
		case schema.StepCompleted:
			stats.Succeeded++
		case schema.StepFailed:
			stats.Failed++
			if st.Error != nil {
				stats.ErrorCodes[st.Error.Code]++
			}
			if st.FinishedAt != nil && (stats.LastFailure == nil || st.FinishedAt.After(*stats.LastFailure)) {
				t := *st.FinishedAt
				stats.LastFailure = &t
			}
		case schema.StepRunning, schema.StepPending:
			stats.InFlight++
			continue
		default:
			continue
		}
		durations = append(durations, st.DurationMs())

		var out webhookOutput
		if len(st.Output) > 0 && json.Unmarshal(st.Output, &out) == nil {
			if len(out.Attempts) > 1 {
				stats.Retried++
			}
			code := out.StatusCode
			if code == 0 && len(out.Attempts) > 0 {
				code = out.Attempts[len(out.Attempts)-1].StatusCode
			}
			if code != 0 {
				stats.StatusCodes[code]++
			}
		}
	}

	if settled := stats.Succeeded + stats.Failed; settled > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(settled)
	}
	if len(durations) > 0 {
		var sum int64
		for _, d := range durations {
			sum += d
		}
		stats.AvgDurationMs = sum / int64(len(durations))
		slices.Sort(durations)
		idx := (len(durations)*95+99)/100 - 1
		stats.P95DurationMs = durations[idx]
	}
	return stats, nil
}
