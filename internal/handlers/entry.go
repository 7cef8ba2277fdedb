package handlers

import (
	"context"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// TriggerHandler seeds the run with the trigger payload. The payload's own
// keys win; kind and headers are added only when the payload does not define them.
type TriggerHandler struct{}

func (h *TriggerHandler) Type() schema.NodeType { return schema.NodeTrigger }

func (h *TriggerHandler) Execute(_ context.Context, in Input) (*Result, error) {
	out := make(map[string]any, len(in.Trigger.Payload)+2)
	for k, v := range in.Trigger.Payload {
		out[k] = v
	}
	if _, ok := out["kind"]; !ok {
		kind := in.Trigger.Kind
		if kind == "" {
			kind = schema.TriggerManual
		}
		out["kind"] = kind
	}
	if _, ok := out["headers"]; !ok && len(in.Trigger.Headers) > 0 {
		out["headers"] = in.Trigger.Headers
	}
	return output(out)
}

// ScheduleHandler records which cron expression fired the run.
type ScheduleHandler struct{}

func (h *ScheduleHandler) Type() schema.NodeType { return schema.NodeSchedule }

func (h *ScheduleHandler) Execute(_ context.Context, in Input) (*Result, error) {
	cfg, err := decode[schema.ScheduleConfig](schema.NodeSchedule, in)
	if err != nil {
		return nil, err
	}
	firedAt := time.Now().UTC()
	if v, ok := in.Trigger.Payload["firedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			firedAt = t
		}
	}
	return output(map[string]any{
		"cron":    cfg.Cron,
		"firedAt": firedAt.Format(time.RFC3339),
	})
}
