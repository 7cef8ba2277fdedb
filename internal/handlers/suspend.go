package handlers

import (
	"context"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// DelayHandler parks the step until now+duration. The scheduler completes it
// once due and never holds a goroutine meanwhile.
type DelayHandler struct{}

func (h *DelayHandler) Type() schema.NodeType { return schema.NodeDelay }

func (h *DelayHandler) Execute(_ context.Context, in Input) (*Result, error) {
	cfg, err := decode[schema.DelayConfig](schema.NodeDelay, in)
	if err != nil {
		return nil, err
	}
	wait, err := cfg.Wait()
	if err != nil {
		return nil, err
	}

	resumeAt := time.Now().UTC().Add(wait)
	res, err := output(map[string]any{
		"duration": wait.String(),
		"resumeAt": resumeAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	res.Suspend = &Suspension{Kind: schema.SuspendDelay, ResumeAt: &resumeAt}
	return res, nil
}

// ApprovalHandler opens an approval gate. It never fails.
type ApprovalHandler struct{}

func (h *ApprovalHandler) Type() schema.NodeType { return schema.NodeApproval }

func (h *ApprovalHandler) Execute(_ context.Context, in Input) (*Result, error) {
	cfg, err := decode[schema.ApprovalConfig](schema.NodeApproval, in)
	if err != nil {
		cfg = &schema.ApprovalConfig{}
	}
	res, err := output(map[string]any{
		"approver":    cfg.Approver,
		"message":     cfg.Message,
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	res.Suspend = &Suspension{Kind: schema.SuspendApproval}
	return res, nil
}

// FormHandler parks the step until a submission arrives for (run, node).
// With timeoutMinutes set, ResumeAt is the deadline after which the step fails.
type FormHandler struct{}

func (h *FormHandler) Type() schema.NodeType { return schema.NodeForm }

func (h *FormHandler) Execute(_ context.Context, in Input) (*Result, error) {
	cfg, err := decode[schema.FormConfig](schema.NodeForm, in)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"formId": cfg.FormID, "fields": cfg.Fields}
	susp := &Suspension{Kind: schema.SuspendForm}
	if cfg.TimeoutMinutes > 0 {
		deadline := time.Now().UTC().Add(time.Duration(cfg.TimeoutMinutes) * time.Minute)
		susp.ResumeAt = &deadline
		out["expiresAt"] = deadline.Format(time.RFC3339)
	}

	res, err := output(out)
	if err != nil {
		return nil, err
	}
	res.Suspend = susp
	return res, nil
}
