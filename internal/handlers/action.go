package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/calflow/internal/notify"
	"github.com/rendis/calflow/pkg/schema"
)

// ActionHandler runs send-email and http-request actions. The http-request
// kind makes a single attempt; retries belong to webhook and api nodes.
type ActionHandler struct {
	http   *HTTPCaller
	mailer notify.Notifier
}

// NewActionHandler creates an action handler. mailer may be nil.
func NewActionHandler(caller *HTTPCaller, mailer notify.Notifier) *ActionHandler {
	return &ActionHandler{http: caller, mailer: mailer}
}

func (h *ActionHandler) Type() schema.NodeType { return schema.NodeAction }

func (h *ActionHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	cfg, err := decode[schema.ActionConfig](schema.NodeAction, in)
	if err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case schema.ActionSendEmail:
		return h.sendEmail(ctx, in, cfg)
	case schema.ActionHTTPRequest:
		resp, err := h.http.Call(ctx, cfg.RequestConfig)
		if err != nil {
			return nil, err
		}
		res, err := output(resp)
		if err != nil {
			return nil, err
		}
		res.StatusCode = resp.StatusCode
		return res, nil
	}
	return nil, configError(in.NodeID, "unknown action kind %q", cfg.Kind)
}

func (h *ActionHandler) sendEmail(ctx context.Context, in Input, cfg *schema.ActionConfig) (*Result, error) {
	if h.mailer == nil {
		return nil, configError(in.NodeID, "email delivery is not configured")
	}
	if cfg.To == "" {
		return nil, configError(in.NodeID, "send-email requires 'to'")
	}

	body := ""
	if cfg.Body != nil {
		if s, ok := cfg.Body.(string); ok {
			body = s
		} else {
			body = fmt.Sprintf("%v", cfg.Body)
		}
	}

	r, err := h.mailer.Notify(ctx, notify.Message{
		Channel:   schema.ChannelEmail,
		Recipient: cfg.To,
		Title:     cfg.Subject,
		Body:      body,
		RunID:     in.RunID,
		NodeID:    in.NodeID,
	})
	if err != nil {
		return nil, err
	}
	return output(map[string]any{
		"kind":        cfg.Kind,
		"to":          cfg.To,
		"messageId":   r.MessageID,
		"deliveredAt": r.DeliveredAt.Format(time.RFC3339),
	})
}
