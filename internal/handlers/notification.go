package handlers

import (
	"context"
	"reflect"
	"time"

	"github.com/rendis/calflow/internal/notify"
	"github.com/rendis/calflow/pkg/schema"
)

// NotificationHandler routes a message to the notifier of its channel.
type NotificationHandler struct {
	channels map[string]notify.Notifier
}

// NewNotificationHandler creates a handler. Nil notifiers, including typed nil
// pointers such as a nil *notify.SMTPMailer, are ignored.
func NewNotificationHandler(channels map[string]notify.Notifier) *NotificationHandler {
	h := &NotificationHandler{channels: make(map[string]notify.Notifier, len(channels))}
	for ch, n := range channels {
		if !isNil(n) {
			h.channels[ch] = n
		}
	}
	return h
}

func isNil(n notify.Notifier) bool {
	if n == nil {
		return true
	}
	v := reflect.ValueOf(n)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func (h *NotificationHandler) Type() schema.NodeType { return schema.NodeNotification }

func (h *NotificationHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	cfg, err := decode[schema.NotificationConfig](schema.NodeNotification, in)
	if err != nil {
		return nil, err
	}
	if cfg.Recipient == "" {
		return nil, configError(in.NodeID, "notification requires a recipient")
	}
	n, ok := h.channels[cfg.Channel]
	if !ok {
		return nil, configError(in.NodeID, "notification channel %q is not configured", cfg.Channel)
	}

	r, err := n.Notify(ctx, notify.Message{
		Channel:   cfg.Channel,
		Recipient: cfg.Recipient,
		Title:     cfg.Title,
		Body:      cfg.Message,
		RunID:     in.RunID,
		NodeID:    in.NodeID,
	})
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok && fe.NodeID == "" {
			fe.WithNode(in.NodeID)
		}
		return nil, err
	}
	return output(map[string]any{
		"channel":     cfg.Channel,
		"recipient":   cfg.Recipient,
		"provider":    r.Provider,
		"messageId":   r.MessageID,
		"deliveredAt": r.DeliveredAt.Format(time.RFC3339),
	})
}
