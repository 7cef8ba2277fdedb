// Package notify delivers user-facing messages over email, SMS and in-app
// channels. Every Notifier is safe for concurrent use.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// Message is one notification addressed to a single recipient.
type Message struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	RunID     string `json:"runId,omitempty"`
	NodeID    string `json:"nodeId,omitempty"`
}

// Receipt describes an accepted delivery.
type Receipt struct {
	Channel     string    `json:"channel"`
	Recipient   string    `json:"recipient"`
	Provider    string    `json:"provider"`
	MessageID   string    `json:"messageId,omitempty"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// Notifier delivers a message or returns a DELIVERY_ERROR.
type Notifier interface {
	Notify(ctx context.Context, msg Message) (*Receipt, error)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, msg Message) (*Receipt, error)

func (f NotifierFunc) Notify(ctx context.Context, msg Message) (*Receipt, error) { return f(ctx, msg) }

func deliveryError(provider string, msg Message, cause error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeDelivery, "%s delivery to %q failed: %v", provider, msg.Recipient, cause).
		WithCause(cause).
		WithDetails(map[string]any{"provider": provider, "channel": msg.Channel})
}

func receipt(provider string, msg Message, id string) *Receipt {
	return &Receipt{
		Channel:     msg.Channel,
		Recipient:   msg.Recipient,
		Provider:    provider,
		MessageID:   id,
		DeliveredAt: time.Now().UTC(),
	}
}

// Fanout delivers to every notifier and succeeds if at least one accepts the
// message. The first accepted receipt is returned.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, msg Message) (*Receipt, error) {
	var (
		first *Receipt
		errs  []error
	)
	for _, n := range f {
		r, err := n.Notify(ctx, msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if first == nil {
			first = r
		}
	}
	if first != nil {
		return first, nil
	}
	if len(errs) == 0 {
		return nil, deliveryError("fanout", msg, errors.New("no notifiers configured"))
	}
	return nil, deliveryError("fanout", msg, errors.Join(errs...))
}
