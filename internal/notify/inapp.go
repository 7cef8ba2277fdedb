package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/calflow/internal/streaming"
)

// EventInApp is the stream event type carrying in-app notifications.
const EventInApp = "notification.in_app"

// HubNotifier delivers in-app messages to live subscribers of an EventHub.
type HubNotifier struct {
	hub streaming.EventHub
}

// NewHubNotifier wraps hub.
func NewHubNotifier(hub streaming.EventHub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Notify(ctx context.Context, msg Message) (*Receipt, error) {
	id := uuid.NewString()
	err := n.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     msg.RunID,
		NodeID:    msg.NodeID,
		EventType: EventInApp,
		Payload: map[string]any{
			"id":        id,
			"recipient": msg.Recipient,
			"title":     msg.Title,
			"body":      msg.Body,
		},
	})
	if err != nil {
		return nil, deliveryError("hub", msg, err)
	}
	return receipt("hub", msg, id), nil
}
