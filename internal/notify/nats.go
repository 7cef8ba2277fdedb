package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/rendis/calflow/internal/streaming"
)

// Default NATS subjects.
const (
	DefaultNotificationSubject = "calflow.notifications"
	DefaultEventSubject        = "calflow.events"
)

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes in-app notifications to
// "<prefix>.<recipient>" and forwards run events to "<events>.<workflowId>".
type NATSPublisher struct {
	nc                  *nats.Conn
	notificationSubject string
	eventSubject        string
	logger              *slog.Logger
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *nats.Conn, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		nc:                  nc,
		notificationSubject: DefaultNotificationSubject,
		eventSubject:        DefaultEventSubject,
		logger:              logger,
	}
}

func (p *NATSPublisher) Notify(ctx context.Context, msg Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, deliveryError("nats", msg, err)
	}
	id := uuid.NewString()
	data, err := json.Marshal(struct {
		ID string `json:"id"`
		Message
	}{ID: id, Message: msg})
	if err != nil {
		return nil, deliveryError("nats", msg, err)
	}
	subject := p.notificationSubject + "." + subjectToken(msg.Recipient)
	if err := p.nc.Publish(subject, data); err != nil {
		return nil, deliveryError("nats", msg, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return nil, deliveryError("nats", msg, err)
	}
	return receipt("nats", msg, id), nil
}

// Forward relays hub events matching filter to NATS until ctx is done.
func (p *NATSPublisher) Forward(ctx context.Context, hub streaming.EventHub, filter streaming.EventFilter) error {
	ch, cancel, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				p.logger.WarnContext(ctx, "encode stream event", "error", err)
				continue
			}
			subject := p.eventSubject + "." + subjectToken(ev.WorkflowID)
			if err := p.nc.Publish(subject, data); err != nil {
				p.logger.WarnContext(ctx, "forward event to nats", "subject", subject, "error", err)
			}
		}
	}
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
