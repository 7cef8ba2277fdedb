package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/calflow/internal/notify"
	"github.com/rendis/calflow/pkg/schema"
)

// MCPNotifier delivers in-app notifications to recipients connected over MCP.
// It is meant to sit in a notify.Fanout next to the other in-app notifiers.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes over the recipient's sessions.
func NewMCPNotifier(s *Server) *MCPNotifier {
	return &MCPNotifier{mcpServer: s.mcpServer, sessions: s.sessions}
}

// Notify sends a notifications/message to every session of the recipient and
// succeeds when at least one accepts it. Sessions the transport no longer
// knows are dropped from the registry.
func (n *MCPNotifier) Notify(_ context.Context, msg notify.Message) (*notify.Receipt, error) {
	sessionIDs := n.sessions.SessionsFor(msg.Recipient)
	if len(sessionIDs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDelivery, "recipient %q has no mcp session", msg.Recipient)
	}

	id := uuid.NewString()
	params := map[string]any{
		"level":  "info",
		"logger": "calflow",
		"data": map[string]any{
			"id":     id,
			"title":  msg.Title,
			"body":   msg.Body,
			"runId":  msg.RunID,
			"nodeId": msg.NodeID,
		},
	}

	var errs []error
	delivered := 0
	for _, sid := range sessionIDs {
		err := n.mcpServer.SendNotificationToSpecificClient(sid, "notifications/message", params)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, server.ErrSessionNotFound):
			n.sessions.Remove(sid)
			errs = append(errs, err)
		default:
			errs = append(errs, err)
		}
	}
	if delivered == 0 {
		err := errors.Join(errs...)
		return nil, schema.NewErrorf(schema.ErrCodeDelivery, "mcp delivery to %q failed: %v", msg.Recipient, err).WithCause(err)
	}
	return &notify.Receipt{
		Channel:     msg.Channel,
		Recipient:   msg.Recipient,
		Provider:    "mcp",
		MessageID:   id,
		DeliveredAt: time.Now().UTC(),
	}, nil
}
