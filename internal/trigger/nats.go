package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/rendis/calflow/pkg/schema"
)

// DefaultSubjectPrefix is the subject root listened on. A message on
// "calflow.trigger.<workflowId>" starts a run of that workflow.
const DefaultSubjectPrefix = "calflow.trigger"

// queueGroup spreads trigger messages over every calflow instance.
const queueGroup = "calflow-triggers"

// Reply is sent back when a trigger message carries a reply subject.
type Reply struct {
	RunID  string            `json:"runId,omitempty"`
	Status schema.RunStatus  `json:"status,omitempty"`
	Error  *schema.FlowError `json:"error,omitempty"`
}

// NATSListener starts runs from messages published to NATS. The message body
// is the JSON trigger payload; headers are copied into the trigger event.
type NATSListener struct {
	nc      *nats.Conn
	starter Starter
	prefix  string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
	ctx context.Context
}

// NewNATSListener wraps an established connection. prefix "" uses DefaultSubjectPrefix.
func NewNATSListener(nc *nats.Conn, starter Starter, prefix string, logger *slog.Logger) *NATSListener {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSListener{nc: nc, starter: starter, prefix: prefix, logger: logger}
}

// Subject returns the wildcard subject the listener subscribes to.
func (l *NATSListener) Subject() string {
	return l.prefix + ".>"
}

// Start subscribes. Runs started by messages inherit ctx.
func (l *NATSListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return fmt.Errorf("nats listener already started")
	}
	l.ctx = ctx
	sub, err := l.nc.QueueSubscribe(l.Subject(), queueGroup, l.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.Subject(), err)
	}
	if err := l.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	l.sub = sub
	l.logger.Info("nats trigger listening", slog.String("subject", l.Subject()))
	return nil
}

// Stop drains the subscription.
func (l *NATSListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub == nil {
		return nil
	}
	err := l.sub.Drain()
	l.sub = nil
	return err
}

func (l *NATSListener) handle(msg *nats.Msg) {
	workflowID := strings.TrimPrefix(msg.Subject, l.prefix+".")
	if workflowID == "" || workflowID == msg.Subject {
		l.respond(msg, Reply{Error: schema.NewErrorf(schema.ErrCodeValidation, "subject %q names no workflow", msg.Subject)})
		return
	}

	payload := map[string]any{}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			l.logger.Warn("invalid trigger message",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			l.respond(msg, Reply{Error: schema.NewError(schema.ErrCodeValidation, "trigger payload must be a JSON object").WithCause(err)})
			return
		}
	}

	var headers map[string]string
	if len(msg.Header) > 0 {
		headers = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			headers[strings.ToLower(k)] = msg.Header.Get(k)
		}
	}

	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	run, err := l.starter.StartRun(ctx, workflowID, schema.TriggerEvent{
		Kind:    schema.TriggerMessage,
		Payload: payload,
		Headers: headers,
	})
	if err != nil {
		fe, ok := schema.AsFlowError(err)
		if !ok {
			fe = schema.NewError(schema.ErrCodeExecution, err.Error())
		}
		l.logger.Error("message-triggered run failed to start",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
		l.respond(msg, Reply{Error: fe})
		return
	}
	l.respond(msg, Reply{RunID: run.ID, Status: run.Status})
}

func (l *NATSListener) respond(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		l.logger.Warn("encode trigger reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		l.logger.Warn("send trigger reply", slog.String("error", err.Error()))
	}
}
