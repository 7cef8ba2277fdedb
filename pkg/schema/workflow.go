package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Workflow is an authored automation: a directed acyclic graph of typed nodes.
// A run executes against its own snapshot, so edits never affect runs in flight.
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    WorkflowStatus `json:"status,omitempty"`
	Version   int            `json:"version,omitempty"`
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// WorkflowStatus is the authoring state of a workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowPublished WorkflowStatus = "published"
)

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// MaxDuration reads the optional run-level wall-clock budget from metadata.
func (w *Workflow) MaxDuration() time.Duration {
	if w.Metadata == nil {
		return 0
	}
	switch v := w.Metadata["maxDuration"].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

// TriggerSchema returns the JSON Schema that trigger payloads must satisfy,
// taken from metadata.triggerSchema. Nil when the workflow declares none.
func (w *Workflow) TriggerSchema() []byte {
	if w.Metadata == nil {
		return nil
	}
	raw, ok := w.Metadata["triggerSchema"]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return b
}

// NodeType enumerates the built-in step kinds.
type NodeType string

const (
	NodeTrigger      NodeType = "trigger"
	NodeSchedule     NodeType = "schedule"
	NodeAction       NodeType = "action"
	NodeLogic        NodeType = "logic"
	NodeDelay        NodeType = "delay"
	NodeWebhook      NodeType = "webhook-outbound"
	NodeAPI          NodeType = "api"
	NodeApproval     NodeType = "approval"
	NodeForm         NodeType = "form"
	NodeNotification NodeType = "notification"
)

// NodeTypes lists every built-in node type.
var NodeTypes = []NodeType{
	NodeTrigger, NodeSchedule, NodeAction, NodeLogic, NodeDelay,
	NodeWebhook, NodeAPI, NodeApproval, NodeForm, NodeNotification,
}

// Node is one step of a workflow. Config is kept raw on the wire and decoded
// into the typed config for Type by Decode.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Label  string          `json:"label,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Decode unmarshals the node config into v.
func (n Node) Decode(v any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Config, v); err != nil {
		return NewErrorf(ErrCodeConfiguration, "invalid %s config: %s", n.Type, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return nil
}

// DecodeConfig returns the typed config variant for a node type from raw JSON.
func DecodeConfig(nodeType NodeType, raw json.RawMessage) (any, error) {
	var cfg any
	switch nodeType {
	case NodeTrigger:
		cfg = &TriggerConfig{}
	case NodeSchedule:
		cfg = &ScheduleConfig{}
	case NodeAction:
		cfg = &ActionConfig{}
	case NodeLogic:
		cfg = &LogicConfig{}
	case NodeDelay:
		cfg = &DelayConfig{}
	case NodeWebhook:
		cfg = &WebhookConfig{}
	case NodeAPI:
		cfg = &APIConfig{}
	case NodeApproval:
		cfg = &ApprovalConfig{}
	case NodeForm:
		cfg = &FormConfig{}
	case NodeNotification:
		cfg = &NotificationConfig{}
	default:
		return nil, NewErrorf(ErrCodeUnknownNodeType, "unknown node type %q", nodeType)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, NewErrorf(ErrCodeConfiguration, "invalid %s config: %s", nodeType, err.Error()).WithCause(err)
		}
	}
	return cfg, nil
}

// Edge connects two nodes. Label (or data.branch) selects the branch of a logic source.
type Edge struct {
	ID     string         `json:"id,omitempty"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Label  string         `json:"label,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Branch returns the branch value this edge is conditioned on, or "" when unconditional.
func (e Edge) Branch() string {
	if e.Label != "" {
		return e.Label
	}
	if b, ok := e.Data["branch"].(string); ok {
		return b
	}
	return ""
}

// --- Typed node configs ---

// TriggerConfig configures the entry node of a workflow.
type TriggerConfig struct {
	Event string `json:"event,omitempty"`
}

// ScheduleConfig configures a cron-driven entry node.
type ScheduleConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// Envelope defaults for outbound calls.
const (
	DefaultRetryCount = 2
	MaxRetryCount     = 10
	DefaultTimeoutMs  = 10000
	DefaultBackoffMs  = 200
)

// RequestConfig is the outbound HTTP call shared by action, webhook-outbound and api nodes.
type RequestConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	Timeout        int               `json:"timeout,omitempty"`
	RetryCount     *int              `json:"retryCount,omitempty"`
	RetryBackoffMs int               `json:"retryBackoffMs,omitempty"`
}

// Attempts returns the total number of attempts the envelope makes.
func (r RequestConfig) Attempts() int {
	n := DefaultRetryCount
	if r.RetryCount != nil {
		n = *r.RetryCount
	}
	if n < 0 {
		n = 0
	}
	if n > MaxRetryCount {
		n = MaxRetryCount
	}
	return n + 1
}

// AttemptTimeout returns the per-attempt timeout.
func (r RequestConfig) AttemptTimeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(r.Timeout) * time.Millisecond
}

// Backoff returns the base backoff between attempts.
func (r RequestConfig) Backoff() time.Duration {
	if r.RetryBackoffMs <= 0 {
		return DefaultBackoffMs * time.Millisecond
	}
	return time.Duration(r.RetryBackoffMs) * time.Millisecond
}

// Action kinds.
const (
	ActionSendEmail   = "send-email"
	ActionHTTPRequest = "http-request"
)

// ActionConfig configures an action node. For send-email the embedded Body is
// the message text; for http-request it is the request payload.
type ActionConfig struct {
	Kind    string `json:"kind"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	RequestConfig
}

// LogicConfig configures a branching node.
type LogicConfig struct {
	Expression string `json:"expression"`
	Language   string `json:"language,omitempty"` // expr (default) | cel
}

// DelayConfig configures a timed suspension. Duration wins over Minutes.
//
// In JSON, "duration" is a number of minutes. A Go duration string such as
// "90s" is accepted as well; decoding normalizes numbers to that form.
type DelayConfig struct {
	Duration string `json:"duration,omitempty"`
	Minutes  int    `json:"minutes,omitempty"`
}

// UnmarshalJSON accepts "duration" as minutes (number or numeric string) or
// as a Go duration string.
func (d *DelayConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Duration json.RawMessage `json:"duration"`
		Minutes  int             `json:"minutes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = DelayConfig{Minutes: raw.Minutes}

	if len(raw.Duration) == 0 || string(raw.Duration) == "null" {
		return nil
	}
	var minutes float64
	if err := json.Unmarshal(raw.Duration, &minutes); err == nil {
		d.Duration = minutesText(minutes)
		return nil
	}
	var text string
	if err := json.Unmarshal(raw.Duration, &text); err != nil {
		return fmt.Errorf("delay duration must be a number of minutes or a duration string, got %s", raw.Duration)
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		text = minutesText(n)
	}
	d.Duration = text
	return nil
}

func minutesText(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64) + "m"
}

// Wait returns the configured delay.
func (d DelayConfig) Wait() (time.Duration, error) {
	if d.Duration != "" {
		v, err := time.ParseDuration(d.Duration)
		if err != nil {
			return 0, NewErrorf(ErrCodeConfiguration, "invalid delay duration %q", d.Duration).WithCause(err)
		}
		if v < 0 {
			return 0, NewError(ErrCodeConfiguration, "delay duration must not be negative")
		}
		return v, nil
	}
	if d.Minutes < 0 {
		return 0, NewError(ErrCodeConfiguration, "delay minutes must not be negative")
	}
	return time.Duration(d.Minutes) * time.Minute, nil
}

// WebhookConfig configures an outbound webhook.
type WebhookConfig struct {
	RequestConfig
}

// APIConfig configures an API call whose response is projected by jq paths.
type APIConfig struct {
	RequestConfig
	ResponseMapping map[string]string `json:"responseMapping,omitempty"`
}

// ApprovalConfig configures a human approval gate.
type ApprovalConfig struct {
	Approver string `json:"approver"`
	Message  string `json:"message,omitempty"`
}

// FormConfig configures a step that waits for a form submission.
type FormConfig struct {
	FormID         string   `json:"formId,omitempty"`
	Fields         []string `json:"fields,omitempty"`
	TimeoutMinutes int      `json:"timeoutMinutes,omitempty"`
}

// Notification channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelInApp = "in-app"
)

// NotificationConfig configures a user-facing notification.
type NotificationConfig struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message"`
}
