// Package handlers implements the built-in step types. A handler receives a
// node config whose {{references}} are already resolved and returns a
// JSON-serializable output, a branch for logic nodes, or a suspension for
// steps that park the run.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/pkg/schema"
)

// Handler executes one node type.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, in Input) (*Result, error)
}

// Outbound is implemented by handlers whose Execute makes exactly one HTTP
// attempt. The engine wraps them with its retry and timeout envelope using
// the request settings returned by Request.
type Outbound interface {
	Handler
	Request(config json.RawMessage) (schema.RequestConfig, error)
}

// Input is what a handler sees for one dispatch.
type Input struct {
	RunID      string
	WorkflowID string
	NodeID     string
	Config     json.RawMessage
	Scope      *expressions.Scope
	Trigger    schema.TriggerEvent
}

// Result is the outcome of a successful dispatch.
type Result struct {
	Output     json.RawMessage
	Branch     string
	StatusCode int
	Suspend    *Suspension
}

// Suspension parks the step in pending until an external signal or ResumeAt.
type Suspension struct {
	Kind     schema.SuspendKind
	ResumeAt *time.Time
}

func decode[T any](nodeType schema.NodeType, in Input) (*T, error) {
	var cfg T
	n := schema.Node{ID: in.NodeID, Type: nodeType, Config: in.Config}
	if err := n.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func output(v any) (*Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal output: %s", err.Error()).WithCause(err)
	}
	return &Result{Output: raw}, nil
}

func configError(nodeID, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConfiguration, format, args...).WithNode(nodeID)
}
