package validation

import "github.com/rendis/calflow/pkg/schema"

// Validator checks workflow definitions before they are published and
// trigger payloads before a run starts.
// Uses JSON Schema Draft 2020-12 for structure and payload checks.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidatePayload(payload map[string]any, payloadSchema []byte) error
}

// HandlerLookup reports whether a handler is registered for a node type.
// *handlers.Registry satisfies it.
type HandlerLookup interface {
	Has(t schema.NodeType) bool
}
