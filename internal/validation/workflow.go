package validation

import (
	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, edges, handlers, references, config values, expressions)
// 3. DAG (cycles, entry points)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
	engines    *expressions.Engines
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip handler availability checks.
func NewWorkflowValidator(lookup HandlerLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, handlers: lookup, engines: engines}, nil
}

// Validate runs every stage and returns the aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wf, wv.handlers, wv.engines))

	// The graph may be malformed when semantic checks failed.
	if result.Valid() {
		result.Merge(validateDAG(wf))
	}
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidatePayload delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidatePayload(payload map[string]any, payloadSchema []byte) error {
	return wv.jsonSchema.ValidatePayload(payload, payloadSchema)
}

func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateWorkflow(wf)
	if err == nil {
		return result
	}
	fe, ok := schema.AsFlowError(err)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
