package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/calflow/pkg/schema"
)

const workflowSchemaURL = "https://calflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes the wire shape of a Workflow. Per-type config
// rules are selected by the node's type.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://calflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "status": { "enum": ["draft", "published"] },
    "version": { "type": "integer", "minimum": 0 },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": {
      "type": ["object", "null"],
      "properties": {
        "maxDuration": { "type": ["string", "integer"] },
        "triggerSchema": { "type": "object" }
      }
    },
    "created_at": {},
    "updated_at": {}
  },
  "additionalProperties": false,
  "$defs": {
    "reference": { "type": "string", "pattern": "^\\s*\\{\\{[^{}]+\\}\\}\\s*$" },
    "count": { "anyOf": [ { "type": "integer", "minimum": 0 }, { "$ref": "#/$defs/reference" } ] },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "enum": ["trigger", "schedule", "action", "logic", "delay", "webhook-outbound", "api", "approval", "form", "notification"]
        },
        "label": { "type": "string" },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "type": { "const": "schedule" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/schedule" } } } },
        { "if": { "properties": { "type": { "const": "action" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/action" } } } },
        { "if": { "properties": { "type": { "const": "logic" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/logic" } } } },
        { "if": { "properties": { "type": { "const": "delay" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/delay" } } } },
        { "if": { "properties": { "type": { "enum": ["webhook-outbound", "api"] } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/request" } } } },
        { "if": { "properties": { "type": { "const": "form" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/form" } } } },
        { "if": { "properties": { "type": { "const": "notification" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/notification" } } } }
      ]
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "data": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "schedule": {
      "type": "object",
      "required": ["cron"],
      "properties": {
        "cron": { "type": "string", "minLength": 1 },
        "timezone": { "type": "string" }
      }
    },
    "request": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "url": { "type": "string", "minLength": 1 },
        "method": { "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "get", "post", "put", "patch", "delete", "head"] },
        "headers": { "type": "object", "additionalProperties": { "type": "string" } },
        "body": {},
        "timeout": { "anyOf": [ { "type": "integer", "minimum": 1 }, { "$ref": "#/$defs/reference" } ] },
        "retryCount": { "$ref": "#/$defs/count" },
        "retryBackoffMs": { "$ref": "#/$defs/count" },
        "responseMapping": { "type": "object", "additionalProperties": { "type": "string" } }
      }
    },
    "action": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "enum": ["send-email", "http-request"] },
        "to": { "type": "string" },
        "subject": { "type": "string" },
        "url": { "type": "string" },
        "method": { "type": "string" },
        "headers": { "type": "object", "additionalProperties": { "type": "string" } },
        "body": {},
        "timeout": { "anyOf": [ { "type": "integer", "minimum": 1 }, { "$ref": "#/$defs/reference" } ] },
        "retryCount": { "$ref": "#/$defs/count" },
        "retryBackoffMs": { "$ref": "#/$defs/count" }
      },
      "allOf": [
        { "if": { "properties": { "kind": { "const": "send-email" } } }, "then": { "required": ["to"] } },
        { "if": { "properties": { "kind": { "const": "http-request" } } }, "then": { "required": ["url"] } }
      ]
    },
    "logic": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "expression": { "type": "string", "minLength": 1 },
        "language": { "enum": ["expr", "cel"] }
      }
    },
    "delay": {
      "type": "object",
      "properties": {
        "duration": { "anyOf": [ { "type": "number", "minimum": 0 }, { "type": "string", "minLength": 1 } ] },
        "minutes": { "$ref": "#/$defs/count" }
      },
      "anyOf": [ { "required": ["duration"] }, { "required": ["minutes"] } ]
    },
    "form": {
      "type": ["object", "null"],
      "properties": {
        "formId": { "type": "string" },
        "fields": { "type": "array", "items": { "type": "string" } },
        "timeoutMinutes": { "$ref": "#/$defs/count" }
      }
    },
    "notification": {
      "type": "object",
      "required": ["channel", "recipient", "message"],
      "properties": {
        "channel": { "type": "string", "minLength": 1 },
        "recipient": { "type": "string", "minLength": 1 },
        "title": { "type": "string" },
        "message": { "type": "string" }
      }
    }
  }
}`

// JSONSchemaValidator checks workflows and payloads against JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled payload schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateWorkflow checks the wire shape of a workflow.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidatePayload validates a trigger payload against a JSON Schema given as
// raw bytes. Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidatePayload(payload map[string]any, payloadSchema []byte) error {
	if len(payloadSchema) == 0 {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	compiled, err := v.getOrCompile(payloadSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("calflow://payload-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a jsonschema.ValidationError into one VALIDATION_ERROR
// listing every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
