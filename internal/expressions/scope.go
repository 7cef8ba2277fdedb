package expressions

import (
	"encoding/json"
	"regexp"

	"github.com/rendis/calflow/pkg/schema"
)

// Scope holds all data a node config may reference at dispatch time.
// Only completed steps contribute outputs; skipped, failed and parked steps
// are invisible so references to them stay unresolved.
type Scope struct {
	Steps   map[string]any // node ID -> output (unmarshalled)
	Trigger map[string]any // trigger payload
	Run     map[string]any // run metadata (id, workflowId)
}

// NewScope builds a frozen scope snapshot from a run's stored step records.
func NewScope(run *schema.Run) *Scope {
	sc := &Scope{
		Steps:   make(map[string]any),
		Trigger: deepCopyMap(run.Trigger.Payload),
		Run: map[string]any{
			"id":         run.ID,
			"workflowId": run.WorkflowID,
			"status":     string(run.Status),
		},
	}
	if sc.Trigger == nil {
		sc.Trigger = map[string]any{}
	}

	for _, step := range run.Steps {
		if step.Status != schema.StepCompleted {
			continue
		}
		sc.Steps[step.NodeID] = decodeOutput(step.Output)
	}
	return sc
}

// AddStepOutput registers an output under a node id. Existing entries are kept.
func (sc *Scope) AddStepOutput(nodeID string, output json.RawMessage) {
	if _, exists := sc.Steps[nodeID]; exists {
		return
	}
	sc.Steps[nodeID] = decodeOutput(output)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Data flattens the scope into an expression environment. Step outputs are
// available under "steps" and, when the node id is a valid identifier, also at
// the top level so logic expressions can say `check.score > 3`.
func (sc *Scope) Data() map[string]any {
	data := make(map[string]any, len(sc.Steps)+3)
	for id, out := range sc.Steps {
		if identPattern.MatchString(id) {
			data[id] = out
		}
	}
	data["steps"] = sc.Steps
	data["trigger"] = sc.Trigger
	data["run"] = sc.Run
	return data
}

func decodeOutput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}
	return parsed
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
