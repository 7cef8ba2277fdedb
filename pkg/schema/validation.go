package schema

import (
	"fmt"
	"slices"
)

// ValidationSeverity separates blocking issues from advice.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. Path is a
// JSON-ish location such as "nodes[2].config.url"; NodeID is set when the
// issue belongs to a single node.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"nodeId,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s (node %s): %s", i.Path, i.NodeID, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationResult collects the issues of one validation pass. A workflow
// with warnings only can still be published.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.NodeError("", path, code, message)
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.NodeWarning("", path, code, message)
}

// NodeError records a blocking issue against nodeID.
func (r *ValidationResult) NodeError(nodeID, path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityError,
	})
}

// NodeWarning records advice against nodeID.
func (r *ValidationResult) NodeWarning(nodeID, path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ForNode returns the errors and warnings recorded against nodeID.
func (r *ValidationResult) ForNode(nodeID string) []ValidationIssue {
	var out []ValidationIssue
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, i := range list {
			if i.NodeID == nodeID {
				out = append(out, i)
			}
		}
	}
	return out
}

// Codes returns the distinct error codes, sorted.
func (r *ValidationResult) Codes() []string {
	var codes []string
	for _, i := range r.Errors {
		if !slices.Contains(codes, i.Code) {
			codes = append(codes, i.Code)
		}
	}
	slices.Sort(codes)
	return codes
}

// ToError folds the errors into one VALIDATION_ERROR, or nil when valid.
// The first issue becomes the message and its node the error's node.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.String()
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("%d validation errors, first: %s", len(r.Errors), first)
	}

	return NewError(ErrCodeValidation, msg).
		WithNode(first.NodeID).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"codes":         r.Codes(),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
