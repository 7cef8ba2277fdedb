package schema

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error reporting.
const (
	// Configuration family. Never retried.
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeUnknownNodeType     = "UNKNOWN_NODE_TYPE"
	ErrCodeExpression          = "EXPRESSION_ERROR"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"

	// Outbound calls.
	ErrCodeTransientNetwork = "TRANSIENT_NETWORK"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeDelivery         = "DELIVERY_ERROR"

	// A human said no. Not a system failure.
	ErrCodeApprovalRejected = "APPROVAL_REJECTED"

	// API boundary.
	ErrCodeInvalidState = "INVALID_STATE"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeNotFound     = "NOT_FOUND"

	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// Retryable reports whether the envelope may try the call again.
func (e *FlowError) Retryable() bool {
	switch e.Code {
	case ErrCodeTransientNetwork, ErrCodeTimeout:
		return true
	}
	return false
}

// IsConfiguration reports whether the error belongs to the configuration family.
func (e *FlowError) IsConfiguration() bool {
	switch e.Code {
	case ErrCodeConfiguration, ErrCodeUnresolvedReference, ErrCodeUnknownNodeType,
		ErrCodeExpression, ErrCodeValidation, ErrCodeCycleDetected:
		return true
	}
	return false
}

// HTTPStatus maps the error code to the status an API boundary should answer with.
func (e *FlowError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeConflict, ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeValidation, ErrCodeConfiguration, ErrCodeCycleDetected, ErrCodeUnknownNodeType:
		return http.StatusBadRequest
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// AsFlowError extracts a *FlowError from err's chain.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// ErrorCode returns the code carried by err, or ErrCodeExecution for plain errors.
func ErrorCode(err error) string {
	if fe, ok := AsFlowError(err); ok {
		return fe.Code
	}
	return ErrCodeExecution
}
