package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeActionInvocation  = "ACTION_INVOCATION_ERROR"
	ErrCodeApprovalTimeout   = "APPROVAL_TIMEOUT"
	ErrCodeRollback          = "ROLLBACK_ERROR"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// PlaybookError is the structured error type returned across package boundaries.
type PlaybookError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Cause     error          `json:"-"`
}

func (e *PlaybookError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *PlaybookError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PlaybookError.
func NewError(code, message string) *PlaybookError {
	return &PlaybookError{Code: code, Message: message}
}

// NewErrorf creates a new PlaybookError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlaybookError {
	return &PlaybookError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *PlaybookError) WithNode(nodeID string) *PlaybookError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *PlaybookError) WithCause(err error) *PlaybookError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PlaybookError) WithDetails(details map[string]any) *PlaybookError {
	e.Details = details
	return e
}

// AsRetryable marks the error as eligible for another attempt.
func (e *PlaybookError) AsRetryable() *PlaybookError {
	e.Retryable = true
	return e
}

// ErrorCode extracts the code of the first PlaybookError in err's chain.
func ErrorCode(err error) string {
	var pe *PlaybookError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsDefinitionError reports whether err rejects a Definition at load time.
func IsDefinitionError(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeDefinition, ErrCodeCycleDetected, ErrCodeValidation:
		return true
	}
	return false
}
