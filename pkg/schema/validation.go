package schema

import (
	"fmt"
	"strings"
)

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a definition. Path uses the
// document's field names, e.g. "nodes[2].retryPolicy.maxRetries".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationResult collects the issues of every validation stage. Warnings
// never make a definition unrunnable.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends other's issues; nil is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result. Otherwise the error carries every
// issue in Details and the most specific code found: CYCLE_DETECTED, then
// DEFINITION_ERROR (structure or expressions), then VALIDATION_ERROR.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := ErrCodeValidation
	for _, e := range r.Errors {
		switch e.Code {
		case ErrCodeCycleDetected:
			code = ErrCodeCycleDetected
		case ErrCodeDefinition, ErrCodeExpression:
			if code != ErrCodeCycleDetected {
				code = ErrCodeDefinition
			}
		}
	}

	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%d errors, first %s", n, msg)
	}

	return NewError(code, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// Summary renders the issues one per line, errors first.
func (r *ValidationResult) Summary() string {
	var b strings.Builder
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "error   %s [%s]\n", e, e.Code)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "warning %s [%s]\n", w, w.Code)
	}
	return b.String()
}
