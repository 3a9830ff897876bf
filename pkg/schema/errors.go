package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeJournalUnavailable = "JOURNAL_UNAVAILABLE"
	ErrCodeNondeterministic   = "NONDETERMINISTIC_REPLAY"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeStepTimeout        = "STEP_TIMEOUT"
	ErrCodeStepInterrupted    = "STEP_INTERRUPTED"
	ErrCodeWaitTimeout        = "WAIT_TIMEOUT"
	ErrCodeWaitFailed         = "WAIT_FAILED"
	ErrCodeCancelled          = "CANCELLED"
)

// DurableError is the structured error type for every failure the orchestrator
// reports, whether raised into handler code or returned from the host.
type DurableError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	Cause       error          `json:"-"`
}

func (e *DurableError) Error() string {
	if e.OperationID != "" {
		return fmt.Sprintf("[%s] operation %s: %s", e.Code, e.OperationID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DurableError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the host may retry the invocation that produced
// this error. Only journal outages qualify; everything else is already journaled.
func (e *DurableError) IsRetryable() bool {
	return e.Code == ErrCodeJournalUnavailable
}

// NewError creates a new DurableError.
func NewError(code, message string) *DurableError {
	return &DurableError{Code: code, Message: message}
}

// NewErrorf creates a new DurableError with a formatted message.
func NewErrorf(code, format string, args ...any) *DurableError {
	return &DurableError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithOperation attaches an operation identity to the error.
func (e *DurableError) WithOperation(operationID string) *DurableError {
	e.OperationID = operationID
	return e
}

// WithCause attaches an underlying cause.
func (e *DurableError) WithCause(err error) *DurableError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DurableError) WithDetails(details map[string]any) *DurableError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first DurableError in err's chain, or "".
func CodeOf(err error) string {
	var de *DurableError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries a DurableError with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
