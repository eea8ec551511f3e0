package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeDependencyCycle   = "DEPENDENCY_CYCLE"
	ErrCodeDependencyUnmet   = "DEPENDENCY_UNMET"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeServerTimeout     = "SERVER_START_TIMEOUT"
	ErrCodeServerStalled     = "SERVER_STALLED"
	ErrCodeServerExited      = "SERVER_EXITED"
	ErrCodeServerCommand     = "SERVER_COMMAND"
	ErrCodeUnmappedType      = "UNMAPPED_TYPE"
	ErrCodeHandlerFailed     = "HANDLER_FAILED"
	ErrCodeTrackingUnreached = "TRACKING_UNREACHABLE"
	ErrCodePersistence       = "PERSISTENCE_WRITE_FAILED"
	ErrCodeProvider          = "PROVIDER_ERROR"
	ErrCodePlugin            = "PLUGIN_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCredentials       = "CREDENTIALS_ERROR"
)

// Error is the structured error type shared by every e2ekit component.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a workflow node ID to the error.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
