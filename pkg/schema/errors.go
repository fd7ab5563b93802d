package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidGraph      = "INVALID_GRAPH"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeDecryption        = "DECRYPTION_ERROR"
	ErrCodeNodeExecution     = "NODE_EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeConfig            = "CONFIG_ERROR"
)

// ConexError is the structured error type for all engine operations.
type ConexError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConexError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConexError) Unwrap() error {
	return e.Cause
}

// Is matches any *ConexError carrying the same code, so
// errors.Is(err, schema.NewError(schema.ErrCodeTimeout, "")) works.
func (e *ConexError) Is(target error) bool {
	var t *ConexError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new ConexError.
func NewError(code, message string) *ConexError {
	return &ConexError{Code: code, Message: message}
}

// NewErrorf creates a new ConexError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConexError {
	return &ConexError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ConexError) WithNode(nodeID string) *ConexError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConexError) WithCause(err error) *ConexError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConexError) WithDetails(details map[string]any) *ConexError {
	e.Details = details
	return e
}

// IsCode reports whether err, or anything it wraps, is a ConexError with code.
func IsCode(err error, code string) bool {
	var ce *ConexError
	for err != nil {
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}

// CodeOf returns the code of the outermost ConexError in err's chain, or "".
func CodeOf(err error) string {
	var ce *ConexError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
