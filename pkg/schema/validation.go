package schema

import "fmt"

// ValidationSeverity is error or warning. Only errors block a run.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a graph. Path locates it in the
// graph document, e.g. "nodes[2].config.url"; NodeID is set when the issue
// belongs to a single node.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"node_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of every validation stage.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.AddNodeError("", path, code, message)
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.AddNodeWarning("", path, code, message)
}

func (r *ValidationResult) AddNodeError(nodeID, path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddNodeWarning(nodeID, path, code, message string) {
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

// HasCode reports whether any error carries code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// ToError returns nil for a valid result. Otherwise the first error sets
// the code, message and node of the returned *ConexError, and every issue
// is listed in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("graph validation failed with %d errors: %s", n, first.Message)
	}
	code := first.Code
	if code == "" {
		code = ErrCodeValidation
	}

	err := NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
	if first.NodeID != "" {
		err = err.WithNode(first.NodeID)
	}
	return err
}
