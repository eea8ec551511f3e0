package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue is a single problem found while checking a definition or wire payload.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects every issue instead of stopping at the first one,
// so a caller sees all bad nodes of a pipeline in one report.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid returns true if no issue was recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// Add appends an issue.
func (r *ValidationResult) Add(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Path: path, Code: code, Message: message})
}

// Addf appends an issue with a formatted message.
func (r *ValidationResult) Addf(path, code, format string, args ...any) {
	r.Add(path, code, fmt.Sprintf(format, args...))
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// ToError converts the result to an *Error if invalid, nil if valid.
// The error code is the first issue's code.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Issues[0]
	msg := first.Message
	if len(r.Issues) > 1 {
		msgs := make([]string, 0, len(r.Issues))
		for _, is := range r.Issues {
			msgs = append(msgs, is.Path+": "+is.Message)
		}
		msg = fmt.Sprintf("%d problems: %s", len(r.Issues), strings.Join(msgs, "; "))
	}

	return NewError(first.Code, msg).
		WithDetails(map[string]any{
			"issue_count": len(r.Issues),
			"issues":      r.Issues,
		})
}

// NodePath formats the location of a pipeline node field for issue reports.
func NodePath(index int, field string) string {
	if field == "" {
		return fmt.Sprintf("nodes[%d]", index)
	}
	return fmt.Sprintf("nodes[%d].%s", index, field)
}
