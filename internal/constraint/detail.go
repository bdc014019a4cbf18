package constraint

import (
	"strings"
)

// Priority grades a validation result.
type Priority string

const (
	PriorityError   Priority = "error"
	PriorityWarning Priority = "warning"
	PriorityInfo    Priority = "info"
)

// ValidationResultDetail is one finding of a validation pass.
type ValidationResultDetail struct {
	Priority Priority `json:"priority"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
}

// HasErrors reports whether any detail has error priority.
func HasErrors(details []ValidationResultDetail) bool {
	for _, d := range details {
		if d.Priority == PriorityError {
			return true
		}
	}
	return false
}

// ValidationError rejects an operation with the findings that caused it.
type ValidationError struct {
	Details []ValidationResultDetail
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, d := range e.Details {
		if d.Priority == PriorityError {
			msgs = append(msgs, d.Message)
		}
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}
