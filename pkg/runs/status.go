package runs

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an evaluation run. The stored form
// is canonical fixed-case; input is accepted case-insensitively.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// canonical maps lowercased input to the canonical stored form. The
// status set is closed: anything else is a validation error, never
// silently ignored.
var canonical = map[string]Status{
	"queued":    StatusQueued,
	"running":   StatusRunning,
	"completed": StatusCompleted,
	"failed":    StatusFailed,
}

// transitions is the legal state machine. Queued may jump straight to
// a terminal state to cover immediate-failure and trivial-pass cases.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCompleted, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
}

// ParseStatus resolves a caller-supplied status string to its
// canonical form.
func ParseStatus(s string) (Status, error) {
	status, ok := canonical[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", &ValidationError{Fields: []FieldError{{
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", s),
		}}}
	}

	return status, nil
}

// IsTerminal reports whether no further transitions are legal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the state machine permits moving
// from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}

	return false
}
