package runs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the caller-error taxonomy. Each kind is
// distinguishable via errors.Is so clients can decide whether to
// retry, fix the request, or give up.
var (
	// ErrNotFound means the requested run or artifact does not exist
	// under the caller's tenant.
	ErrNotFound = errors.New("not found")

	// ErrDependencyNotFound means a referenced dataset or
	// configuration is absent or not owned by the tenant. Cross-tenant
	// references are reported identically to non-existence.
	ErrDependencyNotFound = errors.New("dependency not found")

	// ErrIllegalTransition means the requested status is not reachable
	// from the current status, including any attempt to mutate a
	// terminal-state run.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrConcurrencyConflict means the optimistic-concurrency check
	// failed; the caller should re-fetch and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or missing required input. It is
// detected before any store access and never retried automatically.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}

	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}

	return "validation failed: " + strings.Join(parts, "; ")
}

// TransientError wraps a store or cache failure that is retryable with
// backoff, distinct from every caller-error kind.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// transient wraps err as a TransientError for the named operation.
func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}
