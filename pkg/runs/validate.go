package runs

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxIdentifierLength = 128
	maxNameLength       = 256
)

// identifierPattern is the store's identifier shape. Identifiers that
// do not match short-circuit to a validation failure without a store
// round-trip.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// CreateRunRequest carries the caller-supplied fields for run
// creation. The tenant id is the already-resolved caller identity.
type CreateRunRequest struct {
	TenantID    string
	DatasetID   string
	ConfigID    string
	EvalType    string
	Environment string
	SchemaName  string
	Name        string
}

// Validate checks the request before any store access, returning every
// field-level problem at once.
func (r *CreateRunRequest) Validate() error {
	var fields []FieldError

	fields = appendIdentifierErrors(fields, "tenantId", r.TenantID)
	fields = appendIdentifierErrors(fields, "datasetId", r.DatasetID)
	fields = appendIdentifierErrors(fields, "configId", r.ConfigID)

	if len(r.Name) > maxNameLength {
		fields = append(fields, FieldError{
			Field:   "name",
			Message: fmt.Sprintf("must be at most %d characters", maxNameLength),
		})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	return nil
}

// ValidateIdentifiers checks that every given identifier is present
// and well-formed. Field names and values are paired positionally.
func ValidateIdentifiers(pairs ...string) error {
	var fields []FieldError

	for i := 0; i+1 < len(pairs); i += 2 {
		fields = appendIdentifierErrors(fields, pairs[i], pairs[i+1])
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	return nil
}

// ValidateFileName checks a result file name: present, bounded, and a
// single path segment so a crafted name cannot escape the run's
// object-store namespace.
func ValidateFileName(fileName string) error {
	var fields []FieldError

	switch {
	case fileName == "":
		fields = append(fields, FieldError{
			Field:   "fileName",
			Message: "is required",
		})
	case len(fileName) > maxIdentifierLength:
		fields = append(fields, FieldError{
			Field:   "fileName",
			Message: fmt.Sprintf("must be at most %d characters", maxIdentifierLength),
		})
	case strings.ContainsAny(fileName, "/\\") ||
		fileName == "." || fileName == ".." ||
		strings.HasPrefix(fileName, ".put-"):
		fields = append(fields, FieldError{
			Field:   "fileName",
			Message: "must be a plain file name",
		})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	return nil
}

func appendIdentifierErrors(
	fields []FieldError, name, value string,
) []FieldError {
	switch {
	case value == "":
		return append(fields, FieldError{
			Field:   name,
			Message: "is required",
		})
	case len(value) > maxIdentifierLength:
		return append(fields, FieldError{
			Field:   name,
			Message: fmt.Sprintf("must be at most %d characters", maxIdentifierLength),
		})
	case !identifierPattern.MatchString(value):
		return append(fields, FieldError{
			Field:   name,
			Message: "contains invalid characters",
		})
	}

	return fields
}
