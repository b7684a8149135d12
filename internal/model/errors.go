package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors shared across the engine.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLookupMiss marks a raw value with no canonical mapping. It is
	// reported in ingest results and never fails an operation.
	ErrLookupMiss = errors.New("lookup miss")
	// ErrImpactReportRequired is returned by destructive calls that must go
	// through a proposed impact report instead.
	ErrImpactReportRequired = errors.New("impact report required")
	// ErrReportNotPending is returned when executing a report that is not
	// in the proposed state.
	ErrReportNotPending = errors.New("impact report is not pending")
)

// ValidationError rejects malformed input such as a missing or unparseable
// entity key. Rejected input is never stored.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation: %s %q: %s", e.Field, e.Value, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConstraintViolation refuses an operation that would affect dependent
// records. Counts holds the number of affected records per relation type.
type ConstraintViolation struct {
	EntityKey string
	Op        string
	Counts    Dependents
}

func (e *ConstraintViolation) Error() string {
	keys := make([]string, 0, len(e.Counts))
	for k := range e.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, e.Counts[k]))
	}
	return fmt.Sprintf("constraint violation: %s %s has %d dependents (%s)",
		e.Op, e.EntityKey, e.Counts.Total(), strings.Join(parts, ", "))
}

// Total is the number of dependent records across all relation types.
func (e *ConstraintViolation) Total() int { return e.Counts.Total() }

// AsConstraintViolation extracts a ConstraintViolation from err's chain.
func AsConstraintViolation(err error) (*ConstraintViolation, bool) {
	var cv *ConstraintViolation
	if errors.As(err, &cv) {
		return cv, true
	}
	return nil, false
}
