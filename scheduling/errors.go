package scheduling

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTimeRange means the caller omitted start or end time. It is a
	// precondition failure: no transaction is opened and no conflict check runs.
	ErrInvalidTimeRange = errors.New("invalid_time_range")

	// ErrTimeConflict means the buffered window overlaps an existing confirmed
	// or pending meeting for the organizer, or a concurrent transaction holds
	// the candidate rows. Expected under load; surfaced for "slot no longer
	// available" messaging.
	ErrTimeConflict = errors.New("time_conflict")

	// ErrDatabase wraps unexpected persistence failures. Raw driver errors are
	// logged server-side and never exposed through this sentinel.
	ErrDatabase = errors.New("database_error")
)

// ValidationError carries field-level detail for form re-display. The web
// layer owns presentation; this core only propagates the structure.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func validationErr(field, format string, args ...any) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: fmt.Sprintf(format, args...)}}
}
