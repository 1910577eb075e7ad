package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a run or plan identifier is unknown.
// Callers receive it as a result, never as a panic.
var ErrNotFound = errors.New("not found")

// ErrPlanExists is returned when a plan identifier is reused.
var ErrPlanExists = errors.New("plan already exists")

// ValidationError describes why a plan was rejected at creation time.
// A run for an invalid plan never starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid plan: %s", e.Reason)
	}
	return fmt.Sprintf("invalid plan: %s: %s", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
