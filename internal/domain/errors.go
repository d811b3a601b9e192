package domain

import (
	"errors"
	"fmt"
)

// Common domain errors that can occur during pipeline operations.
var (
	// ErrKeyNotFound indicates that a requested state key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTypeMismatch indicates that a value's type doesn't match the expected type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidConfiguration indicates that configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrUnmatchedTown indicates that a vote record's town is not part of
	// any district in the map being aggregated.
	ErrUnmatchedTown = errors.New("unmatched town")

	// ErrInconsistentSeatCount indicates that a map's declared seat count
	// disagrees with the authoritative winners table.
	ErrInconsistentSeatCount = errors.New("inconsistent seat count")

	// ErrNoData indicates a district with no historical records at all.
	ErrNoData = errors.New("no data")

	// ErrInvalidDistrictKey indicates a district key that cannot be parsed.
	ErrInvalidDistrictKey = errors.New("invalid district key")
)

// StateError represents an error that occurred during State operations.
// It provides context about which key and operation caused the error.
type StateError struct {
	// Key is the state key name involved in the failed operation.
	Key string

	// Operation describes what operation was being performed when the error occurred.
	Operation string

	// Err is the underlying error that caused the operation to fail.
	Err error
}

// Error implements the error interface for StateError.
func (e *StateError) Error() string {
	return fmt.Sprintf("state error: operation=%s, key=%s, err=%v", e.Operation, e.Key, e.Err)
}

// Unwrap returns the underlying error, supporting Go 1.13+ error unwrapping.
func (e *StateError) Unwrap() error { return e.Err }

// NewStateError creates a new StateError with the given details.
func NewStateError(key string, operation string, err error) *StateError {
	return &StateError{
		Key:       key,
		Operation: operation,
		Err:       err,
	}
}

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %v", e.Entity, e.Errors)
}

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// AddErrorf adds a formatted error message to the validation error.
func (e *ValidationError) AddErrorf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// Err returns e when it holds at least one message and nil otherwise.
func (e *ValidationError) Err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// NewValidationError creates a new ValidationError for the given entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
	}
}

// UnmatchedTownError is a soft error: the record is excluded from
// aggregation and counted in the coverage diagnostics.
type UnmatchedTownError struct {
	Year   int
	County string
	Town   string
	Votes  int64

	// Suggestion is the closest known town, if any was close enough.
	Suggestion string
}

// Error implements the error interface for UnmatchedTownError.
func (e *UnmatchedTownError) Error() string {
	msg := fmt.Sprintf("unmatched town %q in %s (%d), %d votes excluded", e.Town, e.County, e.Year, e.Votes)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(", did you mean %q", e.Suggestion)
	}
	return msg
}

// Unwrap returns ErrUnmatchedTown.
func (e *UnmatchedTownError) Unwrap() error { return ErrUnmatchedTown }

// InconsistentSeatCountError is a hard error that fails a single
// district/year allocation.
type InconsistentSeatCountError struct {
	Key      DistrictKey
	Year     int
	Declared int
	Winners  int
}

// Error implements the error interface for InconsistentSeatCountError.
func (e *InconsistentSeatCountError) Error() string {
	return fmt.Sprintf("district %s (%d): map declares %d seats but winners table lists %d",
		e.Key, e.Year, e.Declared, e.Winners)
}

// Unwrap returns ErrInconsistentSeatCount.
func (e *InconsistentSeatCountError) Unwrap() error { return ErrInconsistentSeatCount }

// Share returns a/(a+b), or 0.5 when the denominator is zero.
func Share(a, b int64) float64 {
	total := a + b
	if total <= 0 {
		return 0.5
	}
	return float64(a) / float64(total)
}

// Pct returns 100*a/total, or 0 when total is zero.
func Pct(a, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return 100 * float64(a) / float64(total)
}
