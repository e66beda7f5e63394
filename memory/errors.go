package memory

import (
	"errors"
	"fmt"
)

// Lifecycle-misuse errors, distinct from validation errors so callers can
// tell "bad input" apart from "API used out of order".
var (
	// ErrNotInitialized is returned when an operation runs before Initialize
	// has completed.
	ErrNotInitialized = errors.New("memory store is not initialized")

	// ErrClosing is returned when an operation arrives after Close has begun.
	ErrClosing = errors.New("memory store is closing")
)

// ValidationError reports rejected caller input. It is always returned before
// any storage mutation takes place.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError checks whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func validationErr(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
