package quota

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when a quota is exhausted.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidIdentifier is returned for an empty identifier or unknown scope.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("quota store unavailable")
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
