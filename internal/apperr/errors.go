// internal/apperr/errors.go
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed requests and invalid configuration. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown rule, alert or stream for the given site.
	ErrNotFound = errors.New("not found")
	// ErrInvalidOperation marks a transition the aggregate does not allow.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrDuplicate marks a write whose identity already exists in the store.
	ErrDuplicate = errors.New("duplicate")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func InvalidOperation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

