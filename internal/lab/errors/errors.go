package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = fmt.Errorf("not found")
	ErrValidation           = fmt.Errorf("validation failed")
	ErrReferentialIntegrity = fmt.Errorf("referenced by dependent records")

	// ErrUniqueness and ErrImmutableField are both validation failures.
	ErrUniqueness     = fmt.Errorf("%w: duplicate key", ErrValidation)
	ErrImmutableField = fmt.Errorf("%w: immutable field", ErrValidation)
)

// Class returns a short label naming the category of err, for metrics and logs.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUniqueness):
		return "uniqueness"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrReferentialIntegrity):
		return "referential_integrity"
	default:
		return "internal"
	}
}
