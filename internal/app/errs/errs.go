// Package errs carries the error taxonomy shared by the services: input
// validation failures are distinguishable from persistence faults so the
// HTTP layer can map them to the right status codes.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed or missing input, rejected before any
// store access.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
