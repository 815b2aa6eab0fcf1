package utils

import (
	"github.com/pkg/errors"
)

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}

// NewLengthMismatchError is used when two parallel slices should have the same length.
func NewLengthMismatchError(what string, expected, actual int) error {
	return errors.Errorf("%s: expected %d elements but got %d", what, expected, actual)
}
