package projector

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingRequiredField = errors.New("missing required field")
	ErrEmptyRecord          = errors.New("record is empty after projection")
	ErrInvalidValue         = errors.New("invalid value")
)

// MissingRequiredFieldError reports a required target field left without a
// value and without a safe default
type MissingRequiredFieldError struct {
	Model string
	Field string
	Type  string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("%s: %s.%s (%s) has no value and no safe default", ErrMissingRequiredField, e.Model, e.Field, e.Type)
}

func (e *MissingRequiredFieldError) Unwrap() error { return ErrMissingRequiredField }

// InvalidValueError lists the values the target would reject
type InvalidValueError struct {
	Model    string
	Problems []string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("%s for %s: %s", ErrInvalidValue, e.Model, strings.Join(e.Problems, "; "))
}

func (e *InvalidValueError) Unwrap() error { return ErrInvalidValue }
