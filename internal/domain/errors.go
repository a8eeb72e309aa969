package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to the boundary layer
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindInvalidState ErrorKind = "invalid_state"
	KindValidation   ErrorKind = "validation"
	KindInternal     ErrorKind = "internal"
)

// Error is a structured failure carrying a kind and a human-readable message
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a NotFound failure
func NotFoundf(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

// Conflictf creates a Conflict failure
func Conflictf(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}

// InvalidStatef creates an InvalidState failure
func InvalidStatef(format string, args ...interface{}) *Error {
	return newError(KindInvalidState, format, args...)
}

// Validationf creates a Validation failure
func Validationf(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

// KindOf returns the kind of a failure, or KindInternal for anything untyped
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a structured failure of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
