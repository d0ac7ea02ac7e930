// Package apperr defines the typed error kinds returned by domain services
// and translated by the API dispatcher into the {success, message, data}
// response envelope.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch-layer translation.
type Kind string

const (
	Validation     Kind = "validation"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	Insufficient   Kind = "insufficient_resources"
	Forbidden      Kind = "forbidden"
	LockTimeout    Kind = "lock_timeout"
	Transient      Kind = "transient_backend"
	Fatal          Kind = "fatal"
)

// Error is a typed application error carrying a Kind for translation.
type Error struct {
	Kind    Kind
	Message string
	Field   string // offending field, for Validation
	ResType string // offending resource type, for Insufficient
	err     error  // wrapped cause, optional
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	if e.ResType != "" {
		return fmt.Sprintf("%s: %s (resource=%s)", e.Kind, e.Message, e.ResType)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a typed error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a typed error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, err: cause}
}

// Validationf builds a ValidationError naming the offending field.
func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: Validation, Message: fmt.Sprintf(format, args...), Field: field}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: Conflict, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf builds a Forbidden error.
func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: Forbidden, Message: fmt.Sprintf(format, args...)}
}

// InsufficientResources builds an InsufficientResources error naming the
// offending resource type.
func InsufficientResources(resType string) *Error {
	return &Error{Kind: Insufficient, Message: fmt.Sprintf("insufficient %s", resType), ResType: resType}
}

// LockTimeoutf builds a LockTimeout error.
func LockTimeoutf(format string, args ...any) *Error {
	return &Error{Kind: LockTimeout, Message: fmt.Sprintf(format, args...)}
}

// Transientf builds a TransientBackend error.
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: Transient, Message: fmt.Sprintf(format, args...)}
}

// Fatalf builds a Fatal error.
func Fatalf(format string, args ...any) *Error {
	return &Error{Kind: Fatal, Message: fmt.Sprintf(format, args...)}
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or Fatal if err does not wrap an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Fatal
}
