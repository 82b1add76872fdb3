// Package coreerr defines the typed error taxonomy shared by every core
// component: every operation that can fail classifies the failure into one
// of a small set of kinds so callers (the Runner's retry logic, the host's
// HTTP surface) can branch on Kind rather than parsing messages.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds a core operation can fail with.
type Kind string

const (
	NotFound          Kind = "not_found"
	ConflictingState  Kind = "conflicting_state"
	ValidationError   Kind = "validation_error"
	CapabilityDenied  Kind = "capability_denied"
	TransientIO       Kind = "transient_io"
	PermanentIO       Kind = "permanent_io"
	SerializationError Kind = "serialization_error"
	Forbidden         Kind = "forbidden"
)

// Error is the typed error every core package returns. Message is the
// user-facing text (written into Activity rows); it must never echo secrets.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the Runner may schedule a retry for an error of
// this kind. Only TransientIO is retryable; every other kind is terminal.
func (e *Error) Retryable() bool { return e.Kind == TransientIO }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *Error from err, mirroring errors.As for callers that do
// not want to import this package's type directly.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, otherwise
// PermanentIO as a conservative default for unclassified failures.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return PermanentIO
}
