// Package apperr defines the typed outcomes the consultation engine returns
// to its callers. Callers branch on Kind, never on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind string

const (
	// KindValidation marks malformed or missing input. Never retried.
	KindValidation Kind = "VALIDATION"

	// KindConflict marks a scheduling slot overlap.
	KindConflict Kind = "CONFLICT"

	// KindInvalidTransition marks a stale-state race or an illegal
	// (status, actor, event) combination. Callers must re-read state.
	KindInvalidTransition Kind = "INVALID_TRANSITION"

	// KindNotFound marks a missing consultation, patient or professional.
	KindNotFound Kind = "NOT_FOUND"

	// KindStorageUnavailable marks a transient store failure. The whole
	// atomic unit is safe to retry.
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
)

// Error is the engine's error type.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, apperr.ErrConflict) works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
)

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// StorageUnavailable wraps a transient store error.
func StorageUnavailable(message string, err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if asError(err, &ae) {
		return ae.Kind
	}
	return ""
}

func asError(err error, target **Error) bool {
	return err != nil && errors.As(err, target)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failed atomic unit may be re-run as a whole.
func Retryable(err error) bool {
	return IsKind(err, KindStorageUnavailable)
}
