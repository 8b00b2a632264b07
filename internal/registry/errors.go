package registry

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable classification of a registry operation failure.
// Callers use it to distinguish "try a different name" from "start a new
// challenge" from "fix the request". None of these kinds is retryable by the
// core itself; retry policy belongs to the caller.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindDIDMismatch       Kind = "did-mismatch"
	KindNameTaken         Kind = "name-taken"
	KindInvalidSignature  Kind = "invalid-signature"
	KindNotFound          Kind = "not-found"
	KindTimestampExpired  Kind = "timestamp-expired"
	KindConflict          Kind = "conflict"
	KindChallengeNotFound Kind = "challenge-not-found"
	KindChallengeExpired  Kind = "challenge-expired"
	KindChallengeUsed     Kind = "challenge-used"
	KindSubjectMismatch   Kind = "subject-mismatch"
)

// Error is a registry operation failure carrying its classification.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a classified registry error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from err, or empty when err is not a
// registry error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
