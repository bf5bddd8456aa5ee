// Package errs defines the error taxonomy shared by the storage, room and
// sync services. Handlers map these categories onto HTTP statuses; everything
// else wraps them with operation context.
package errs

import (
	"errors"
	"fmt"
)

// Kind partitions failures by how callers should react.
type Kind string

const (
	// KindValidation marks malformed request payloads. Not retryable.
	KindValidation Kind = "validation"
	// KindNotFound marks unknown events, rooms or rules.
	KindNotFound Kind = "not_found"
	// KindForbidden marks requests the sender lacks permission for.
	KindForbidden Kind = "forbidden"
	// KindBadDatabase marks stored data that fails to deserialize into its
	// expected shape. Fatal for the record, never for the process.
	KindBadDatabase Kind = "bad_database"
)

// Error carries a kind plus a human readable message.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Kind exposes the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// Validation builds a validation error.
func Validation(message string) error {
	return &Error{kind: KindValidation, message: message}
}

// NotFound builds a not-found error.
func NotFound(message string) error {
	return &Error{kind: KindNotFound, message: message}
}

// Forbidden builds an authorization error.
func Forbidden(message string) error {
	return &Error{kind: KindForbidden, message: message}
}

// BadDatabase builds a stored-data invariant violation.
func BadDatabase(message string) error {
	return &Error{kind: KindBadDatabase, message: message}
}

// BadDatabaseWrap attaches the deserialization cause.
func BadDatabaseWrap(message string, cause error) error {
	return &Error{kind: KindBadDatabase, message: message, cause: cause}
}

func isKind(err error, kind Kind) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.kind == kind
	}
	return false
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool { return isKind(err, KindForbidden) }

// IsBadDatabase reports whether err is a stored-data invariant violation.
func IsBadDatabase(err error) bool { return isKind(err, KindBadDatabase) }
