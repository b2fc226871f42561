// Package apperr defines the error taxonomy shared by the escrow and dispute
// packages and its mapping onto HTTP responses.
package apperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the stable machine-readable class of a failure.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindConflict        Kind = "conflict"
	KindInvalidState    Kind = "invalid_state_transition"
	KindValidation      Kind = "validation_error"
	KindUnauthenticated Kind = "unauthenticated"
	KindUnexpected      Kind = "unexpected"
)

// Error is a classified failure. Sentinels are declared as *Error values so
// errors.Is keeps working through fmt.Errorf wrapping.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	retryable bool
}

func (e *Error) Error() string {
	return e.Message
}

// New declares a non-retryable error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// NewRetryable declares an error whose operation may succeed if repeated.
func NewRetryable(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, retryable: true}
}

var (
	// ErrUnauthenticated is returned when no caller identity is present.
	ErrUnauthenticated = New(KindUnauthenticated, "unauthenticated", "authentication required")
	// ErrSerialization marks a lost race detected by the database (serialization failure or deadlock).
	ErrSerialization = NewRetryable(KindConflict, "serialization_failure", "concurrent update, retry the request")
)

// KindOf reports the kind of err. Unclassified errors are Unexpected.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// CodeOf reports the stable code of err, or "internal" for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Retryable reports whether repeating the failed operation is safe and may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.retryable
	}
	return !errors.Is(err, context.Canceled)
}

// Translate classifies driver-level failures that have a domain meaning.
// Errors that are already classified pass through unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return errors.Join(ErrSerialization, err)
		}
	}
	return err
}

// Message returns the caller-visible message. Unexpected errors are opaque.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind onto a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict, KindInvalidState:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
