// Package apperr defines the error kinds shared by the bookstore services.
//
// Each kind is a sentinel that callers test with errors.Is. An *Error carries
// the kind together with the name of the guard that rejected the operation,
// so logs and responses can tell which check failed.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a broken bootstrap (for example a missing default role).
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks an unknown book, token or user.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks an ownership or eligibility guard failure.
	ErrForbidden = errors.New("forbidden")
	// ErrExpiredToken marks an activation code past its TTL.
	ErrExpiredToken = errors.New("expired token")
	// ErrDelivery marks a failed notification send.
	ErrDelivery = errors.New("delivery error")
)

// Error is a classified failure raised by a named guard.
type Error struct {
	Kind    error
	Guard   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newError(kind error, guard, msg string) *Error {
	return &Error{Kind: kind, Guard: guard, Message: msg}
}

func Configuration(guard, msg string) *Error { return newError(ErrConfiguration, guard, msg) }
func NotFound(guard, msg string) *Error      { return newError(ErrNotFound, guard, msg) }
func Forbidden(guard, msg string) *Error     { return newError(ErrForbidden, guard, msg) }
func ExpiredToken(guard, msg string) *Error  { return newError(ErrExpiredToken, guard, msg) }

// Delivery wraps a notification transport failure.
func Delivery(guard string, err error) *Error {
	e := newError(ErrDelivery, guard, "failed to deliver notification")
	e.Err = err
	return e
}

// GuardOf returns the guard name recorded on err, if any.
func GuardOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Guard
	}
	return ""
}

// MessageOf returns the client-facing message recorded on err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
