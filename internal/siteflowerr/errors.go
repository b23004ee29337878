// Package siteflowerr defines the error-kind taxonomy shared by the HTTP
// surface and the audit store (spec §7): every error raised by a component
// carries one of these kinds, which determines its REST status code and how
// it is recorded in the audit log.
package siteflowerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and audit framing.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindNotFound   Kind = "NotFound"
	KindConflict   Kind = "Conflict"
	KindTransport  Kind = "TransportError"
	KindTimeout    Kind = "Timeout"
	KindCommand    Kind = "CommandFailure"
	KindIntegrity  Kind = "IntegrityError"
	KindFatal      Kind = "Fatal"
)

// Error is a kind-tagged error. Wrap underlying causes with Wrap so
// errors.Is/errors.As keep working through the chain.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int { return StatusFor(e.Kind) }

// StatusFor maps an error kind to its REST status code per spec §7.
func StatusFor(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransport:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCommand:
		return http.StatusInternalServerError
	case KindIntegrity:
		return http.StatusOK // treated as success when idempotent, logged at warn
	case KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New builds a kind-tagged error with no wrapped cause.
func New(k Kind, message string) error {
	return &Error{Kind: k, Message: message}
}

// Wrap builds a kind-tagged error around an existing cause.
func Wrap(k Kind, message string, cause error) error {
	if cause == nil {
		return New(k, message)
	}
	return &Error{Kind: k, Message: message, Cause: cause}
}

// As extracts the *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err if it (or something it wraps) is an *Error,
// otherwise KindFatal as a conservative default.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindFatal
}
