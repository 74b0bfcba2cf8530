package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error the way §7 of the wire contract does.
type Kind string

const (
	KindBadRequest        Kind = "BadRequest"
	KindUnauthorized      Kind = "Unauthorized"
	KindForbidden         Kind = "Forbidden"
	KindNotFound          Kind = "NotFound"
	KindPayloadTooLarge   Kind = "PayloadTooLarge"
	KindConflict          Kind = "Conflict"
	KindInvalidTransition Kind = "InvalidTransition"
	KindCertsMalformed    Kind = "CertsMalformed"
	KindSourceGone        Kind = "SourceGone"
	KindTooManyRequests   Kind = "TooManyRequests"
	KindInternal          Kind = "Internal"
)

// statusByKind maps a Kind to its HTTP status, per the wire contract's
// error table. SourceGone is not in that table explicitly; it behaves
// like NotFound for a parent whose blobs were garbage-collected.
var statusByKind = map[Kind]int{
	KindBadRequest:        http.StatusBadRequest,
	KindUnauthorized:      http.StatusUnauthorized,
	KindForbidden:         http.StatusForbidden,
	KindNotFound:          http.StatusNotFound,
	KindPayloadTooLarge:   http.StatusRequestEntityTooLarge,
	KindConflict:          http.StatusConflict,
	KindInvalidTransition: http.StatusBadRequest,
	KindCertsMalformed:    http.StatusInternalServerError,
	KindSourceGone:        http.StatusNotFound,
	KindTooManyRequests:   http.StatusTooManyRequests,
	KindInternal:          http.StatusInternalServerError,
}

// Error pairs a Kind with a sanitized, caller-facing message and an
// optional wrapped cause for logs. Message must never contain a
// secret (token, OTP, p12/keychain password) per §7.
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

// Status returns the HTTP status code for e's Kind.
func (e *Error) Status() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return newErr(KindBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newErr(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newErr(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, format, args...)
}

func PayloadTooLarge(format string, args ...any) *Error {
	return newErr(KindPayloadTooLarge, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newErr(KindConflict, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return newErr(KindInvalidTransition, format, args...)
}

func CertsMalformed(format string, args ...any) *Error {
	return newErr(KindCertsMalformed, format, args...)
}

func SourceGone(format string, args ...any) *Error {
	return newErr(KindSourceGone, format, args...)
}

func TooManyRequests(format string, args ...any) *Error {
	return newErr(KindTooManyRequests, format, args...)
}

// Internal wraps an unexpected error without leaking its text to the
// caller; the cause is kept on Err for logging only.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// StatusCode returns the HTTP status for any error: apierr.Error's own
// mapping if err wraps one, otherwise 500.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, or KindInternal if err does not
// wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the sanitized, caller-facing message for err: the
// wrapped *Error's Message field (never its wrapped cause, which
// Error() includes for logging), or a generic message if err does not
// wrap an *Error.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
