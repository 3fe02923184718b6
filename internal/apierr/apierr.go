// Package apierr defines the error taxonomy of §7 of the specification and
// the single place that maps it onto the HTTP surface of §6.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind is a closed set of error categories. Every error that crosses a
// component boundary in Artifortress carries one of these.
type Kind int

const (
	// KindUnknown should never be surfaced; its presence is a bug.
	KindUnknown Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindRangeInvalid
	KindLocked
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRangeInvalid:
		return "range_invalid"
	case KindLocked:
		return "locked"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a Kind onto the status codes fixed by §6/§7.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRangeInvalid:
		return http.StatusRequestedRangeNotSatisfiable
	case KindLocked:
		return http.StatusLocked
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured, user-visible failure described in §7: a
// machine-readable code, a message, and optional verification details.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string

	// Verification failure details (upload commit digest/length mismatch).
	ExpectedDigest string
	ActualDigest   string
	ExpectedLength int64
	ActualLength   int64
	HasVerification bool

	cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation builds a 400 with the offending field named.
func Validation(field, message string) *Error {
	e := newErr(KindValidation, "validation_failed", message)
	e.Field = field
	return e
}

// Unauthenticated builds a 401.
func Unauthenticated(message string) *Error {
	return newErr(KindUnauthenticated, "unauthenticated", message)
}

// Forbidden builds a 403.
func Forbidden(message string) *Error {
	return newErr(KindForbidden, "forbidden", message)
}

// NotFound builds a disambiguated 404 ("repo", "version", "upload", ...).
func NotFound(resource, message string) *Error {
	return newErr(KindNotFound, resource+"_not_found", message)
}

// Conflict builds a 409 with a machine code describing the guard that failed.
func Conflict(code, message string) *Error {
	return newErr(KindConflict, code, message)
}

// RangeInvalid builds a 416.
func RangeInvalid(message string) *Error {
	return newErr(KindRangeInvalid, "range_invalid", message)
}

// Locked builds a 423 (quarantined blob read).
func Locked(code, message string) *Error {
	return newErr(KindLocked, code, message)
}

// Unavailable builds a 503 (transient store failure, policy timeout, ...).
func Unavailable(code, message string) *Error {
	return newErr(KindUnavailable, code, message)
}

// Wrap attaches cause as the error's unwrap target, preserving Kind/Code.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// VerificationFailure builds the 409 "upload_verification_failed" error
// carrying expected vs. actual digest/length, per §7.
func VerificationFailure(expectedDigest, actualDigest string, expectedLength, actualLength int64) *Error {
	e := Conflict("upload_verification_failed", "uploaded content did not match expected digest/length")
	e.HasVerification = true
	e.ExpectedDigest = expectedDigest
	e.ActualDigest = actualDigest
	e.ExpectedLength = expectedLength
	e.ActualLength = actualLength
	return e
}

// As extracts an *Error from a chain, mirroring errors.As without importing
// it for this single case (kept free of generic constraints).
func As(err error) (*Error, bool) {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			return ae, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
