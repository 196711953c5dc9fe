// Package apperr defines the service error taxonomy and its HTTP mapping.
// Only the HTTP boundary converts codes to status codes; everything below it
// passes *Error values around.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error class.
type Code string

const (
	CodeBadInput            Code = "bad_input"
	CodeUnauthenticated     Code = "unauthenticated"
	CodeAccessDenied        Code = "access_denied"
	CodeNotFound            Code = "not_found"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeStoreUnavailable    Code = "store_unavailable"
	CodeProjectionFailed    Code = "projection_failed"
	CodeInternal            Code = "internal"
)

// Error carries a taxonomy code and a human-readable detail. Detail must not
// contain tokens, embeddings, or raw provider errors.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so callers can compare against sentinel errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with the given code and detail.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf creates an error with a formatted detail.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause without leaking it into the user-visible detail.
func Wrap(code Code, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, cause: cause}
}

func BadInput(detail string) *Error     { return New(CodeBadInput, detail) }
func NotFound(detail string) *Error     { return New(CodeNotFound, detail) }
func Internal(detail string) *Error     { return New(CodeInternal, detail) }
func AccessDenied(detail string) *Error { return New(CodeAccessDenied, detail) }

// Unauthenticated is the 401-class error for token failures.
func Unauthenticated(detail string) *Error { return New(CodeUnauthenticated, detail) }

// AccessDeniedForMemory formats the contractual ownership-violation detail.
func AccessDeniedForMemory(memoryID, userID string) *Error {
	return Newf(CodeAccessDenied, "Access denied: Memory %s does not belong to user %s", memoryID, userID)
}

// CodeOf extracts the taxonomy code, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code onto its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeBadInput:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeProviderUnavailable:
		return http.StatusBadGateway
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// envelope is the wire shape of every error response.
type envelope struct {
	Detail string `json:"detail"`
}

// WriteHTTP emits the {"detail": ...} envelope with the mapped status.
// Non-taxonomy errors become opaque 500s.
func WriteHTTP(w http.ResponseWriter, err error) {
	detail := "internal server error"
	code := CodeInternal
	var e *Error
	if errors.As(err, &e) {
		detail = e.Detail
		code = e.Code
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", string(code))
	w.WriteHeader(HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(envelope{Detail: detail})
}
