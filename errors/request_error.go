package errors

import (
	"fmt"
	"net/http"
)

// Request error codes. Messages live in the phrase tables under the same keys.
const (
	CodeAuthorizationHeaderMissing = "auth.authorization_header_missing"
	CodeTokenTypeNotSupported      = "auth.authorization_token_type_not_supported"
	CodeUnauthorized               = "auth.unauthorized"
	CodeForbidden                  = "auth.forbidden"
	CodeJWTSubMissing              = "auth.jwt_sub_missing"
	CodeEntityNotFound             = "entity.not_found"
)

// RequestError is raised by our own handlers. It passes through the error handler unchanged:
// the status is used as-is and the body carries the code, the localized message and Data.
type RequestError struct {
	Code   string
	Status int
	Data   any
	// Cause is kept for server-side logs and telemetry only.
	Cause error
}

// NewRequestError builds a RequestError, defaulting the status to 400.
func NewRequestError(code string, status int) *RequestError {
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &RequestError{Code: code, Status: status}
}

// WithCause returns a copy of the error carrying cause.
func (e *RequestError) WithCause(cause error) *RequestError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *RequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%d): %v", e.Code, e.Status, e.Cause)
	}
	return fmt.Sprintf("%s (%d)", e.Code, e.Status)
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// Bearer authentication family.
var (
	ErrMissingToken = NewRequestError(CodeAuthorizationHeaderMissing, http.StatusUnauthorized)
	ErrTokenType    = NewRequestError(CodeTokenTypeNotSupported, http.StatusUnauthorized)
	ErrUnauthorized = NewRequestError(CodeUnauthorized, http.StatusUnauthorized)
	ErrSubMissing   = NewRequestError(CodeJWTSubMissing, http.StatusUnauthorized)
	ErrForbidden    = NewRequestError(CodeForbidden, http.StatusForbidden)
)
