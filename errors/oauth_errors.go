package errors

import (
	"fmt"
	"net/http"
)

// OAuth2Error represents a standardized OAuth 2.0 error raised by the protocol layer.
// StatusCode and Expose are not part of the wire body; the error handler uses them to decide
// the HTTP status and whether the description may leave the server.
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	// Scope names the scopes involved in invalid_scope and insufficient_scope errors.
	Scope string `json:"scope,omitempty"`

	StatusCode int  `json:"-"`
	Expose     bool `json:"-"`
}

func (e *OAuth2Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Status returns the HTTP status, defaulting to 500.
func (e *OAuth2Error) Status() int {
	if e.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.StatusCode
}

// Standard OAuth2 error codes
const (
	InvalidRequest       = "invalid_request"
	UnauthorizedClient   = "unauthorized_client"
	AccessDenied         = "access_denied"
	UnsupportedGrantType = "unsupported_grant_type"
	InvalidScope         = "invalid_scope"
	InsufficientScope    = "insufficient_scope"
	InvalidClient        = "invalid_client"
	InvalidGrant         = "invalid_grant"
	InvalidTarget        = "invalid_target"
	InvalidDPoPProof     = "invalid_dpop_proof"
	ServerError          = "server_error"
)

func newExposed(code string, status int, description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        code,
		Description: description,
		StatusCode:  status,
		Expose:      true,
	}
}

// Common error constructors
func NewInvalidRequest(description string) *OAuth2Error {
	return newExposed(InvalidRequest, http.StatusBadRequest, description)
}

func NewInvalidClient(description string) *OAuth2Error {
	return newExposed(InvalidClient, http.StatusUnauthorized, description)
}

func NewInvalidGrant(description string) *OAuth2Error {
	return newExposed(InvalidGrant, http.StatusBadRequest, description)
}

// NewInvalidScope reports requested scopes the grant does not cover. scope lists them.
func NewInvalidScope(description, scope string) *OAuth2Error {
	e := newExposed(InvalidScope, http.StatusBadRequest, description)
	e.Scope = scope
	return e
}

// NewInsufficientScope reports a capability scope the credential lacks.
func NewInsufficientScope(description, scope string) *OAuth2Error {
	e := newExposed(InsufficientScope, http.StatusForbidden, description)
	e.Scope = scope
	return e
}

func NewAccessDenied(description string) *OAuth2Error {
	return newExposed(AccessDenied, http.StatusForbidden, description)
}

func NewInvalidTarget(description string) *OAuth2Error {
	return newExposed(InvalidTarget, http.StatusBadRequest, description)
}

func NewInvalidDPoPProof(description string) *OAuth2Error {
	return newExposed(InvalidDPoPProof, http.StatusBadRequest, description)
}

func NewUnauthorizedClient(description string) *OAuth2Error {
	return newExposed(UnauthorizedClient, http.StatusBadRequest, description)
}

func NewUnsupportedGrantType() *OAuth2Error {
	return newExposed(UnsupportedGrantType, http.StatusBadRequest, "unsupported grant_type requested")
}

// NewServerError is never exposed; clients see the generic server_error body.
func NewServerError(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        ServerError,
		Description: description,
		StatusCode:  http.StatusInternalServerError,
	}
}
