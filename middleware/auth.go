// Package middleware holds the echo middleware of the management API and the HTTP error handler.
package middleware

import (
	"errors"
	"slices"

	"github.com/pilab-dev/tenant-sso/domain"
)

// DevelopmentUserIDHeader names the header that selects the development user outside production.
const DevelopmentUserIDHeader = "development-user-id"

// ErrKeySetUnavailable wraps failures to load the administrative tenant's key set. It marks
// verification infrastructure problems, as opposed to invalid credentials.
var ErrKeySetUnavailable = errors.New("verification key set unavailable")

// AuthConfig configures bearer authentication. It is built from the loaded configuration;
// the middleware never reads process state on its own.
type AuthConfig struct {
	// Production disables the development bypass unless IntegrationTest is also set.
	Production      bool
	IntegrationTest bool
	// DevelopmentUserID is used when no development-user-id header is present.
	DevelopmentUserID string

	TenantID      string
	AdminTenantID string

	// BypassScopes are granted to development users. "all" is always included.
	BypassScopes []string
}

func (c AuthConfig) bypassScopes() []string {
	if slices.Contains(c.BypassScopes, domain.ScopeAll) {
		return c.BypassScopes
	}
	return append([]string{domain.ScopeAll}, c.BypassScopes...)
}

// bypassAllowed reports whether the development bypass may be used at all.
func (c AuthConfig) bypassAllowed() bool {
	return !c.Production || c.IntegrationTest
}
