package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
)

// Authorize fails with a 403 auth.forbidden error unless auth holds every required scope.
func Authorize(auth *domain.AuthContext, required ...string) error {
	if auth == nil {
		return serrors.ErrUnauthorized
	}
	for _, scope := range required {
		if !auth.HasScope(scope) {
			return serrors.ErrForbidden
		}
	}
	return nil
}

// AuthFrom returns the authorization context attached by Authenticator.Middleware.
func AuthFrom(c echo.Context) (*domain.AuthContext, bool) {
	return domain.AuthContextFrom(c.Request().Context())
}
