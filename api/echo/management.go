package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
	"github.com/pilab-dev/tenant-sso/internal/audit"
	"github.com/pilab-dev/tenant-sso/middleware"
)

// MeResponse describes the authenticated caller.
type MeResponse struct {
	Type   domain.ActorType `json:"type"`
	ID     string           `json:"id"`
	Scopes []string         `json:"scopes"`
}

// MeHandler returns the authorization context of the caller.
func (oa *OAuth2API) MeHandler(c echo.Context) error {
	auth, ok := middleware.AuthFrom(c)
	if !ok {
		return serrors.ErrUnauthorized
	}
	return c.JSON(http.StatusOK, MeResponse{
		Type:   auth.Type,
		ID:     auth.ID,
		Scopes: auth.ScopeList(),
	})
}

// RevokeGrantHandler revokes a grant together with every token issued under it.
func (oa *OAuth2API) RevokeGrantHandler(c echo.Context) error {
	auth, ok := middleware.AuthFrom(c)
	if !ok {
		return serrors.ErrUnauthorized
	}

	ctx := c.Request().Context()
	grantID := c.Param("id")

	grant, err := oa.deps.Grants.FindGrant(ctx, grantID)
	if errors.Is(err, domain.ErrNotFound) {
		return &serrors.RequestError{
			Code:   serrors.CodeEntityNotFound,
			Status: http.StatusNotFound,
			Data:   map[string]string{"id": grantID},
		}
	}
	if err != nil {
		return fmt.Errorf("failed to find grant: %w", err)
	}

	err = oa.deps.Grants.RevokeGrant(ctx, grantID)
	audit.Log(ctx, audit.Event{
		Action:   audit.ActionGrantRevoke,
		Actor:    auth.ID,
		ClientID: grant.ClientID,
		Target:   grantID,
		Success:  err == nil,
		Err:      err,
	})
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	return c.NoContent(http.StatusNoContent)
}
