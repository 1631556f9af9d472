//nolint:varnamelen
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/pilab-dev/tenant-sso/domain"
	"github.com/pilab-dev/tenant-sso/grants"
	"github.com/pilab-dev/tenant-sso/grants/binding"
	"github.com/pilab-dev/tenant-sso/internal/auth"
	"github.com/pilab-dev/tenant-sso/middleware"
)

// RefreshGrant runs the refresh_token grant.
type RefreshGrant interface {
	Handle(ctx context.Context, req *grants.Request) (*grants.Response, error)
}

// KeySet publishes the tenant's public signing keys.
type KeySet interface {
	PublicKeys() (jwk.Set, error)
}

// Dependencies of the OAuth2 API.
type Dependencies struct {
	// Issuer is published in the discovery document and prefixes its endpoint URLs.
	Issuer string

	Grant   RefreshGrant
	Clients domain.ClientStore
	Secrets auth.SecretVerifier
	Keys    KeySet
	Grants  domain.GrantStore

	// DPoP validates DPoP proofs. Nil disables DPoP.
	DPoP *binding.ProofValidator
	// ResourceIndicatorsEnabled accepts the resource parameter.
	ResourceIndicatorsEnabled bool

	// Authenticator guards the management API issued for ManagementAudience.
	Authenticator      *middleware.Authenticator
	ManagementAudience string

	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// OAuth2API struct to hold dependencies.
type OAuth2API struct {
	deps Dependencies
}

// NewOAuth2API initializes the OAuth2 API.
func NewOAuth2API(deps Dependencies) *OAuth2API {
	return &OAuth2API{deps: deps}
}

// RegisterRoutes registers discovery, the token endpoint, the key set, metrics and the management
// API.
func (oa *OAuth2API) RegisterRoutes(e *echo.Echo) {
	e.GET("/.well-known/openid-configuration", oa.OpenIDConfigurationHandler)
	e.POST("/oidc/token", oa.TokenHandler)
	e.GET("/oidc/jwks", oa.JWKSHandler)

	if oa.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(oa.deps.Metrics))
	}

	if oa.deps.Authenticator != nil {
		api := e.Group("/api", oa.deps.Authenticator.Middleware(oa.deps.ManagementAudience))
		api.GET("/me", oa.MeHandler)
		api.DELETE("/grants/:id", oa.RevokeGrantHandler)
	}
}

// JWKSHandler publishes the public key set of the tenant.
func (oa *OAuth2API) JWKSHandler(c echo.Context) error {
	set, err := oa.deps.Keys.PublicKeys()
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/jwk-set+json")
	c.Response().Header().Set("Cache-Control", "public, max-age=300")
	return c.JSON(http.StatusOK, set)
}
