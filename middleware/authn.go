package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
	"github.com/pilab-dev/tenant-sso/internal/metrics"
	"github.com/pilab-dev/tenant-sso/keys"
	"github.com/pilab-dev/tenant-sso/tracing"
)

var validMethods = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "ES512", "EdDSA"}

// VerificationMaterial is the key set and the accepted issuers bearer tokens are verified with.
type VerificationMaterial struct {
	Keys    jwk.Set
	Issuers []string
}

// ResolveVerificationMaterial assembles the verification material of a tenant. The
// administrative tenant trusts its own keys only. Every other tenant also trusts the keys and
// issuer of the administrative tenant, which signs cross-tenant management tokens.
func ResolveVerificationMaterial(
	ctx context.Context,
	tenantID, adminTenantID string,
	own, admin keys.Provider,
) (*VerificationMaterial, error) {
	ownMaterial, err := own.Material(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load own key material: %w", err)
	}

	if tenantID == adminTenantID || admin == nil {
		return &VerificationMaterial{Keys: ownMaterial.Keys, Issuers: []string{ownMaterial.Issuer}}, nil
	}

	adminMaterial, err := admin.Material(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, err)
	}

	union := jwk.NewSet()
	for _, set := range []jwk.Set{ownMaterial.Keys, adminMaterial.Keys} {
		for i := range set.Len() {
			key, ok := set.Key(i)
			if !ok {
				continue
			}
			if err := union.AddKey(key); err != nil {
				return nil, fmt.Errorf("failed to merge key sets: %w", err)
			}
		}
	}

	issuers := []string{ownMaterial.Issuer}
	if adminMaterial.Issuer != "" && adminMaterial.Issuer != ownMaterial.Issuer {
		issuers = append(issuers, adminMaterial.Issuer)
	}

	return &VerificationMaterial{Keys: union, Issuers: issuers}, nil
}

// Authenticator verifies management API bearer tokens.
type Authenticator struct {
	cfg   AuthConfig
	own   keys.Provider
	admin keys.Provider
	now   func() time.Time
}

// NewAuthenticator creates an Authenticator. admin may be nil on the administrative tenant.
func NewAuthenticator(cfg AuthConfig, own, admin keys.Provider) *Authenticator {
	return &Authenticator{
		cfg:   cfg,
		own:   own,
		admin: admin,
		now:   time.Now,
	}
}

// extractBearerToken returns the token of an "Authorization: Bearer <token>" header.
func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return "", serrors.ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", serrors.ErrTokenType
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", serrors.ErrMissingToken
	}
	return token, nil
}

func keyFunc(set jwk.Set) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("token header has no kid")
		}
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in key set", kid)
		}

		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return raw, nil
	}
}

// Verify authenticates the request for audience and returns the caller's authorization context.
// Invalid credentials yield *errors.RequestError values; failures to load the administrative key
// set are returned wrapped in ErrKeySetUnavailable.
func (a *Authenticator) Verify(ctx context.Context, r *http.Request, audience string) (*domain.AuthContext, error) {
	if a.cfg.bypassAllowed() {
		userID := r.Header.Get(DevelopmentUserIDHeader)
		if userID == "" {
			userID = a.cfg.DevelopmentUserID
		}
		if userID != "" {
			if !a.cfg.IntegrationTest {
				log.Ctx(ctx).Warn().Str("user_id", userID).Msg("Found development user ID, skipping token validation")
			}
			return domain.NewAuthContext(userID, "", a.cfg.bypassScopes()), nil
		}
	}

	raw, err := extractBearerToken(r)
	if err != nil {
		return nil, err
	}

	material, err := ResolveVerificationMaterial(ctx, a.cfg.TenantID, a.cfg.AdminTenantID, a.own, a.admin)
	if err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			return nil, err
		}
		return nil, serrors.ErrUnauthorized.WithCause(err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(validMethods),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, keyFunc(material.Keys), opts...); err != nil {
		return nil, serrors.ErrUnauthorized.WithCause(err)
	}

	issuer, _ := claims.GetIssuer()
	if !slices.Contains(material.Issuers, issuer) {
		return nil, serrors.ErrUnauthorized.WithCause(fmt.Errorf("unexpected issuer %q", issuer))
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, serrors.ErrSubMissing
	}

	clientID, _ := claims["client_id"].(string)
	var scope string
	if v, ok := claims["scope"]; ok {
		if scope, ok = v.(string); !ok {
			return nil, serrors.ErrUnauthorized.WithCause(errors.New("scope claim is not a string"))
		}
	}

	return domain.NewAuthContext(sub, clientID, strings.Fields(scope)), nil
}

// Middleware authenticates management API requests for audience, requires the "all" scope and
// attaches the authorization context to the request context.
func (a *Authenticator) Middleware(audience string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, span := tracing.Tracer.Start(req.Context(), "middleware.BearerAuth")
			defer span.End()

			auth, err := a.Verify(ctx, req, audience)
			if err != nil {
				span.RecordError(err)
				metrics.BearerAuthFailuresTotal.WithLabelValues(failureCode(err)).Inc()
				return err
			}

			if err := Authorize(auth, domain.ScopeAll); err != nil {
				metrics.BearerAuthFailuresTotal.WithLabelValues(serrors.CodeForbidden).Inc()
				return err
			}

			c.SetRequest(req.WithContext(domain.WithAuthContext(req.Context(), auth)))
			return next(c)
		}
	}
}

func failureCode(err error) string {
	var reqErr *serrors.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code
	}
	if errors.Is(err, ErrKeySetUnavailable) {
		return "key_set_unavailable"
	}
	return "internal"
}
