package grants

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
	"github.com/pilab-dev/tenant-sso/internal/metrics"
)

// issueAccessToken builds, serializes and saves the access token. Organization tokens are issued
// when an organization was resolved and no resource was requested; otherwise the token targets
// the resolved resource server or, without one, the userinfo endpoint.
func (h *RefreshTokenHandler) issueAccessToken(
	ctx context.Context,
	req *Request,
	checked *checkedToken,
	current *domain.RefreshToken,
	organizationID string,
	bound tokenBinding,
	now time.Time,
) (*domain.AccessToken, string, error) {
	id, err := newTokenValue()
	if err != nil {
		return nil, "", err
	}

	at := &domain.AccessToken{
		ID:                 id,
		AccountID:          checked.account.ID,
		ClientID:           req.Client.ID,
		GrantID:            current.GrantID,
		SessionUID:         current.SessionUID,
		SID:                current.SID,
		ExpiresWithSession: current.ExpiresWithSession,
		GrantType:          domain.AppendGrantType(current.GrantType),
		IssuedAt:           now,
		JKT:                bound.jkt,
		CertThumbprint:     bound.x5t,
	}

	ttl := h.cfg.AccessTokenTTL
	kind := "access_token"

	if organizationID != "" && len(req.Resource) == 0 {
		available, err := h.orgs.GetUserScopes(ctx, organizationID, checked.account.ID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve organization scopes: %w", err)
		}
		bindOrganization(at, organizationID, checked.scope, available, h.cfg.OrganizationTokenTTL)
		ttl = h.cfg.OrganizationTokenTTL
		kind = "organization_token"
	} else {
		resource, err := h.resolveResource(ctx, req, current, checked.scope)
		if err != nil {
			return nil, "", err
		}

		if resource != "" {
			server, err := h.resources.GetResourceServerInfo(ctx, resource, req.Client)
			if err != nil {
				var oauthErr *serrors.OAuth2Error
				if errors.As(err, &oauthErr) {
					return nil, "", oauthErr
				}
				return nil, "", fmt.Errorf("failed to resolve resource server %s: %w", resource, err)
			}
			at.ResourceServer = server
			at.Audience = server.AudienceOrIndicator()
			at.Scope = checked.grant.ResourceScopeFiltered(resource, checked.scope.Intersect(server.Scopes())).String()
			if server.AccessTokenTTL > 0 {
				ttl = server.AccessTokenTTL
			}
		} else {
			at.Claims = current.Claims
			at.Scope = checked.grant.OIDCScopeFiltered(checked.scope).String()
		}
	}

	at.ExpiresAt = now.Add(ttl)

	value, err := h.serializeAccessToken(at)
	if err != nil {
		return nil, "", err
	}
	if err := h.store.SaveAccessToken(ctx, at); err != nil {
		return nil, "", fmt.Errorf("failed to save access token: %w", err)
	}
	metrics.TokensIssuedTotal.WithLabelValues(kind).Inc()

	return at, value, nil
}

// bindOrganization turns at into an organization token. Its scope is the requested scope
// narrowed to the scopes the account holds in the organization.
func bindOrganization(at *domain.AccessToken, organizationID string, scope domain.Scopes, available []string, ttl time.Duration) {
	audience := domain.OrganizationAudience(organizationID)
	at.Audience = audience
	at.OrganizationID = organizationID
	at.ResourceServer = &domain.ResourceServer{
		Indicator:         audience,
		Audience:          audience,
		Scope:             strings.Join(available, " "),
		AccessTokenFormat: domain.TokenFormatJWT,
		AccessTokenTTL:    ttl,
	}
	at.Scope = scope.Intersect(domain.Scopes(available)).String()
}

// resolveResource picks the single resource indicator the access token targets, or "" for none.
func (h *RefreshTokenHandler) resolveResource(
	ctx context.Context,
	req *Request,
	token *domain.RefreshToken,
	scope domain.Scopes,
) (string, error) {
	if !h.cfg.ResourceIndicatorsEnabled {
		return "", nil
	}

	var resolved []string
	switch {
	case len(req.Resource) > 0:
		if len(token.Resource) > 0 {
			for _, r := range req.Resource {
				if !slices.Contains(token.Resource, r) {
					return "", serrors.NewInvalidTarget("resource indicator is missing, or unknown")
				}
			}
		}
		resolved = req.Resource
	case len(token.Resource) == 0:
	case h.cfg.UserinfoEnabled && scope.Has(domain.ScopeOpenID):
	case len(token.Resource) == 1:
		resolved = token.Resource
	default:
		var err error
		resolved, err = h.resources.DefaultResource(ctx, req.Client, token.Resource)
		if err != nil {
			return "", fmt.Errorf("failed to resolve default resource: %w", err)
		}
	}

	switch len(resolved) {
	case 0:
		return "", nil
	case 1:
		return resolved[0], nil
	default:
		return "", serrors.NewInvalidTarget("only a single resource indicator value must be requested/resolved during Access Token Request")
	}
}

// serializeAccessToken returns the opaque handle or, for JWT resource servers, the signed token.
func (h *RefreshTokenHandler) serializeAccessToken(at *domain.AccessToken) (string, error) {
	if !at.IsJWT() {
		return at.ID, nil
	}

	claims := jwt.MapClaims{
		"jti":       at.ID,
		"sub":       at.AccountID,
		"iss":       h.cfg.Issuer,
		"aud":       at.Audience,
		"iat":       at.IssuedAt.Unix(),
		"exp":       at.ExpiresAt.Unix(),
		"client_id": at.ClientID,
	}
	if at.Scope != "" {
		claims["scope"] = at.Scope
	}
	if at.OrganizationID != "" {
		claims["organization_id"] = at.OrganizationID
	}

	cnf := map[string]any{}
	if at.JKT != "" {
		cnf["jkt"] = at.JKT
	}
	if at.CertThumbprint != "" {
		cnf["x5t#S256"] = at.CertThumbprint
	}
	if len(cnf) > 0 {
		claims["cnf"] = cnf
	}

	signed, err := h.signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}
