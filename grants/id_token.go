package grants

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pilab-dev/tenant-sso/domain"
	"github.com/pilab-dev/tenant-sso/internal/metrics"
)

const claimsUseIDToken = "id_token"

// issueIDToken signs an ID token when the scope asks for openid and returns "" otherwise.
func (h *RefreshTokenHandler) issueIDToken(
	ctx context.Context,
	client *domain.Client,
	checked *checkedToken,
	current *domain.RefreshToken,
	at *domain.AccessToken,
	accessTokenValue string,
	now time.Time,
) (string, error) {
	if !checked.scope.Has(domain.ScopeOpenID) {
		return "", nil
	}

	scope := checked.grant.OIDCScopeFiltered(checked.scope)
	if h.cfg.ConformIDTokenClaims && h.cfg.UserinfoEnabled && at.Audience == "" {
		scope = domain.Scopes{domain.ScopeOpenID}
	}

	requested := checked.grant.OIDCClaimsFiltered(current.Claims.Names(claimsUseIDToken))

	accountClaims, err := h.accounts.Claims(ctx, checked.account, claimsUseIDToken, scope, requested)
	if err != nil {
		return "", fmt.Errorf("failed to load account claims: %w", err)
	}

	claims := jwt.MapClaims{}
	for name, value := range accountClaims {
		if slices.Contains(checked.grant.RejectedOIDCClaims, name) {
			continue
		}
		claims[name] = value
	}

	claims["sub"] = checked.account.ID
	claims["iss"] = h.cfg.Issuer
	claims["aud"] = client.ID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(h.cfg.IDTokenTTL).Unix()
	claims["at_hash"] = tokenHash(accessTokenValue)

	if current.ACR != "" {
		claims["acr"] = current.ACR
	}
	if len(current.AMR) > 0 {
		claims["amr"] = current.AMR
	}
	if current.AuthTime != 0 {
		claims["auth_time"] = current.AuthTime
	}
	if current.Nonce != "" {
		claims["nonce"] = current.Nonce
	}
	if current.SID != "" {
		claims["sid"] = current.SID
	}

	signed, err := h.signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	metrics.TokensIssuedTotal.WithLabelValues("id_token").Inc()

	return signed, nil
}

// tokenHash is the left half of the SHA-256 digest of value, base64url encoded. ID tokens are
// signed with RS256, so SHA-256 is the matching hash.
func tokenHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
