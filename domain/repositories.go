package domain

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by stores and providers when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyConsumed is returned by ConsumeRefreshToken when another request consumed the
	// token first.
	ErrAlreadyConsumed = errors.New("refresh token already consumed")
)

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	// FindRefreshToken looks a token up by its value without checking expiration.
	// Returns ErrNotFound if it does not exist.
	FindRefreshToken(ctx context.Context, value string) (*RefreshToken, error)

	// SaveRefreshToken inserts a new token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// ConsumeRefreshToken atomically flips the consumed flag from false to true.
	// Exactly one caller wins; every other caller gets ErrAlreadyConsumed.
	ConsumeRefreshToken(ctx context.Context, value string) error

	// DestroyRefreshToken removes a token. Removing a missing token is not an error.
	DestroyRefreshToken(ctx context.Context, value string) error
}

// AccessTokenStore persists access tokens.
type AccessTokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error
	FindAccessToken(ctx context.Context, value string) (*AccessToken, error)
}

// GrantStore reads grants and revokes them.
type GrantStore interface {
	// FindGrant looks a grant up without checking expiration. Returns ErrNotFound if missing.
	FindGrant(ctx context.Context, grantID string) (*Grant, error)

	// RevokeGrant destroys the grant and every refresh and access token issued under it.
	RevokeGrant(ctx context.Context, grantID string) error
}

// TokenStore is the persistence boundary of the refresh grant.
type TokenStore interface {
	RefreshTokenStore
	AccessTokenStore
	GrantStore
}

// ScopeResolver answers organization membership and role-scope questions.
type ScopeResolver interface {
	// IsMember reports whether the account is a current member of the organization.
	IsMember(ctx context.Context, organizationID, accountID string) (bool, error)

	// IsMFARequired reports whether the organization requires members to have MFA configured.
	IsMFARequired(ctx context.Context, organizationID string) (bool, error)

	// GetUserScopes returns the scope names the account holds in the organization through its
	// organization roles.
	GetUserScopes(ctx context.Context, organizationID, accountID string) ([]string, error)
}
