package domain

import "context"

// Account is the identity tokens are issued for. Only read by the refresh grant.
//
//nolint:tagliatelle
type Account struct {
	ID            string         `bson:"_id"                      json:"id"`
	Claims        map[string]any `bson:"claims,omitempty"         json:"claims,omitempty"`
	MFAConfigured bool           `bson:"mfa_configured"           json:"mfa_configured"`
	Suspended     bool           `bson:"is_suspended,omitempty"   json:"is_suspended,omitempty"`
}

// AccountProvider resolves accounts and their claims.
type AccountProvider interface {
	// FindAccount returns ErrNotFound when the account does not exist.
	FindAccount(ctx context.Context, accountID string) (*Account, error)

	// Claims returns the claims of the account for a use ("id_token" or "userinfo") released by
	// scope, plus the individually requested claim names. The caller has already filtered
	// requested against the grant and still drops rejected claims from the result.
	Claims(ctx context.Context, account *Account, use string, scope Scopes, requested []string) (map[string]any, error)
}
