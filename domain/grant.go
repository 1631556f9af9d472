package domain

import (
	"slices"
	"time"
)

// ResourceGrant is the consented scope for one resource indicator.
type ResourceGrant struct {
	Indicator string `bson:"indicator" json:"indicator"`
	Scope     string `bson:"scope"     json:"scope"`
}

// Grant is the standing consent that binds a client, an account and the authorized
// resources/scopes across token generations. Read-only for the refresh grant.
//
//nolint:tagliatelle
type Grant struct {
	ID                 string          `bson:"_id"                            json:"id"`
	ClientID           string          `bson:"client_id"                      json:"client_id"`
	AccountID          string          `bson:"account_id"                     json:"account_id"`
	ExpiresAt          time.Time       `bson:"expires_at"                     json:"expires_at"`
	OpenIDScope        string          `bson:"openid_scope,omitempty"         json:"openid_scope,omitempty"`
	OpenIDClaims       []string        `bson:"openid_claims,omitempty"        json:"openid_claims,omitempty"`
	RejectedOIDCScope  string          `bson:"rejected_oidc_scope,omitempty"  json:"rejected_oidc_scope,omitempty"`
	RejectedOIDCClaims []string        `bson:"rejected_oidc_claims,omitempty" json:"rejected_oidc_claims,omitempty"`
	Resources          []ResourceGrant `bson:"resources,omitempty"            json:"resources,omitempty"`
}

// IsExpired reports whether the grant expired at now. A zero expiry never expires.
func (g *Grant) IsExpired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// OIDCScope returns the granted OpenID Connect scopes minus the rejected ones.
func (g *Grant) OIDCScope() Scopes {
	return ParseScopes(g.OpenIDScope).Difference(ParseScopes(g.RejectedOIDCScope))
}

// OIDCScopeFiltered keeps the members of scopes that were granted as OIDC scopes.
func (g *Grant) OIDCScopeFiltered(scopes Scopes) Scopes {
	return scopes.Intersect(g.OIDCScope())
}

// OIDCClaimsFiltered keeps the members of names that were granted as OIDC claims and not rejected.
func (g *Grant) OIDCClaimsFiltered(names []string) []string {
	var kept []string
	for _, name := range names {
		if slices.Contains(g.OpenIDClaims, name) && !slices.Contains(g.RejectedOIDCClaims, name) {
			kept = append(kept, name)
		}
	}
	return kept
}

// ResourceScope returns the scopes granted for a resource indicator.
func (g *Grant) ResourceScope(indicator string) Scopes {
	for _, r := range g.Resources {
		if r.Indicator == indicator {
			return ParseScopes(r.Scope)
		}
	}
	return Scopes{}
}

// ResourceScopeFiltered keeps the members of scopes that were granted for the indicator.
func (g *Grant) ResourceScopeFiltered(indicator string, scopes Scopes) Scopes {
	return scopes.Intersect(g.ResourceScope(indicator))
}
