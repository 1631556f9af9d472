package domain

import (
	"sort"
	"strings"
	"time"
)

// GrantTypeRefreshToken is appended to the grant type history of tokens minted by a refresh.
const GrantTypeRefreshToken = "refresh_token"

// ClaimsRequest is the OIDC "claims" request parameter, keyed by use ("id_token", "userinfo").
type ClaimsRequest map[string]map[string]any

// Names returns the sorted claim names requested for a use.
func (r ClaimsRequest) Names(use string) []string {
	names := make([]string, 0, len(r[use]))
	for name := range r[use] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RefreshToken is a long-lived credential bound to exactly one client and one account.
// Once Consumed is set the record is never mutated again.
//
//nolint:tagliatelle
type RefreshToken struct {
	ID                 string        `bson:"_id"                        json:"id"`
	ClientID           string        `bson:"client_id"                  json:"client_id"`
	AccountID          string        `bson:"account_id"                 json:"account_id"`
	GrantID            string        `bson:"grant_id"                   json:"grant_id"`
	SessionUID         string        `bson:"session_uid,omitempty"      json:"session_uid,omitempty"`
	SID                string        `bson:"sid,omitempty"              json:"sid,omitempty"`
	Scope              string        `bson:"scope"                      json:"scope"`
	Resource           []string      `bson:"resource,omitempty"         json:"resource,omitempty"`
	AuthTime           int64         `bson:"auth_time,omitempty"        json:"auth_time,omitempty"`
	ACR                string        `bson:"acr,omitempty"              json:"acr,omitempty"`
	AMR                []string      `bson:"amr,omitempty"              json:"amr,omitempty"`
	Nonce              string        `bson:"nonce,omitempty"            json:"nonce,omitempty"`
	Claims             ClaimsRequest `bson:"claims,omitempty"           json:"claims,omitempty"`
	ExpiresWithSession bool          `bson:"expires_with_session"       json:"expires_with_session"`
	IIAT               time.Time     `bson:"iiat"                       json:"iiat"` // issued-at of the first token in the chain
	IssuedAt           time.Time     `bson:"issued_at"                  json:"issued_at"`
	ExpiresAt          time.Time     `bson:"expires_at"                 json:"expires_at"`
	Consumed           bool          `bson:"consumed"                   json:"consumed"`
	Rotations          int           `bson:"rotations"                  json:"rotations"`
	GrantType          string        `bson:"gty,omitempty"              json:"gty,omitempty"`
	CertThumbprint     string        `bson:"x5t_s256,omitempty"         json:"x5t#S256,omitempty"`
	JKT                string        `bson:"jkt,omitempty"              json:"jkt,omitempty"`
}

// Scopes returns the granted scope set.
func (t *RefreshToken) Scopes() Scopes {
	return ParseScopes(t.Scope)
}

// IsExpired reports whether the token expired at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// AccessToken is a short-lived credential minted by a successful refresh. Immutable once saved.
//
//nolint:tagliatelle
type AccessToken struct {
	ID                 string          `bson:"_id"                     json:"id"`
	AccountID          string          `bson:"account_id"              json:"account_id"`
	ClientID           string          `bson:"client_id"               json:"client_id"`
	GrantID            string          `bson:"grant_id"                json:"grant_id"`
	SessionUID         string          `bson:"session_uid,omitempty"   json:"session_uid,omitempty"`
	SID                string          `bson:"sid,omitempty"           json:"sid,omitempty"`
	Scope              string          `bson:"scope"                   json:"scope"`
	Audience           string          `bson:"aud,omitempty"           json:"aud,omitempty"`
	ResourceServer     *ResourceServer `bson:"resource_server,omitempty" json:"resource_server,omitempty"`
	OrganizationID     string          `bson:"organization_id,omitempty" json:"organization_id,omitempty"`
	Claims             ClaimsRequest   `bson:"claims,omitempty"        json:"claims,omitempty"`
	ExpiresWithSession bool            `bson:"expires_with_session"    json:"expires_with_session"`
	GrantType          string          `bson:"gty,omitempty"           json:"gty,omitempty"`
	IssuedAt           time.Time       `bson:"issued_at"               json:"issued_at"`
	ExpiresAt          time.Time       `bson:"expires_at"              json:"expires_at"`
	CertThumbprint     string          `bson:"x5t_s256,omitempty"      json:"x5t#S256,omitempty"`
	JKT                string          `bson:"jkt,omitempty"           json:"jkt,omitempty"`
}

// TokenType is the token_type value of the token response.
func (t *AccessToken) TokenType() string {
	if t.JKT != "" {
		return "DPoP"
	}
	return "Bearer"
}

// ExpiresIn returns the lifetime in whole seconds relative to IssuedAt.
func (t *AccessToken) ExpiresIn() int {
	return int(t.ExpiresAt.Sub(t.IssuedAt).Seconds())
}

// IsJWT reports whether the token is serialized as a signed JWT rather than an opaque handle.
func (t *AccessToken) IsJWT() bool {
	return t.ResourceServer != nil && t.ResourceServer.AccessTokenFormat == TokenFormatJWT
}

// AppendGrantType appends the refresh_token grant name to a non-empty history unless the
// history already ends with it.
func AppendGrantType(history string) string {
	if history == "" || strings.HasSuffix(history, GrantTypeRefreshToken) {
		return history
	}
	return history + " " + GrantTypeRefreshToken
}
