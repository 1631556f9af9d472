package domain

import (
	"context"
	"slices"
	"time"
)

// ClientType defines the type of client application. Confidential or Public
type ClientType string

const (
	// ClientTypeConfidential clients can securely store secrets
	ClientTypeConfidential ClientType = "confidential"
	// ClientTypePublic clients cannot securely store secrets (mobile apps, SPAs)
	ClientTypePublic ClientType = "public"
)

// Token endpoint authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// ClientStore is the client registry consumed by the token endpoint.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrNotFound if it does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// Client represents an OAuth2 client application
//
//nolint:tagliatelle
type Client struct {
	ID                string     `bson:"_id"                                 json:"client_id"`
	SecretHash        string     `bson:"client_secret_hash,omitempty"        json:"-"`
	Type              ClientType `bson:"client_type"                         json:"type,omitempty"`
	Name              string     `bson:"client_name"                         json:"name,omitempty"`
	AllowedGrantTypes []string   `bson:"allowed_grant_types"                 json:"allowed_grant_types,omitempty"`
	TokenEndpointAuth string     `bson:"token_endpoint_auth_method"          json:"token_endpoint_auth_method,omitempty"`

	// TLSClientCertificateBoundAccessTokens requires every access token to be bound to the
	// client certificate presented at the token endpoint.
	TLSClientCertificateBoundAccessTokens bool `bson:"tls_client_certificate_bound_access_tokens" json:"tls_client_certificate_bound_access_tokens,omitempty"`

	// DPoPBoundAccessTokens requires a DPoP proof on every token request.
	DPoPBoundAccessTokens bool `bson:"dpop_bound_access_tokens" json:"dpop_bound_access_tokens,omitempty"`

	// RotateRefreshToken overrides the provider-wide rotation setting when set.
	RotateRefreshToken *bool `bson:"rotate_refresh_token,omitempty" json:"rotate_refresh_token,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at,omitempty"`
	IsActive  bool      `bson:"is_active"  json:"is_active,omitempty"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic || c.TokenEndpointAuth == AuthMethodNone
}

// AllowsGrantType reports whether grantType is registered for the client.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}
