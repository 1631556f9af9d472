package domain

import (
	"context"
	"time"
)

// OrganizationAudiencePrefix prefixes the audience of organization tokens.
const OrganizationAudiencePrefix = "urn:tenant-sso:organization:"

// OrganizationAudience returns the audience of tokens issued for an organization.
func OrganizationAudience(organizationID string) string {
	return OrganizationAudiencePrefix + organizationID
}

// Access token serialization formats.
const (
	TokenFormatOpaque = "opaque"
	TokenFormatJWT    = "jwt"
)

// ResourceServer describes the API a resource indicator resolves to.
//
//nolint:tagliatelle
type ResourceServer struct {
	Indicator         string        `bson:"indicator"           json:"indicator"`
	Audience          string        `bson:"audience,omitempty"  json:"audience,omitempty"`
	Scope             string        `bson:"scope"               json:"scope"`
	AccessTokenFormat string        `bson:"access_token_format" json:"access_token_format"`
	AccessTokenTTL    time.Duration `bson:"access_token_ttl"    json:"access_token_ttl"`
}

// Scopes returns the scopes declared by the resource server.
func (r *ResourceServer) Scopes() Scopes {
	return ParseScopes(r.Scope)
}

// AudienceOrIndicator returns the audience, falling back to the indicator.
func (r *ResourceServer) AudienceOrIndicator() string {
	if r.Audience != "" {
		return r.Audience
	}
	return r.Indicator
}

// ResourceIndicatorResolver maps resource indicators to resource server descriptors.
type ResourceIndicatorResolver interface {
	// DefaultResource picks the resources to use when a token holds several and none was
	// requested. Returning more than one is treated as ambiguous by the caller.
	DefaultResource(ctx context.Context, client *Client, oneOf []string) ([]string, error)

	// GetResourceServerInfo returns the descriptor, or an invalid_target error when the
	// indicator is not registered or not available to the client.
	GetResourceServerInfo(ctx context.Context, indicator string, client *Client) (*ResourceServer, error)
}
