package echo

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pilab-dev/tenant-sso/domain"
	"github.com/pilab-dev/tenant-sso/grants/binding"
)

// OpenIDConfiguration represents the OpenID Connect discovery document.
//
//nolint:tagliatelle
type OpenIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	DPoPSigningAlgValuesSupported     []string `json:"dpop_signing_alg_values_supported,omitempty"`
	TLSClientCertificateBoundTokens   bool     `json:"tls_client_certificate_bound_access_tokens"`
	ResourceIndicatorsSupported       bool     `json:"resource_indicators_supported,omitempty"`
}

// OpenIDConfigurationHandler serves the discovery document of the tenant.
func (oa *OAuth2API) OpenIDConfigurationHandler(c echo.Context) error {
	base := strings.TrimRight(oa.deps.Issuer, "/")

	config := OpenIDConfiguration{
		Issuer:        oa.deps.Issuer,
		TokenEndpoint: base + "/token",
		JwksURI:       base + "/jwks",
		ScopesSupported: []string{
			domain.ScopeOpenID, "offline_access", "profile", "email", "phone", "address",
			domain.ScopeOrganizations,
		},
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{domain.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{
			domain.AuthMethodClientSecretBasic, domain.AuthMethodClientSecretPost, domain.AuthMethodNone,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "at_hash",
			"name", "given_name", "family_name", "picture", "email", "email_verified",
			"phone_number", "phone_number_verified", "address",
		},
		TLSClientCertificateBoundTokens: true,
		ResourceIndicatorsSupported:     oa.deps.ResourceIndicatorsEnabled,
	}
	if oa.deps.DPoP != nil {
		config.DPoPSigningAlgValuesSupported = binding.Algorithms()
	}

	c.Response().Header().Set("Cache-Control", "public, max-age=300")
	return c.JSON(http.StatusOK, config)
}
