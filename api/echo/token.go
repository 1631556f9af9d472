package echo

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
	"github.com/pilab-dev/tenant-sso/grants"
	"github.com/pilab-dev/tenant-sso/grants/binding"
)

const dpopHeader = "DPoP"

// TokenHandler handles OAuth2 token requests. Only the refresh_token grant is served here.
// Every failure is returned to the error handler, which renders the OAuth error body.
func (oa *OAuth2API) TokenHandler(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")

	form, err := c.FormParams()
	if err != nil {
		return serrors.NewInvalidRequest("failed to parse request body")
	}

	grantType := form.Get("grant_type")
	if grantType == "" {
		return serrors.NewInvalidRequest("missing required parameter(s) (grant_type)")
	}
	if grantType != domain.GrantTypeRefreshToken {
		return serrors.NewUnsupportedGrantType()
	}

	ctx := c.Request().Context()

	cli, err := oa.authenticateClient(c, form)
	if err != nil {
		return asOAuthError(err)
	}
	if !cli.AllowsGrantType(grantType) {
		return serrors.NewUnauthorizedClient("requested grant type is not allowed for this client")
	}

	resource := form["resource"]
	if len(resource) > 0 && !oa.deps.ResourceIndicatorsEnabled {
		return serrors.NewInvalidRequest("resource parameter is not supported")
	}

	proof, err := oa.dpopProof(c)
	if err != nil {
		return err
	}

	resp, err := oa.deps.Grant.Handle(ctx, &grants.Request{
		Client:            cli,
		RefreshToken:      form.Get("refresh_token"),
		Scope:             form.Get("scope"),
		OrganizationID:    form.Get("organization_id"),
		Resource:          resource,
		DPoP:              proof,
		ClientCertificate: peerCertificate(c.Request()),
	})
	if err != nil {
		return asOAuthError(err)
	}

	log.Ctx(ctx).Info().
		Str("client_id", cli.ID).
		Str("grant_type", grantType).
		Int("expires_in", resp.ExpiresIn).
		Str("token_type", resp.TokenType).
		Msg("Token generated")

	return c.JSON(http.StatusOK, resp)
}

// asOAuthError reports failures that are not protocol errors as an unexposed server_error.
func asOAuthError(err error) error {
	var oauthErr *serrors.OAuth2Error
	if errors.As(err, &oauthErr) {
		return err
	}
	return serrors.NewServerError(err.Error())
}

// authenticateClient supports client_secret_basic, client_secret_post and none.
func (oa *OAuth2API) authenticateClient(c echo.Context, form url.Values) (*domain.Client, error) {
	method := domain.AuthMethodClientSecretPost
	clientID, secret, basic := c.Request().BasicAuth()
	if basic {
		method = domain.AuthMethodClientSecretBasic
		// credentials are form-urlencoded before they are put in the header
		var err error
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			return nil, serrors.NewInvalidClient("invalid client authentication header")
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return nil, serrors.NewInvalidClient("invalid client authentication header")
		}
	} else {
		clientID = form.Get("client_id")
		secret = form.Get("client_secret")
		if secret == "" {
			method = domain.AuthMethodNone
		}
	}

	if clientID == "" {
		return nil, serrors.NewInvalidClient("no client authentication mechanism provided")
	}

	ctx := c.Request().Context()
	cli, err := oa.deps.Clients.GetClient(ctx, clientID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, serrors.NewInvalidClient("client authentication failed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if cli.IsPublic() {
		if method != domain.AuthMethodNone {
			return nil, serrors.NewInvalidClient("public clients must not send a client secret")
		}
		return cli, nil
	}

	registered := cli.TokenEndpointAuth
	if registered == "" {
		registered = domain.AuthMethodClientSecretBasic
	}
	if method != registered {
		return nil, serrors.NewInvalidClient(fmt.Sprintf("the registered client token_endpoint_auth_method does not match the provided auth mechanism (%s)", method))
	}

	if err := oa.deps.Secrets.Verify(cli.SecretHash, secret); err != nil {
		log.Ctx(ctx).Debug().Str("client_id", clientID).Msg("client secret mismatch")
		return nil, serrors.NewInvalidClient("invalid secret provided")
	}
	return cli, nil
}

// dpopProof validates the DPoP header for the token endpoint URL. It returns nil when DPoP is
// disabled or the header is absent.
func (oa *OAuth2API) dpopProof(c echo.Context) (*binding.Proof, error) {
	if oa.deps.DPoP == nil {
		return nil, nil //nolint:nilnil
	}
	values := c.Request().Header.Values(dpopHeader)
	switch len(values) {
	case 0:
		return nil, nil //nolint:nilnil
	case 1:
	default:
		return nil, serrors.NewInvalidDPoPProof("multiple DPoP headers")
	}

	req := c.Request()
	target := c.Scheme() + "://" + req.Host + req.URL.Path

	proof, err := oa.deps.DPoP.Validate(values[0], req.Method, target)
	if err != nil {
		return nil, serrors.NewInvalidDPoPProof(err.Error())
	}
	return proof, nil
}

func peerCertificate(r *http.Request) *x509.Certificate {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return r.TLS.PeerCertificates[0]
}
