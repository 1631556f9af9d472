// Package grants implements the token endpoint grant handlers.
package grants

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/pilab-dev/tenant-sso/cache"
	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
	"github.com/pilab-dev/tenant-sso/grants/binding"
	"github.com/pilab-dev/tenant-sso/internal/audit"
	"github.com/pilab-dev/tenant-sso/internal/metrics"
	"github.com/pilab-dev/tenant-sso/tracing"
)

// Signer serializes claims as a signed JWT.
type Signer interface {
	Sign(claims jwt.Claims) (string, error)
}

// Config controls token issuance of the refresh_token grant.
type Config struct {
	Issuer string

	// RotateRefreshToken enables rotation for every client without an override.
	RotateRefreshToken bool
	// RotationPolicy, when set, decides rotation per request and takes precedence over both the
	// client override and RotateRefreshToken.
	RotationPolicy func(ctx context.Context, client *domain.Client, token *domain.RefreshToken) bool

	ConformIDTokenClaims      bool
	UserinfoEnabled           bool
	ResourceIndicatorsEnabled bool

	// RefreshTokenTTL is the lifetime of rotated refresh tokens. Zero keeps the expiry of the
	// consumed token.
	RefreshTokenTTL      time.Duration
	AccessTokenTTL       time.Duration
	IDTokenTTL           time.Duration
	OrganizationTokenTTL time.Duration
}

// DefaultConfig returns the provider defaults.
func DefaultConfig(issuer string) Config {
	return Config{
		Issuer:                    issuer,
		RotateRefreshToken:        true,
		ConformIDTokenClaims:      true,
		UserinfoEnabled:           true,
		ResourceIndicatorsEnabled: true,
		RefreshTokenTTL:           14 * 24 * time.Hour,
		AccessTokenTTL:            time.Hour,
		IDTokenTTL:                time.Hour,
		OrganizationTokenTTL:      time.Hour,
	}
}

// Request is a refresh_token grant request after client authentication.
type Request struct {
	Client         *domain.Client
	RefreshToken   string
	Scope          string
	OrganizationID string
	Resource       []string

	// DPoP is the validated proof sent with the request, if any.
	DPoP *binding.Proof
	// ClientCertificate is the mutual-TLS peer certificate, if any.
	ClientCertificate *x509.Certificate
}

// Response is the token endpoint response body.
type Response struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// RefreshTokenHandler exchanges a refresh token for a new access token, optionally rotating the
// refresh token and issuing organization tokens.
type RefreshTokenHandler struct {
	cfg       Config
	store     domain.TokenStore
	accounts  domain.AccountProvider
	orgs      domain.ScopeResolver
	resources domain.ResourceIndicatorResolver
	signer    Signer
	now       func() time.Time
	duration  metric.Float64Histogram
}

// NewRefreshTokenHandler creates a handler. resources may be nil when resource indicators are
// disabled.
func NewRefreshTokenHandler(
	cfg Config,
	store domain.TokenStore,
	accounts domain.AccountProvider,
	orgs domain.ScopeResolver,
	resources domain.ResourceIndicatorResolver,
	signer Signer,
) *RefreshTokenHandler {
	if resources == nil {
		cfg.ResourceIndicatorsEnabled = false
	}
	return &RefreshTokenHandler{
		cfg:       cfg,
		store:     store,
		accounts:  accounts,
		orgs:      orgs,
		resources: resources,
		signer:    signer,
		now:       time.Now,
		duration:  newDurationHistogram(otel.GetMeterProvider()),
	}
}

// WithClock replaces the time source.
func (h *RefreshTokenHandler) WithClock(now func() time.Time) *RefreshTokenHandler {
	h.now = now
	return h
}

// WithMeterProvider records grant metrics on mp instead of the global meter provider.
func (h *RefreshTokenHandler) WithMeterProvider(mp metric.MeterProvider) *RefreshTokenHandler {
	h.duration = newDurationHistogram(mp)
	return h
}

const meterName = "github.com/pilab-dev/tenant-sso/grants"

func newDurationHistogram(mp metric.MeterProvider) metric.Float64Histogram {
	histogram, err := mp.Meter(meterName).Float64Histogram(
		"sso.refresh_grant.duration",
		metric.WithDescription("Duration of refresh_token grant requests by result."),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to create refresh grant duration histogram")
		return noop.Float64Histogram{}
	}
	return histogram
}

// checkedToken is the outcome of the refresh token checkpoints. Every field has passed
// validation by the time it is constructed.
type checkedToken struct {
	token   *domain.RefreshToken
	grant   *domain.Grant
	account *domain.Account
	// scope is the requested scope, or the full token scope when none was requested.
	scope domain.Scopes
}

// tokenBinding carries the sender constraints of the new access token.
type tokenBinding struct {
	jkt string
	x5t string
}

// Handle runs the grant. Any checkpoint failure aborts with an *errors.OAuth2Error; store
// failures are returned wrapped and surface as server errors.
func (h *RefreshTokenHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracing.Tracer.Start(ctx, "grants.RefreshToken")
	defer span.End()

	started := time.Now()
	resp, err := h.handle(ctx, req)

	result := metrics.ResultSuccess
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		result = metrics.ResultFailure
		var replay *replayError
		if errors.As(err, &replay) {
			result = metrics.ResultReplay
			err = replay.OAuth2Error
		}
	}

	metrics.RefreshGrantsTotal.WithLabelValues(result).Inc()
	h.duration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attribute.String("result", result)))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *RefreshTokenHandler) handle(ctx context.Context, req *Request) (*Response, error) {
	if req.Client == nil {
		return nil, serrors.NewInvalidClient("client must be available")
	}
	if req.RefreshToken == "" {
		return nil, serrors.NewInvalidRequest("missing required parameter(s) (refresh_token)")
	}

	now := h.now()

	checked, err := h.checkRefreshToken(ctx, req, now)
	if err != nil {
		return nil, err
	}

	organizationID, err := h.checkOrganizationAccess(ctx, req.OrganizationID, checked.account)
	if err != nil {
		return nil, err
	}
	if organizationID != "" && !checked.token.Scopes().Has(domain.ScopeOrganizations) {
		return nil, serrors.NewInsufficientScope("refresh token missing required scope", domain.ScopeOrganizations)
	}

	bound, err := checkBinding(req, checked.token)
	if err != nil {
		return nil, err
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("client_id", req.Client.ID),
		attribute.String("grant_id", checked.grant.ID),
	)

	refreshTokenValue := req.RefreshToken
	current := checked.token
	if h.shouldRotate(ctx, req.Client, checked.token) {
		current, err = h.rotate(ctx, checked, now)
		if err != nil {
			return nil, err
		}
		refreshTokenValue = current.ID
		span.SetAttributes(attribute.Int("rotations", current.Rotations))
	}

	at, accessTokenValue, err := h.issueAccessToken(ctx, req, checked, current, organizationID, bound, now)
	if err != nil {
		return nil, err
	}
	if err := h.confirmGrant(ctx, checked.grant.ID); err != nil {
		return nil, err
	}

	idToken, err := h.issueIDToken(ctx, req.Client, checked, current, at, accessTokenValue, now)
	if err != nil {
		return nil, err
	}

	return &Response{
		AccessToken:  accessTokenValue,
		ExpiresIn:    at.ExpiresIn(),
		IDToken:      idToken,
		RefreshToken: refreshTokenValue,
		Scope:        at.Scope,
		TokenType:    at.TokenType(),
	}, nil
}

// checkRefreshToken runs the token, grant, scope, account and replay checkpoints in order.
func (h *RefreshTokenHandler) checkRefreshToken(ctx context.Context, req *Request, now time.Time) (*checkedToken, error) {
	token, err := h.store.FindRefreshToken(ctx, req.RefreshToken)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, serrors.NewInvalidGrant("refresh token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}

	if token.ClientID != req.Client.ID {
		return nil, serrors.NewInvalidGrant("client mismatch")
	}
	if token.IsExpired(now) {
		return nil, serrors.NewInvalidGrant("refresh token is expired")
	}
	if token.GrantID == "" {
		return nil, serrors.NewInvalidGrant("grantId not found")
	}

	grant, err := h.store.FindGrant(ctx, token.GrantID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, serrors.NewInvalidGrant("grant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find grant: %w", err)
	}
	if grant.IsExpired(now) {
		return nil, serrors.NewInvalidGrant("grant is expired")
	}
	if grant.ClientID != req.Client.ID {
		return nil, serrors.NewInvalidGrant("client mismatch")
	}

	requested := domain.ParseScopes(req.Scope)
	if len(requested) > 0 {
		if missing := requested.Difference(token.Scopes()); len(missing) > 0 {
			noun := "scope"
			if len(missing) > 1 {
				noun = "scopes"
			}
			return nil, serrors.NewInvalidScope("refresh token missing requested "+noun, missing.String())
		}
	}

	account, err := h.accounts.FindAccount(ctx, token.AccountID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, serrors.NewInvalidGrant("refresh token invalid (referenced account not found)")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if token.AccountID != grant.AccountID {
		return nil, serrors.NewInvalidGrant("accountId mismatch")
	}

	if token.Consumed {
		return nil, h.rejectReplay(ctx, token)
	}

	scope := requested
	if len(scope) == 0 {
		scope = token.Scopes()
	}

	return &checkedToken{
		token:   token,
		grant:   grant,
		account: account,
		scope:   scope,
	}, nil
}

// confirmGrant runs after the new tokens are saved. A grant revoked before the saves landed is
// revoked again so its index sweep removes them; revocations after the saves already do.
func (h *RefreshTokenHandler) confirmGrant(ctx context.Context, grantID string) error {
	_, err := h.store.FindGrant(ctx, grantID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to find grant: %w", err)
	}

	log.Warn().Ctx(ctx).Str("grant_id", grantID).Msg("grant revoked during refresh, discarding issued tokens")
	if err := h.store.RevokeGrant(context.WithoutCancel(ctx), grantID); err != nil {
		return fmt.Errorf("failed to revoke grant %s: %w", grantID, err)
	}
	return serrors.NewInvalidGrant("grant not found")
}

// replayError marks the replay path so Handle can count it separately.
type replayError struct {
	*serrors.OAuth2Error
}

func (e *replayError) Unwrap() error { return e.OAuth2Error }

// rejectReplay destroys a consumed token that was presented again and revokes its grant.
// Revocation is detached from request cancellation and both operations always run.
func (h *RefreshTokenHandler) rejectReplay(ctx context.Context, token *domain.RefreshToken) error {
	detached := context.WithoutCancel(ctx)

	metrics.RefreshTokenReplaysTotal.Inc()
	log.Warn().Ctx(ctx).
		Str("token_hash", cache.HashToken(token.ID)).
		Str("grant_id", token.GrantID).
		Str("client_id", token.ClientID).
		Msg("consumed refresh token presented again, revoking grant")

	destroyErr := h.store.DestroyRefreshToken(detached, token.ID)
	revokeErr := h.store.RevokeGrant(detached, token.GrantID)

	revokeFailure := errors.Join(destroyErr, revokeErr)
	audit.Log(ctx, audit.Event{
		Action:   audit.ActionRefreshTokenReplay,
		Actor:    token.AccountID,
		ClientID: token.ClientID,
		Target:   token.GrantID,
		Details:  "grant revoked after refresh token replay",
		Success:  revokeFailure == nil,
		Err:      revokeFailure,
	})
	if revokeFailure != nil {
		return fmt.Errorf("failed to revoke replayed grant %s: %w", token.GrantID, revokeFailure)
	}

	return &replayError{serrors.NewInvalidGrant("refresh token already used")}
}

// checkOrganizationAccess verifies that the account may act within the requested organization
// and returns its ID, or "" when no organization was requested.
func (h *RefreshTokenHandler) checkOrganizationAccess(ctx context.Context, organizationID string, account *domain.Account) (string, error) {
	if organizationID == "" {
		return "", nil
	}
	if h.orgs == nil {
		return "", serrors.NewInvalidRequest("organization tokens are not supported")
	}

	member, err := h.orgs.IsMember(ctx, organizationID, account.ID)
	if err != nil {
		return "", fmt.Errorf("failed to check organization membership: %w", err)
	}
	if !member {
		return "", serrors.NewAccessDenied("user is not a member of the organization")
	}

	mfaRequired, err := h.orgs.IsMFARequired(ctx, organizationID)
	if err != nil {
		return "", fmt.Errorf("failed to read organization MFA policy: %w", err)
	}
	if mfaRequired && !account.MFAConfigured {
		return "", serrors.NewAccessDenied("organization requires MFA but user has no MFA configured")
	}

	return organizationID, nil
}

// checkBinding validates the DPoP proof and client certificate against the refresh token and
// returns the binding the new access token inherits.
func checkBinding(req *Request, token *domain.RefreshToken) (tokenBinding, error) {
	var bound tokenBinding

	if req.DPoP == nil && req.Client.DPoPBoundAccessTokens {
		return bound, serrors.NewInvalidGrant("DPoP proof JWT not provided")
	}
	if token.JKT != "" && (req.DPoP == nil || req.DPoP.Thumbprint != token.JKT) {
		return bound, serrors.NewInvalidGrant("failed jkt verification")
	}
	if req.DPoP != nil {
		bound.jkt = req.DPoP.Thumbprint
	}

	if req.Client.TLSClientCertificateBoundAccessTokens || token.CertThumbprint != "" {
		if req.ClientCertificate == nil {
			return bound, serrors.NewInvalidGrant("mutual TLS client certificate not provided")
		}
		thumbprint := binding.CertificateThumbprint(req.ClientCertificate)
		if token.CertThumbprint != "" && token.CertThumbprint != thumbprint {
			return bound, serrors.NewInvalidGrant("failed x5t#S256 verification")
		}
		bound.x5t = thumbprint
	}

	return bound, nil
}

func (h *RefreshTokenHandler) shouldRotate(ctx context.Context, client *domain.Client, token *domain.RefreshToken) bool {
	if h.cfg.RotationPolicy != nil {
		return h.cfg.RotationPolicy(ctx, client, token)
	}
	if client.RotateRefreshToken != nil {
		return *client.RotateRefreshToken
	}
	return h.cfg.RotateRefreshToken
}

// rotate consumes the presented token and saves its successor. Losing the consume race to a
// concurrent request is handled as a replay.
func (h *RefreshTokenHandler) rotate(ctx context.Context, checked *checkedToken, now time.Time) (*domain.RefreshToken, error) {
	old := checked.token

	if err := h.store.ConsumeRefreshToken(ctx, old.ID); err != nil {
		if errors.Is(err, domain.ErrAlreadyConsumed) {
			return nil, h.rejectReplay(ctx, old)
		}
		if errors.Is(err, domain.ErrNotFound) {
			return nil, serrors.NewInvalidGrant("refresh token not found")
		}
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}

	iiat := old.IIAT
	if iiat.IsZero() {
		iiat = old.IssuedAt
	}

	next := &domain.RefreshToken{
		ID:                 value,
		ClientID:           old.ClientID,
		AccountID:          old.AccountID,
		GrantID:            old.GrantID,
		SessionUID:         old.SessionUID,
		SID:                old.SID,
		Scope:              old.Scope,
		Resource:           old.Resource,
		AuthTime:           old.AuthTime,
		ACR:                old.ACR,
		AMR:                old.AMR,
		Nonce:              old.Nonce,
		Claims:             old.Claims,
		ExpiresWithSession: old.ExpiresWithSession,
		IIAT:               iiat,
		IssuedAt:           now,
		ExpiresAt:          h.rotatedExpiry(old, checked.grant, now),
		Rotations:          old.Rotations + 1,
		GrantType:          domain.AppendGrantType(old.GrantType),
		CertThumbprint:     old.CertThumbprint,
		JKT:                old.JKT,
	}

	if err := h.store.SaveRefreshToken(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save rotated refresh token: %w", err)
	}
	metrics.TokensIssuedTotal.WithLabelValues("refresh_token").Inc()

	return next, nil
}

// rotatedExpiry never extends a chain beyond the grant's own expiry.
func (h *RefreshTokenHandler) rotatedExpiry(old *domain.RefreshToken, grant *domain.Grant, now time.Time) time.Time {
	if h.cfg.RefreshTokenTTL <= 0 {
		return old.ExpiresAt
	}
	exp := now.Add(h.cfg.RefreshTokenTTL)
	if !grant.ExpiresAt.IsZero() && grant.ExpiresAt.Before(exp) {
		exp = grant.ExpiresAt
	}
	return exp
}
