package grants

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/pilab-dev/tenant-sso/cache"
	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
	"github.com/pilab-dev/tenant-sso/grants/binding"
	"github.com/pilab-dev/tenant-sso/keys"
)

const (
	testIssuer   = "https://tenant.example.com/oidc"
	testClientID = "client-1"
	testUserID   = "user-1"
	testGrantID  = "grant-1"
	testAPI      = "https://api.example.com"
)

type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) FindAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	args := m.Called(ctx, accountID)
	account, _ := args.Get(0).(*domain.Account)
	return account, args.Error(1)
}

func (m *mockAccounts) Claims(
	ctx context.Context,
	account *domain.Account,
	use string,
	scope domain.Scopes,
	requested []string,
) (map[string]any, error) {
	args := m.Called(ctx, account, use, scope, requested)
	claims, _ := args.Get(0).(map[string]any)
	return claims, args.Error(1)
}

type mockOrganizations struct {
	mock.Mock
}

func (m *mockOrganizations) IsMember(ctx context.Context, organizationID, accountID string) (bool, error) {
	args := m.Called(ctx, organizationID, accountID)
	return args.Bool(0), args.Error(1)
}

func (m *mockOrganizations) IsMFARequired(ctx context.Context, organizationID string) (bool, error) {
	args := m.Called(ctx, organizationID)
	return args.Bool(0), args.Error(1)
}

func (m *mockOrganizations) GetUserScopes(ctx context.Context, organizationID, accountID string) ([]string, error) {
	args := m.Called(ctx, organizationID, accountID)
	scopes, _ := args.Get(0).([]string)
	return scopes, args.Error(1)
}

type mockResources struct {
	mock.Mock
}

func (m *mockResources) DefaultResource(ctx context.Context, client *domain.Client, oneOf []string) ([]string, error) {
	args := m.Called(ctx, client, oneOf)
	resources, _ := args.Get(0).([]string)
	return resources, args.Error(1)
}

func (m *mockResources) GetResourceServerInfo(ctx context.Context, indicator string, client *domain.Client) (*domain.ResourceServer, error) {
	args := m.Called(ctx, indicator, client)
	server, _ := args.Get(0).(*domain.ResourceServer)
	return server, args.Error(1)
}

type fixture struct {
	store     *cache.MemoryTokenStore
	accounts  *mockAccounts
	orgs      *mockOrganizations
	resources *mockResources
	keys      *keys.KeyManager
	client    *domain.Client
	handler   *RefreshTokenHandler
	now       time.Time
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()

	km, err := keys.NewKeyManager(testIssuer)
	require.NoError(t, err)

	store := cache.NewMemoryTokenStore()
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig(testIssuer)
	if configure != nil {
		configure(&cfg)
	}

	f := &fixture{
		store:     store,
		accounts:  &mockAccounts{},
		orgs:      &mockOrganizations{},
		resources: &mockResources{},
		keys:      km,
		client:    &domain.Client{ID: testClientID, Type: domain.ClientTypeConfidential},
		now:       time.Now().Truncate(time.Second),
	}
	f.handler = NewRefreshTokenHandler(cfg, store, f.accounts, f.orgs, f.resources, km).
		WithClock(func() time.Time { return f.now })

	f.accounts.On("FindAccount", mock.Anything, testUserID).
		Return(&domain.Account{ID: testUserID}, nil).Maybe()

	return f
}

func (f *fixture) seed(t *testing.T, rt *domain.RefreshToken, grant *domain.Grant) {
	t.Helper()
	ctx := context.Background()
	if grant != nil {
		require.NoError(t, f.store.SaveGrant(ctx, grant))
	}
	if rt != nil {
		require.NoError(t, f.store.SaveRefreshToken(ctx, rt))
	}
}

func (f *fixture) refreshToken(value, scope string) *domain.RefreshToken {
	return &domain.RefreshToken{
		ID:        value,
		ClientID:  testClientID,
		AccountID: testUserID,
		GrantID:   testGrantID,
		Scope:     scope,
		IssuedAt:  f.now.Add(-time.Hour),
		ExpiresAt: f.now.Add(time.Hour),
		GrantType: "authorization_code",
	}
}

func (f *fixture) grant(openIDScope string) *domain.Grant {
	return &domain.Grant{
		ID:          testGrantID,
		ClientID:    testClientID,
		AccountID:   testUserID,
		ExpiresAt:   f.now.Add(24 * time.Hour),
		OpenIDScope: openIDScope,
	}
}

func (f *fixture) parseJWT(t *testing.T, signed string) jwt.MapClaims {
	t.Helper()

	set, err := f.keys.PublicKeys()
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, errors.New("unknown kid")
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	return claims
}

func requireOAuthError(t *testing.T, err error, code, description string) *serrors.OAuth2Error {
	t.Helper()

	var oauthErr *serrors.OAuth2Error
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, code, oauthErr.Code)
	if description != "" {
		assert.Equal(t, description, oauthErr.Description)
	}
	return oauthErr
}

func TestRefreshRotatesToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, f.refreshToken("rt1", "read"), f.grant("read"))

	resp, err := f.handler.Handle(ctx, &Request{Client: f.client, RefreshToken: "rt1", Scope: "read"})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEqual(t, "rt1", resp.RefreshToken)
	assert.Equal(t, "read", resp.Scope)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Empty(t, resp.IDToken)

	old, err := f.store.FindRefreshToken(ctx, "rt1")
	require.NoError(t, err)
	assert.True(t, old.Consumed)

	next, err := f.store.FindRefreshToken(ctx, resp.RefreshToken)
	require.NoError(t, err)
	assert.False(t, next.Consumed)
	assert.Equal(t, old.Rotations+1, next.Rotations)
	assert.Equal(t, "authorization_code refresh_token", next.GrantType)
	assert.Equal(t, old.IssuedAt, next.IIAT)
	assert.Equal(t, testGrantID, next.GrantID)

	at, err := f.store.FindAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testUserID, at.AccountID)
	assert.Equal(t, "authorization_code refresh_token", at.GrantType)
	assert.Empty(t, at.Audience)
}

func TestRefreshWithoutRotationEchoesToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.RotateRefreshToken = false })
	f.seed(t, f.refreshToken("rt1", "read"), f.grant("read"))

	resp, err := f.handler.Handle(ctx, &Request{Client: f.client, RefreshToken: "rt1"})
	require.NoError(t, err)
	assert.Equal(t, "rt1", resp.RefreshToken)

	rt, err := f.store.FindRefreshToken(ctx, "rt1")
	require.NoError(t, err)
	assert.False(t, rt.Consumed)
}

func TestRotationOverrides(t *testing.T) {
	disabled := false

	testCases := []struct {
		name       string
		configure  func(*Config)
		override   *bool
		wantRotate bool
	}{
		{name: "static on", wantRotate: true},
		{name: "client override", override: &disabled, wantRotate: false},
		{
			name: "policy wins over client",
			configure: func(c *Config) {
				c.RotationPolicy = func(context.Context, *domain.Client, *domain.RefreshToken) bool { return true }
			},
			override:   &disabled,
			wantRotate: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.configure)
			f.client.RotateRefreshToken = tc.override
			f.seed(t, f.refreshToken("rt1", "read"), f.grant("read"))

			resp, err := f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt1"})
			require.NoError(t, err)
			assert.Equal(t, tc.wantRotate, resp.RefreshToken != "rt1")
		})
	}
}

func TestReplayRevokesGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, f.refreshToken("rt1", "read"), f.grant("read"))

	first, err := f.handler.Handle(ctx, &Request{Client: f.client, RefreshToken: "rt1", Scope: "read"})
	require.NoError(t, err)

	_, err = f.handler.Handle(ctx, &Request{Client: f.client, RefreshToken: "rt1", Scope: "read"})
	oauthErr := requireOAuthError(t, err, serrors.InvalidGrant, "refresh token already used")
	assert.Equal(t, 400, oauthErr.Status())

	_, err = f.store.FindRefreshToken(ctx, "rt1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.FindRefreshToken(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.FindAccessToken(ctx, first.AccessToken)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.FindGrant(ctx, testGrantID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReplayRevokesEvenWhenRequestIsCanceled(t *testing.T) {
	f := newFixture(t, nil)
	rt := f.refreshToken("rt1", "read")
	rt.Consumed = true
	f.seed(t, rt, f.grant("read"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.handler.Handle(ctx, &Request{Client: f.client, RefreshToken: "rt1"})
	requireOAuthError(t, err, serrors.InvalidGrant, "refresh token already used")

	_, err = f.store.FindGrant(context.Background(), testGrantID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReplayLogsTokenDigestOnly(t *testing.T) {
	var buf bytes.Buffer
	previous := zlog.Logger
	zlog.Logger = zerolog.New(&buf)
	t.Cleanup(func() { zlog.Logger = previous })

	f := newFixture(t, nil)
	rt := f.refreshToken("rt-secret-value", "read")
	rt.Consumed = true
	f.seed(t, rt, f.grant("read"))

	_, err := f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt-secret-value"})
	requireOAuthError(t, err, serrors.InvalidGrant, "refresh token already used")

	logged := buf.String()
	assert.Contains(t, logged, "consumed refresh token presented again")
	assert.Contains(t, logged, cache.HashToken("rt-secret-value"))
	assert.NotContains(t, logged, "rt-secret-value")
}

// revokingStore revokes the grant right before the rotated refresh token is saved, the way a
// concurrent replay of the previous token would.
type revokingStore struct {
	*cache.MemoryTokenStore
	saved []string
}

func (s *revokingStore) SaveRefreshToken(ctx context.Context, token *domain.RefreshToken) error {
	if err := s.RevokeGrant(ctx, token.GrantID); err != nil {
		return err
	}
	s.saved = append(s.saved, token.ID)
	return s.MemoryTokenStore.SaveRefreshToken(ctx, token)
}

func TestRevocationDuringRotationDiscardsNewTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, f.refreshToken("rt1", "read"), f.grant("read"))

	store := &revokingStore{MemoryTokenStore: f.store}
	handler := NewRefreshTokenHandler(DefaultConfig(testIssuer), store, f.accounts, f.orgs, f.resources, f.keys).
		WithClock(func() time.Time { return f.now })

	_, err := handler.Handle(ctx, &Request{Client: f.client, RefreshToken: "rt1", Scope: "read"})
	requireOAuthError(t, err, serrors.InvalidGrant, "grant not found")

	require.Len(t, store.saved, 1)
	_, err = f.store.FindRefreshToken(ctx, store.saved[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.store.Count())
}

func TestHandleRecordsDuration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	f := newFixture(t, nil)
	f.handler.WithMeterProvider(mp)
	f.seed(t, f.refreshToken("rt1", "read"), f.grant("read"))

	_, err := f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt1", Scope: "read"})
	require.NoError(t, err)
	_, err = f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "missing"})
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, "sso.refresh_grant.duration", m.Name)
	histogram, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)

	counts := map[string]uint64{}
	for _, dp := range histogram.DataPoints {
		result, _ := dp.Attributes.Value(attribute.Key("result"))
		counts[result.AsString()] += dp.Count
	}
	assert.Equal(t, map[string]uint64{"success": 1, "failure": 1}, counts)
}

func TestConcurrentReplayIssuesAtMostOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, f.refreshToken("rt1", "read"), f.grant("read"))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt1"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	// the losers see the consumed token, the destroyed token or the revoked grant
	assert.Equal(t, 1, successes)
	assert.Len(t, failures, workers-1)
	for _, err := range failures {
		requireOAuthError(t, err, serrors.InvalidGrant, "")
	}
}

func TestRequestedScopeMustBeGranted(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, f.refreshToken("rt1", "read"), f.grant("read"))

	_, err := f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt1", Scope: "read write"})
	oauthErr := requireOAuthError(t, err, serrors.InvalidScope, "refresh token missing requested scope")
	assert.Equal(t, "write", oauthErr.Scope)

	_, err = f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt1", Scope: "write delete"})
	oauthErr = requireOAuthError(t, err, serrors.InvalidScope, "refresh token missing requested scopes")
	assert.Equal(t, "write delete", oauthErr.Scope)

	// the failed checks must not consume the token
	rt, err := f.store.FindRefreshToken(context.Background(), "rt1")
	require.NoError(t, err)
	assert.False(t, rt.Consumed)
}

func TestCheckpointFailures(t *testing.T) {
	testCases := []struct {
		name        string
		mutateToken func(*domain.RefreshToken)
		mutateGrant func(*domain.Grant)
		skipGrant   bool
		account     func(*mockAccounts)
		request     func(*Request)
		wantCode    string
		wantDesc    string
	}{
		{
			name:     "missing client",
			request:  func(r *Request) { r.Client = nil },
			wantCode: serrors.InvalidClient,
			wantDesc: "client must be available",
		},
		{
			name:     "missing refresh token parameter",
			request:  func(r *Request) { r.RefreshToken = "" },
			wantCode: serrors.InvalidRequest,
		},
		{
			name:     "token not found",
			request:  func(r *Request) { r.RefreshToken = "unknown" },
			wantCode: serrors.InvalidGrant,
			wantDesc: "refresh token not found",
		},
		{
			name:        "token client mismatch",
			mutateToken: func(rt *domain.RefreshToken) { rt.ClientID = "client-2" },
			wantCode:    serrors.InvalidGrant,
			wantDesc:    "client mismatch",
		},
		{
			name:        "token expired",
			mutateToken: func(rt *domain.RefreshToken) { rt.ExpiresAt = time.Unix(1, 0) },
			wantCode:    serrors.InvalidGrant,
			wantDesc:    "refresh token is expired",
		},
		{
			name:        "no grant id",
			mutateToken: func(rt *domain.RefreshToken) { rt.GrantID = "" },
			wantCode:    serrors.InvalidGrant,
			wantDesc:    "grantId not found",
		},
		{
			name:      "grant missing",
			skipGrant: true,
			wantCode:  serrors.InvalidGrant,
			wantDesc:  "grant not found",
		},
		{
			name:        "grant expired",
			mutateGrant: func(g *domain.Grant) { g.ExpiresAt = time.Unix(1, 0) },
			wantCode:    serrors.InvalidGrant,
			wantDesc:    "grant is expired",
		},
		{
			name:        "grant client mismatch",
			mutateGrant: func(g *domain.Grant) { g.ClientID = "client-2" },
			wantCode:    serrors.InvalidGrant,
			wantDesc:    "client mismatch",
		},
		{
			name:        "account missing",
			mutateToken: func(rt *domain.RefreshToken) { rt.AccountID = "ghost" },
			mutateGrant: func(g *domain.Grant) { g.AccountID = "ghost" },
			account: func(m *mockAccounts) {
				m.On("FindAccount", mock.Anything, "ghost").Return(nil, domain.ErrNotFound)
			},
			wantCode: serrors.InvalidGrant,
			wantDesc: "refresh token invalid (referenced account not found)",
		},
		{
			name:        "account mismatch",
			mutateGrant: func(g *domain.Grant) { g.AccountID = "user-2" },
			wantCode:    serrors.InvalidGrant,
			wantDesc:    "accountId mismatch",
		},
		{
			name:        "scope check runs before the account lookup",
			mutateToken: func(rt *domain.RefreshToken) { rt.AccountID = "ghost" },
			request:     func(r *Request) { r.Scope = "write" },
			wantCode:    serrors.InvalidScope,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tc.account != nil {
				tc.account(f.accounts)
			}

			rt := f.refreshToken("rt1", "read")
			if tc.mutateToken != nil {
				tc.mutateToken(rt)
			}
			var grant *domain.Grant
			if !tc.skipGrant {
				grant = f.grant("read")
				if tc.mutateGrant != nil {
					tc.mutateGrant(grant)
				}
			}
			f.seed(t, rt, grant)

			req := &Request{Client: f.client, RefreshToken: "rt1"}
			if tc.request != nil {
				tc.request(req)
			}

			_, err := f.handler.Handle(context.Background(), req)
			requireOAuthError(t, err, tc.wantCode, tc.wantDesc)
		})
	}
}

func TestOrganizationToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.OrganizationTokenTTL = 10 * time.Minute })
	f.seed(t, f.refreshToken("rt1", "openid read:data write:data "+domain.ScopeOrganizations), f.grant("openid"))

	f.orgs.On("IsMember", mock.Anything, "org-1", testUserID).Return(true, nil)
	f.orgs.On("IsMFARequired", mock.Anything, "org-1").Return(false, nil)
	f.orgs.On("GetUserScopes", mock.Anything, "org-1", testUserID).Return([]string{"read:data", "admin"}, nil)

	resp, err := f.handler.Handle(ctx, &Request{
		Client:         f.client,
		RefreshToken:   "rt1",
		Scope:          "read:data write:data",
		OrganizationID: "org-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "read:data", resp.Scope)
	assert.Equal(t, 600, resp.ExpiresIn)
	assert.Empty(t, resp.IDToken)

	claims := f.parseJWT(t, resp.AccessToken)
	assert.Equal(t, "urn:tenant-sso:organization:org-1", claims["aud"])
	assert.Equal(t, "org-1", claims["organization_id"])
	assert.Equal(t, "read:data", claims["scope"])
	assert.Equal(t, testUserID, claims["sub"])
	assert.Equal(t, testClientID, claims["client_id"])
	assert.Equal(t, testIssuer, claims["iss"])
	f.resources.AssertNotCalled(t, "GetResourceServerInfo", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrganizationAccessChecks(t *testing.T) {
	testCases := []struct {
		name        string
		scope       string
		member      bool
		mfaRequired bool
		hasMFA      bool
		wantCode    string
		wantDesc    string
		wantStatus  int
	}{
		{
			name:       "not a member",
			scope:      "read " + domain.ScopeOrganizations,
			wantCode:   serrors.AccessDenied,
			wantDesc:   "user is not a member of the organization",
			wantStatus: 403,
		},
		{
			name:        "mfa required",
			scope:       "read " + domain.ScopeOrganizations,
			member:      true,
			mfaRequired: true,
			wantCode:    serrors.AccessDenied,
			wantDesc:    "organization requires MFA but user has no MFA configured",
			wantStatus:  403,
		},
		{
			name:       "missing organizations scope",
			scope:      "read",
			member:     true,
			wantCode:   serrors.InsufficientScope,
			wantDesc:   "refresh token missing required scope",
			wantStatus: 403,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.accounts.ExpectedCalls = nil
			f.accounts.On("FindAccount", mock.Anything, testUserID).
				Return(&domain.Account{ID: testUserID, MFAConfigured: tc.hasMFA}, nil)
			f.orgs.On("IsMember", mock.Anything, "org-1", testUserID).Return(tc.member, nil)
			f.orgs.On("IsMFARequired", mock.Anything, "org-1").Return(tc.mfaRequired, nil)
			f.seed(t, f.refreshToken("rt1", tc.scope), f.grant("read"))

			_, err := f.handler.Handle(context.Background(), &Request{
				Client:         f.client,
				RefreshToken:   "rt1",
				OrganizationID: "org-1",
			})
			oauthErr := requireOAuthError(t, err, tc.wantCode, tc.wantDesc)
			assert.Equal(t, tc.wantStatus, oauthErr.Status())

			rt, err := f.store.FindRefreshToken(context.Background(), "rt1")
			require.NoError(t, err)
			assert.False(t, rt.Consumed)
		})
	}
}

func TestResourceWinsOverOrganization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rt := f.refreshToken("rt1", "read:data write:data "+domain.ScopeOrganizations)
	rt.Resource = []string{testAPI}
	grant := f.grant("")
	grant.Resources = []domain.ResourceGrant{{Indicator: testAPI, Scope: "read:data"}}
	f.seed(t, rt, grant)

	f.orgs.On("IsMember", mock.Anything, "org-1", testUserID).Return(true, nil)
	f.orgs.On("IsMFARequired", mock.Anything, "org-1").Return(false, nil)
	f.resources.On("GetResourceServerInfo", mock.Anything, testAPI, f.client).Return(&domain.ResourceServer{
		Indicator:         testAPI,
		Scope:             "read:data write:data",
		AccessTokenFormat: domain.TokenFormatJWT,
		AccessTokenTTL:    5 * time.Minute,
	}, nil)

	resp, err := f.handler.Handle(ctx, &Request{
		Client:         f.client,
		RefreshToken:   "rt1",
		Scope:          "read:data write:data",
		OrganizationID: "org-1",
		Resource:       []string{testAPI},
	})
	require.NoError(t, err)

	assert.Equal(t, "read:data", resp.Scope)
	assert.Equal(t, 300, resp.ExpiresIn)

	claims := f.parseJWT(t, resp.AccessToken)
	assert.Equal(t, testAPI, claims["aud"])
	assert.NotContains(t, claims, "organization_id")
	f.orgs.AssertNotCalled(t, "GetUserScopes", mock.Anything, mock.Anything, mock.Anything)
}

func TestResourceResolution(t *testing.T) {
	testCases := []struct {
		name      string
		stored    []string
		requested []string
		scope     string
		defaults  []string
		wantAud   string
		wantCode  string
	}{
		{
			name:    "no stored resources",
			scope:   "read",
			wantAud: "",
		},
		{
			name:    "single stored resource",
			stored:  []string{testAPI},
			scope:   "read",
			wantAud: testAPI,
		},
		{
			name:    "openid with userinfo skips the stored resource",
			stored:  []string{testAPI},
			scope:   "openid read",
			wantAud: "",
		},
		{
			name:     "default resolves to one",
			stored:   []string{testAPI, "https://other.example.com"},
			scope:    "read",
			defaults: []string{testAPI},
			wantAud:  testAPI,
		},
		{
			name:     "ambiguous default",
			stored:   []string{testAPI, "https://other.example.com"},
			scope:    "read",
			defaults: []string{testAPI, "https://other.example.com"},
			wantCode: serrors.InvalidTarget,
		},
		{
			name:      "requested resource not on the token",
			stored:    []string{testAPI},
			requested: []string{"https://other.example.com"},
			scope:     "read",
			wantCode:  serrors.InvalidTarget,
		},
		{
			name:      "several requested resources",
			requested: []string{testAPI, "https://other.example.com"},
			scope:     "read",
			wantCode:  serrors.InvalidTarget,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rt := f.refreshToken("rt1", tc.scope)
			rt.Resource = tc.stored
			grant := f.grant("openid read")
			grant.Resources = []domain.ResourceGrant{{Indicator: testAPI, Scope: "read"}}
			f.seed(t, rt, grant)

			f.resources.On("DefaultResource", mock.Anything, f.client, tc.stored).Return(tc.defaults, nil).Maybe()
			f.resources.On("GetResourceServerInfo", mock.Anything, testAPI, f.client).Return(&domain.ResourceServer{
				Indicator:         testAPI,
				Scope:             "read",
				AccessTokenFormat: domain.TokenFormatOpaque,
			}, nil).Maybe()
			f.accounts.On("Claims", mock.Anything, mock.Anything, claimsUseIDToken, mock.Anything, mock.Anything).
				Return(map[string]any{}, nil).Maybe()

			resp, err := f.handler.Handle(context.Background(), &Request{
				Client:       f.client,
				RefreshToken: "rt1",
				Resource:     tc.requested,
			})
			if tc.wantCode != "" {
				requireOAuthError(t, err, tc.wantCode, "")
				return
			}
			require.NoError(t, err)

			at, err := f.store.FindAccessToken(context.Background(), resp.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, tc.wantAud, at.Audience)
			assert.Equal(t, "read", domain.ParseScopes(resp.Scope).Intersect(domain.Scopes{"read"}).String())
		})
	}
}

func TestIDTokenIssued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rt := f.refreshToken("rt1", "openid profile")
	rt.Nonce = "nonce-1"
	rt.SID = "sid-1"
	rt.ACR = "urn:mace:incommon:iap:silver"
	rt.AMR = []string{"pwd", "otp"}
	rt.AuthTime = f.now.Add(-2 * time.Hour).Unix()
	grant := f.grant("openid profile")
	grant.RejectedOIDCClaims = []string{"email"}
	f.seed(t, rt, grant)

	// conform mode with userinfo and no audience limits the id token scope to openid
	f.accounts.On("Claims", mock.Anything, mock.Anything, "id_token", domain.Scopes{domain.ScopeOpenID}, []string(nil)).
		Return(map[string]any{"name": "Jane", "email": "jane@example.com"}, nil).Once()

	resp, err := f.handler.Handle(ctx, &Request{Client: f.client, RefreshToken: "rt1"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.IDToken)
	assert.Equal(t, "openid profile", resp.Scope)

	claims := f.parseJWT(t, resp.IDToken)
	assert.Equal(t, testUserID, claims["sub"])
	assert.Equal(t, testClientID, claims["aud"])
	assert.Equal(t, "nonce-1", claims["nonce"])
	assert.Equal(t, "sid-1", claims["sid"])
	assert.Equal(t, rt.ACR, claims["acr"])
	assert.Equal(t, []any{"pwd", "otp"}, claims["amr"])
	assert.InDelta(t, float64(rt.AuthTime), claims["auth_time"], 0)
	assert.Equal(t, tokenHash(resp.AccessToken), claims["at_hash"])
	assert.Equal(t, "Jane", claims["name"])
	assert.NotContains(t, claims, "email")
	f.accounts.AssertExpectations(t)
}

func TestIDTokenScopeWithoutConformMode(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ConformIDTokenClaims = false })
	f.seed(t, f.refreshToken("rt1", "openid profile email"), f.grant("openid profile"))

	f.accounts.On("Claims", mock.Anything, mock.Anything, "id_token", domain.Scopes{"openid", "profile"}, []string(nil)).
		Return(map[string]any{}, nil).Once()

	resp, err := f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.IDToken)
	assert.Equal(t, "openid profile", resp.Scope)
	f.accounts.AssertExpectations(t)
}

func TestIDTokenRequestedClaims(t *testing.T) {
	testCases := []struct {
		name          string
		request       domain.ClaimsRequest
		granted       []string
		rejected      []string
		wantRequested []string
		wantEmail     bool
	}{
		{
			name:          "granted claim released",
			request:       domain.ClaimsRequest{"id_token": {"email": nil, "phone_number": nil}},
			granted:       []string{"email"},
			wantRequested: []string{"email"},
			wantEmail:     true,
		},
		{
			name:    "userinfo request ignored",
			request: domain.ClaimsRequest{"userinfo": {"email": nil}},
			granted: []string{"email"},
		},
		{
			name:     "rejected claim withheld",
			request:  domain.ClaimsRequest{"id_token": {"email": nil}},
			granted:  []string{"email"},
			rejected: []string{"email"},
		},
		{
			name:    "no claims request",
			granted: []string{"email"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rt := f.refreshToken("rt1", "openid")
			rt.Claims = tc.request
			grant := f.grant("openid")
			grant.OpenIDClaims = tc.granted
			grant.RejectedOIDCClaims = tc.rejected
			f.seed(t, rt, grant)

			released := map[string]any{}
			if tc.wantEmail {
				released["email"] = "jane@example.com"
			}
			f.accounts.On("Claims", mock.Anything, mock.Anything, claimsUseIDToken, domain.Scopes{domain.ScopeOpenID}, tc.wantRequested).
				Return(released, nil).Once()

			resp, err := f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt1"})
			require.NoError(t, err)

			claims := f.parseJWT(t, resp.IDToken)
			if tc.wantEmail {
				assert.Equal(t, "jane@example.com", claims["email"])
			} else {
				assert.NotContains(t, claims, "email")
			}
			f.accounts.AssertExpectations(t)
		})
	}
}

func TestDPoPBinding(t *testing.T) {
	proof := &binding.Proof{Thumbprint: "thumb-1", JTI: "jti-1"}

	testCases := []struct {
		name      string
		tokenJKT  string
		proof     *binding.Proof
		dpopBound bool
		wantType  string
		wantDesc  string
	}{
		{name: "unbound", wantType: "Bearer"},
		{name: "proof binds access token", proof: proof, wantType: "DPoP"},
		{name: "bound token without proof", tokenJKT: "thumb-1", wantDesc: "failed jkt verification"},
		{name: "bound token with other key", tokenJKT: "thumb-2", proof: proof, wantDesc: "failed jkt verification"},
		{name: "bound token with its key", tokenJKT: "thumb-1", proof: proof, wantType: "DPoP"},
		{name: "client requires dpop", dpopBound: true, wantDesc: "DPoP proof JWT not provided"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.client.DPoPBoundAccessTokens = tc.dpopBound
			rt := f.refreshToken("rt1", "read")
			rt.JKT = tc.tokenJKT
			f.seed(t, rt, f.grant("read"))

			resp, err := f.handler.Handle(context.Background(), &Request{Client: f.client, RefreshToken: "rt1", DPoP: tc.proof})
			if tc.wantDesc != "" {
				requireOAuthError(t, err, serrors.InvalidGrant, tc.wantDesc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, resp.TokenType)

			if tc.proof != nil {
				next, err := f.store.FindRefreshToken(context.Background(), resp.RefreshToken)
				require.NoError(t, err)
				assert.Equal(t, tc.tokenJKT, next.JKT)
			}
		})
	}
}

func TestMutualTLSBinding(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("client-cert")}
	thumbprint := binding.CertificateThumbprint(cert)

	testCases := []struct {
		name      string
		tokenX5T  string
		cert      *x509.Certificate
		certBound bool
		wantDesc  string
		wantX5T   string
	}{
		{name: "not required"},
		{name: "client requires cert", certBound: true, wantDesc: "mutual TLS client certificate not provided"},
		{name: "client cert binds token", certBound: true, cert: cert, wantX5T: thumbprint},
		{name: "bound token with wrong cert", tokenX5T: "other", cert: cert, wantDesc: "failed x5t#S256 verification"},
		{name: "bound token with its cert", tokenX5T: thumbprint, cert: cert, wantX5T: thumbprint},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.client.TLSClientCertificateBoundAccessTokens = tc.certBound
			rt := f.refreshToken("rt1", "read")
			rt.CertThumbprint = tc.tokenX5T
			f.seed(t, rt, f.grant("read"))

			resp, err := f.handler.Handle(context.Background(), &Request{
				Client:            f.client,
				RefreshToken:      "rt1",
				ClientCertificate: tc.cert,
			})
			if tc.wantDesc != "" {
				requireOAuthError(t, err, serrors.InvalidGrant, tc.wantDesc)
				return
			}
			require.NoError(t, err)

			at, err := f.store.FindAccessToken(context.Background(), resp.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, tc.wantX5T, at.CertThumbprint)
		})
	}
}

func TestTokenHash(t *testing.T) {
	// left half of SHA-256 is 16 bytes, 22 base64url characters
	assert.Len(t, tokenHash("access-token"), 22)
	assert.NotEqual(t, tokenHash("a"), tokenHash("b"))
}
