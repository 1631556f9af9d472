package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
	"github.com/pilab-dev/tenant-sso/mongodb/testutil"
)

func TestAccountRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository(testutil.SetupTestMongoDB(t, "test_accounts"))

	require.NoError(t, repo.CreateAccount(ctx, &domain.Account{
		ID:            "user-1",
		MFAConfigured: true,
		Claims: map[string]any{
			"email":          "jane@example.com",
			"email_verified": true,
			"name":           "Jane Doe",
			"phone_number":   "+3612345678",
		},
	}))
	require.NoError(t, repo.CreateAccount(ctx, &domain.Account{ID: "user-suspended", Suspended: true}))

	account, err := repo.FindAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.MFAConfigured)

	_, err = repo.FindAccount(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.FindAccount(ctx, "user-suspended")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	testCases := []struct {
		name      string
		scope     domain.Scopes
		requested []string
		want      map[string]any
	}{
		{name: "openid only", scope: domain.Scopes{"openid"}, want: map[string]any{"sub": "user-1"}},
		{
			name:  "email",
			scope: domain.Scopes{"openid", "email"},
			want:  map[string]any{"sub": "user-1", "email": "jane@example.com", "email_verified": true},
		},
		{
			name:  "profile without stored claims",
			scope: domain.Scopes{"profile"},
			want:  map[string]any{"sub": "user-1", "name": "Jane Doe"},
		},
		{
			name:      "requested claims",
			scope:     domain.Scopes{"openid"},
			requested: []string{"phone_number", "nickname"},
			want:      map[string]any{"sub": "user-1", "phone_number": "+3612345678"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := repo.Claims(ctx, account, "id_token", tc.scope, tc.requested)
			require.NoError(t, err)
			assert.Equal(t, tc.want, claims)
		})
	}
}

func TestOrganizationRepository(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestMongoDB(t, "test_organizations")
	require.NoError(t, EnsureIndexes(ctx, db))
	repo := NewOrganizationRepository(db)

	require.NoError(t, repo.CreateOrganization(ctx, &Organization{ID: "org-1", Name: "Acme", MFARequired: true}))
	require.NoError(t, repo.CreateRole(ctx, &OrganizationRole{ID: "admin", OrganizationID: "org-1", Scopes: []string{"write", "read"}}))
	require.NoError(t, repo.CreateRole(ctx, &OrganizationRole{ID: "viewer", OrganizationID: "org-1", Scopes: []string{"read"}}))
	require.NoError(t, repo.CreateRole(ctx, &OrganizationRole{ID: "foreign", OrganizationID: "org-2", Scopes: []string{"delete"}}))
	require.NoError(t, repo.AddMember(ctx, &Membership{
		OrganizationID: "org-1",
		AccountID:      "user-1",
		RoleIDs:        []string{"admin", "viewer", "foreign"},
	}))

	member, err := repo.IsMember(ctx, "org-1", "user-1")
	require.NoError(t, err)
	assert.True(t, member)

	member, err = repo.IsMember(ctx, "org-1", "user-2")
	require.NoError(t, err)
	assert.False(t, member)

	mfa, err := repo.IsMFARequired(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, mfa)

	mfa, err = repo.IsMFARequired(ctx, "org-unknown")
	require.NoError(t, err)
	assert.False(t, mfa)

	scopes, err := repo.GetUserScopes(ctx, "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, scopes)

	scopes, err = repo.GetUserScopes(ctx, "org-1", "user-2")
	require.NoError(t, err)
	assert.Empty(t, scopes)

	// adding again replaces the membership
	require.NoError(t, repo.AddMember(ctx, &Membership{OrganizationID: "org-1", AccountID: "user-1", RoleIDs: []string{"viewer"}}))
	scopes, err = repo.GetUserScopes(ctx, "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, scopes)
}

func TestResourceRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewResourceRepository(testutil.SetupTestMongoDB(t, "test_resources"))

	require.NoError(t, repo.SaveResource(ctx, &Resource{
		ResourceServer: domain.ResourceServer{
			Indicator:         "https://api.example.com",
			Scope:             "read write",
			AccessTokenFormat: domain.TokenFormatJWT,
			AccessTokenTTL:    10 * time.Minute,
		},
		IsDefault: true,
	}))
	require.NoError(t, repo.SaveResource(ctx, &Resource{
		ResourceServer: domain.ResourceServer{Indicator: "https://billing.example.com", Audience: "billing"},
		ClientIDs:      []string{"client-billing"},
	}))

	client := &domain.Client{ID: "client-1"}

	server, err := repo.GetResourceServerInfo(ctx, "https://api.example.com", client)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", server.AudienceOrIndicator())
	assert.Equal(t, 10*time.Minute, server.AccessTokenTTL)
	assert.Equal(t, domain.Scopes{"read", "write"}, server.Scopes())

	testCases := []struct {
		name      string
		indicator string
		client    *domain.Client
	}{
		{name: "unknown indicator", indicator: "https://unknown.example.com", client: client},
		{name: "restricted to other clients", indicator: "https://billing.example.com", client: client},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := repo.GetResourceServerInfo(ctx, tc.indicator, tc.client)
			var oauthErr *serrors.OAuth2Error
			require.ErrorAs(t, err, &oauthErr)
			assert.Equal(t, serrors.InvalidTarget, oauthErr.Code)
		})
	}

	billing, err := repo.GetResourceServerInfo(ctx, "https://billing.example.com", &domain.Client{ID: "client-billing"})
	require.NoError(t, err)
	assert.Equal(t, "billing", billing.AudienceOrIndicator())
	assert.Equal(t, domain.TokenFormatJWT, billing.AccessTokenFormat)

	defaults, err := repo.DefaultResource(ctx, client, []string{"https://api.example.com", "https://billing.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://api.example.com"}, defaults)
}

func TestClientRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewClientRepository(testutil.SetupTestMongoDB(t, "test_clients"))

	require.NoError(t, repo.CreateClient(ctx, &domain.Client{
		ID:                "client-1",
		Type:              domain.ClientTypeConfidential,
		AllowedGrantTypes: []string{domain.GrantTypeRefreshToken},
		TokenEndpointAuth: domain.AuthMethodClientSecretBasic,
		IsActive:          true,
	}))
	require.NoError(t, repo.CreateClient(ctx, &domain.Client{ID: "client-disabled"}))

	client, err := repo.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, client.AllowsGrantType(domain.GrantTypeRefreshToken))
	assert.False(t, client.IsPublic())

	_, err = repo.GetClient(ctx, "client-disabled")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.DeleteClient(ctx, "client-1"))
	assert.ErrorIs(t, repo.DeleteClient(ctx, "client-1"), domain.ErrNotFound)
	_, err = repo.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
