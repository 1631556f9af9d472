package mongodb

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/pilab-dev/tenant-sso/domain"
)

// Organization is a tenant organization accounts can be members of.
//
//nolint:tagliatelle
type Organization struct {
	ID          string `bson:"_id"          json:"id"`
	Name        string `bson:"name"         json:"name"`
	MFARequired bool   `bson:"mfa_required" json:"mfa_required"`
}

// Membership links an account to an organization and its roles there.
//
//nolint:tagliatelle
type Membership struct {
	OrganizationID string   `bson:"organization_id"    json:"organization_id"`
	AccountID      string   `bson:"account_id"         json:"account_id"`
	RoleIDs        []string `bson:"role_ids,omitempty" json:"role_ids,omitempty"`
}

// OrganizationRole grants a set of scopes inside one organization.
//
//nolint:tagliatelle
type OrganizationRole struct {
	ID             string   `bson:"_id"             json:"id"`
	OrganizationID string   `bson:"organization_id" json:"organization_id"`
	Name           string   `bson:"name"            json:"name"`
	Scopes         []string `bson:"scopes"          json:"scopes"`
}

// OrganizationRepository implements domain.ScopeResolver.
type OrganizationRepository struct {
	organizations *mongo.Collection
	members       *mongo.Collection
	roles         *mongo.Collection
}

var _ domain.ScopeResolver = (*OrganizationRepository)(nil)

func NewOrganizationRepository(db *mongo.Database) *OrganizationRepository {
	return &OrganizationRepository{
		organizations: db.Collection(OrganizationsCollection),
		members:       db.Collection(OrganizationMembersCollection),
		roles:         db.Collection(OrganizationRolesCollection),
	}
}

func (r *OrganizationRepository) CreateOrganization(ctx context.Context, org *Organization) error {
	if _, err := r.organizations.InsertOne(ctx, org); err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

func (r *OrganizationRepository) CreateRole(ctx context.Context, role *OrganizationRole) error {
	if _, err := r.roles.InsertOne(ctx, role); err != nil {
		return fmt.Errorf("failed to create organization role: %w", err)
	}
	return nil
}

// AddMember creates or replaces the membership of an account.
func (r *OrganizationRepository) AddMember(ctx context.Context, m *Membership) error {
	_, err := r.members.ReplaceOne(ctx, membershipFilter(m.OrganizationID, m.AccountID), m, upsertReplace())
	if err != nil {
		return fmt.Errorf("failed to add organization member: %w", err)
	}
	return nil
}

func membershipFilter(organizationID, accountID string) bson.D {
	return bson.D{
		{Key: "organization_id", Value: organizationID},
		{Key: "account_id", Value: accountID},
	}
}

// IsMember implements domain.ScopeResolver.
func (r *OrganizationRepository) IsMember(ctx context.Context, organizationID, accountID string) (bool, error) {
	n, err := r.members.CountDocuments(ctx, membershipFilter(organizationID, accountID))
	if err != nil {
		return false, fmt.Errorf("failed to check organization membership: %w", err)
	}
	return n > 0, nil
}

// IsMFARequired implements domain.ScopeResolver. Unknown organizations require nothing.
func (r *OrganizationRepository) IsMFARequired(ctx context.Context, organizationID string) (bool, error) {
	var org Organization
	err := r.organizations.FindOne(ctx, byID(organizationID)).Decode(&org)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to find organization: %w", err)
	}
	return org.MFARequired, nil
}

// GetUserScopes implements domain.ScopeResolver. The result is the sorted union of the scopes
// of every role the member holds.
func (r *OrganizationRepository) GetUserScopes(ctx context.Context, organizationID, accountID string) ([]string, error) {
	var m Membership
	err := r.members.FindOne(ctx, membershipFilter(organizationID, accountID)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find organization membership: %w", err)
	}
	if len(m.RoleIDs) == 0 {
		return []string{}, nil
	}

	cursor, err := r.roles.Find(ctx, bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: m.RoleIDs}}},
		{Key: "organization_id", Value: organizationID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find organization roles: %w", err)
	}

	var roles []OrganizationRole
	if err := cursor.All(ctx, &roles); err != nil {
		return nil, fmt.Errorf("failed to decode organization roles: %w", err)
	}

	scopes := []string{}
	for _, role := range roles {
		scopes = append(scopes, role.Scopes...)
	}
	slices.Sort(scopes)
	return slices.Compact(scopes), nil
}
