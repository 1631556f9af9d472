package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	RefreshTokensCollection       = "refresh_tokens"
	AccessTokensCollection        = "access_tokens"
	GrantsCollection              = "grants"
	AccountsCollection            = "accounts"
	ClientsCollection             = "oauth_clients"
	ResourcesCollection           = "resource_servers"
	OrganizationsCollection       = "organizations"
	OrganizationMembersCollection = "organization_members"
	OrganizationRolesCollection   = "organization_roles"
)

// expiredGraceSeconds keeps expired records around for a minute so the grant can report
// "expired" rather than "not found".
const expiredGraceSeconds = 60

// EnsureIndexes creates the TTL, lookup and uniqueness indexes used by the stores.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	expiring := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(expiredGraceSeconds),
	}
	byGrant := mongo.IndexModel{Keys: bson.D{{Key: "grant_id", Value: 1}}}

	indexes := map[string][]mongo.IndexModel{
		RefreshTokensCollection: {expiring, byGrant},
		AccessTokensCollection:  {expiring, byGrant},
		GrantsCollection:        {expiring},
		OrganizationMembersCollection: {{
			Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "account_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		OrganizationRolesCollection: {{Keys: bson.D{{Key: "organization_id", Value: 1}}}},
	}

	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	return nil
}
