package mongodb

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/pilab-dev/tenant-sso/domain"
	serrors "github.com/pilab-dev/tenant-sso/errors"
)

// Resource is the stored form of a resource server.
//
//nolint:tagliatelle
type Resource struct {
	ID                    string `bson:"_id"`
	domain.ResourceServer `bson:",inline"`

	// IsDefault marks the resource picked when a token holds several and none was requested.
	IsDefault bool `bson:"is_default"`
	// ClientIDs restricts the resource to the listed clients. Empty means every client.
	ClientIDs []string `bson:"client_ids,omitempty"`
}

func (r *Resource) availableTo(client *domain.Client) bool {
	return len(r.ClientIDs) == 0 || (client != nil && slices.Contains(r.ClientIDs, client.ID))
}

// ResourceRepository implements domain.ResourceIndicatorResolver.
type ResourceRepository struct {
	coll *mongo.Collection
}

var _ domain.ResourceIndicatorResolver = (*ResourceRepository)(nil)

func NewResourceRepository(db *mongo.Database) *ResourceRepository {
	return &ResourceRepository{coll: db.Collection(ResourcesCollection)}
}

// SaveResource creates or replaces a resource server. The indicator is the document ID.
func (r *ResourceRepository) SaveResource(ctx context.Context, res *Resource) error {
	res.ID = res.Indicator
	if err := upsert(ctx, r.coll, res.ID, res); err != nil {
		return fmt.Errorf("failed to save resource server: %w", err)
	}
	return nil
}

// DefaultResource implements domain.ResourceIndicatorResolver.
func (r *ResourceRepository) DefaultResource(ctx context.Context, client *domain.Client, oneOf []string) ([]string, error) {
	cursor, err := r.coll.Find(ctx, bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: oneOf}}},
		{Key: "is_default", Value: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find default resources: %w", err)
	}

	var resources []Resource
	if err := cursor.All(ctx, &resources); err != nil {
		return nil, fmt.Errorf("failed to decode resources: %w", err)
	}

	out := make([]string, 0, len(resources))
	for _, res := range resources {
		if res.availableTo(client) {
			out = append(out, res.Indicator)
		}
	}
	slices.Sort(out)
	return out, nil
}

// GetResourceServerInfo implements domain.ResourceIndicatorResolver.
func (r *ResourceRepository) GetResourceServerInfo(ctx context.Context, indicator string, client *domain.Client) (*domain.ResourceServer, error) {
	var res Resource
	err := r.coll.FindOne(ctx, byID(indicator)).Decode(&res)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, serrors.NewInvalidTarget("resource indicator is not registered")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resource server: %w", err)
	}
	if !res.availableTo(client) {
		return nil, serrors.NewInvalidTarget("resource indicator is not available to the client")
	}

	server := res.ResourceServer
	if server.AccessTokenFormat == "" {
		server.AccessTokenFormat = domain.TokenFormatJWT
	}
	return &server, nil
}
