package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/pilab-dev/tenant-sso/domain"
)

// ClientRepository implements domain.ClientStore.
type ClientRepository struct {
	coll *mongo.Collection
}

var _ domain.ClientStore = (*ClientRepository)(nil)

func NewClientRepository(db *mongo.Database) *ClientRepository {
	return &ClientRepository{coll: db.Collection(ClientsCollection)}
}

// CreateClient registers a new client.
func (r *ClientRepository) CreateClient(ctx context.Context, client *domain.Client) error {
	if _, err := r.coll.InsertOne(ctx, client); err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetClient retrieves an active client by ID.
func (r *ClientRepository) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	var client domain.Client
	err := r.coll.FindOne(ctx, byID(clientID)).Decode(&client)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if !client.IsActive {
		return nil, domain.ErrNotFound
	}
	return &client, nil
}

// DeleteClient removes a client.
func (r *ClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	res, err := r.coll.DeleteOne(ctx, byID(clientID))
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
