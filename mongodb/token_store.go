package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pilab-dev/tenant-sso/cache"
	"github.com/pilab-dev/tenant-sso/domain"
)

// TokenStore implements domain.TokenStore on MongoDB. Token documents are keyed by the
// hash of the token value; the raw value is never written.
type TokenStore struct {
	refreshTokens *mongo.Collection
	accessTokens  *mongo.Collection
	grants        *mongo.Collection
}

var _ domain.TokenStore = (*TokenStore)(nil)

func NewTokenStore(db *mongo.Database) *TokenStore {
	return &TokenStore{
		refreshTokens: db.Collection(RefreshTokensCollection),
		accessTokens:  db.Collection(AccessTokensCollection),
		grants:        db.Collection(GrantsCollection),
	}
}

func byID(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

func upsertReplace() *options.ReplaceOptionsBuilder {
	return options.Replace().SetUpsert(true)
}

func upsert(ctx context.Context, coll *mongo.Collection, id string, doc any) error {
	_, err := coll.ReplaceOne(ctx, byID(id), doc, upsertReplace())
	return err
}

func findOne(ctx context.Context, coll *mongo.Collection, id string, dst any) error {
	err := coll.FindOne(ctx, byID(id)).Decode(dst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.ErrNotFound
	}
	return err
}

// FindRefreshToken implements domain.RefreshTokenStore.
func (s *TokenStore) FindRefreshToken(ctx context.Context, value string) (*domain.RefreshToken, error) {
	var token domain.RefreshToken
	if err := findOne(ctx, s.refreshTokens, cache.HashToken(value), &token); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	token.ID = value
	return &token, nil
}

// SaveRefreshToken implements domain.RefreshTokenStore.
func (s *TokenStore) SaveRefreshToken(ctx context.Context, token *domain.RefreshToken) error {
	doc := *token
	doc.ID = cache.HashToken(token.ID)
	if err := upsert(ctx, s.refreshTokens, doc.ID, &doc); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken implements domain.RefreshTokenStore. The filter on consumed=false makes
// the update a compare-and-set.
func (s *TokenStore) ConsumeRefreshToken(ctx context.Context, value string) error {
	key := cache.HashToken(value)

	res, err := s.refreshTokens.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: key}, {Key: "consumed", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "consumed", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.refreshTokens.CountDocuments(ctx, byID(key))
	if err != nil {
		return fmt.Errorf("failed to check refresh token: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrAlreadyConsumed
}

// DestroyRefreshToken implements domain.RefreshTokenStore.
func (s *TokenStore) DestroyRefreshToken(ctx context.Context, value string) error {
	if _, err := s.refreshTokens.DeleteOne(ctx, byID(cache.HashToken(value))); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// SaveAccessToken implements domain.AccessTokenStore.
func (s *TokenStore) SaveAccessToken(ctx context.Context, token *domain.AccessToken) error {
	doc := *token
	doc.ID = cache.HashToken(token.ID)
	if err := upsert(ctx, s.accessTokens, doc.ID, &doc); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// FindAccessToken implements domain.AccessTokenStore.
func (s *TokenStore) FindAccessToken(ctx context.Context, value string) (*domain.AccessToken, error) {
	var token domain.AccessToken
	if err := findOne(ctx, s.accessTokens, cache.HashToken(value), &token); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to find access token: %w", err)
	}
	token.ID = value
	return &token, nil
}

// SaveGrant stores a grant under its ID.
func (s *TokenStore) SaveGrant(ctx context.Context, grant *domain.Grant) error {
	if err := upsert(ctx, s.grants, grant.ID, grant); err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// FindGrant implements domain.GrantStore.
func (s *TokenStore) FindGrant(ctx context.Context, grantID string) (*domain.Grant, error) {
	var grant domain.Grant
	if err := findOne(ctx, s.grants, grantID, &grant); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to find grant: %w", err)
	}
	return &grant, nil
}

// RevokeGrant implements domain.GrantStore.
func (s *TokenStore) RevokeGrant(ctx context.Context, grantID string) error {
	filter := bson.D{{Key: "grant_id", Value: grantID}}

	rts, err := s.refreshTokens.DeleteMany(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	ats, err := s.accessTokens.DeleteMany(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	if _, err := s.grants.DeleteOne(ctx, byID(grantID)); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	log.Ctx(ctx).Debug().
		Str("grant_id", grantID).
		Int64("refresh_tokens", rts.DeletedCount).
		Int64("access_tokens", ats.DeletedCount).
		Msg("grant revoked")
	return nil
}
