// Package redis implements the token store on Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/tenant-sso/cache"
	"github.com/pilab-dev/tenant-sso/domain"
)

// expiredGrace keeps expired records readable for a minute so the grant reports "expired"
// instead of "not found".
const expiredGrace = time.Minute

const (
	fieldData     = "data"
	fieldConsumed = "consumed"
	fieldGrant    = "grant"
)

// consumeScript flips the consumed flag of a refresh token hash from 0 to 1.
// Returns -1 when the token does not exist, 0 when it was already consumed and 1 on success.
var consumeScript = redis.NewScript(`
local consumed = redis.call('HGET', KEYS[1], 'consumed')
if not consumed then
	return -1
end
if consumed == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

// TokenStore implements domain.TokenStore using Redis hashes. Records are stored under the hash
// of their token value without the value itself, and every grant keeps a set of the token keys
// issued under it.
type TokenStore struct {
	client redis.UniversalClient
	prefix string // Optional prefix for keys
}

var _ domain.TokenStore = (*TokenStore)(nil)

// NewTokenStore creates a new [TokenStore] instance
func NewTokenStore(client redis.UniversalClient, prefix string) *TokenStore {
	return &TokenStore{
		client: client,
		prefix: prefix,
	}
}

func (r *TokenStore) refreshTokenKey(value string) string {
	return fmt.Sprintf("%s:rt:%s", r.prefix, cache.HashToken(value))
}

func (r *TokenStore) accessTokenKey(value string) string {
	return fmt.Sprintf("%s:at:%s", r.prefix, cache.HashToken(value))
}

func (r *TokenStore) grantKey(grantID string) string {
	return fmt.Sprintf("%s:grant:%s", r.prefix, grantID)
}

func (r *TokenStore) grantIndexKey(grantID string) string {
	return fmt.Sprintf("%s:grant:%s:tokens", r.prefix, grantID)
}

func expiry(expiresAt time.Time) time.Time {
	if expiresAt.IsZero() {
		return time.Time{}
	}
	return expiresAt.Add(expiredGrace)
}

// save writes a hash, its expiry and the grant index entry in one transaction.
func (r *TokenStore) save(ctx context.Context, key, grantID string, expiresAt time.Time, fields map[string]any) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		if exp := expiry(expiresAt); !exp.IsZero() {
			pipe.PExpireAt(ctx, key, exp)
		}
		if grantID != "" {
			pipe.SAdd(ctx, r.grantIndexKey(grantID), key)
		}
		return nil
	})
	return err
}

func (r *TokenStore) load(ctx context.Context, key string, dst any) (map[string]string, error) {
	res, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, domain.ErrNotFound
	}
	if err := json.Unmarshal([]byte(res[fieldData]), dst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return res, nil
}

// FindRefreshToken implements domain.RefreshTokenStore.
func (r *TokenStore) FindRefreshToken(ctx context.Context, value string) (*domain.RefreshToken, error) {
	var token domain.RefreshToken
	res, err := r.load(ctx, r.refreshTokenKey(value), &token)
	if err != nil {
		return nil, err
	}
	token.ID = value
	token.Consumed = res[fieldConsumed] == "1"
	return &token, nil
}

// SaveRefreshToken implements domain.RefreshTokenStore.
func (r *TokenStore) SaveRefreshToken(ctx context.Context, token *domain.RefreshToken) error {
	stored := *token
	stored.ID = ""
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	consumed := "0"
	if token.Consumed {
		consumed = "1"
	}

	err = r.save(ctx, r.refreshTokenKey(token.ID), token.GrantID, token.ExpiresAt, map[string]any{
		fieldData:     string(data),
		fieldConsumed: consumed,
		fieldGrant:    token.GrantID,
	})
	if err != nil {
		return fmt.Errorf("failed to save refresh token in Redis: %w", err)
	}
	return nil
}

// ConsumeRefreshToken implements domain.RefreshTokenStore.
func (r *TokenStore) ConsumeRefreshToken(ctx context.Context, value string) error {
	res, err := consumeScript.Run(ctx, r.client, []string{r.refreshTokenKey(value)}).Int()
	if err != nil {
		return fmt.Errorf("failed to consume refresh token in Redis: %w", err)
	}
	switch res {
	case -1:
		return domain.ErrNotFound
	case 0:
		return domain.ErrAlreadyConsumed
	default:
		return nil
	}
}

// DestroyRefreshToken implements domain.RefreshTokenStore.
func (r *TokenStore) DestroyRefreshToken(ctx context.Context, value string) error {
	if err := r.client.Del(ctx, r.refreshTokenKey(value)).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token from Redis: %w", err)
	}
	return nil
}

// SaveAccessToken implements domain.AccessTokenStore.
func (r *TokenStore) SaveAccessToken(ctx context.Context, token *domain.AccessToken) error {
	stored := *token
	stored.ID = ""
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}
	err = r.save(ctx, r.accessTokenKey(token.ID), token.GrantID, token.ExpiresAt, map[string]any{
		fieldData:  string(data),
		fieldGrant: token.GrantID,
	})
	if err != nil {
		return fmt.Errorf("failed to save access token in Redis: %w", err)
	}
	return nil
}

// FindAccessToken implements domain.AccessTokenStore.
func (r *TokenStore) FindAccessToken(ctx context.Context, value string) (*domain.AccessToken, error) {
	var token domain.AccessToken
	if _, err := r.load(ctx, r.accessTokenKey(value), &token); err != nil {
		return nil, err
	}
	token.ID = value
	return &token, nil
}

// SaveGrant stores a grant. The grant's token index expires together with the grant.
func (r *TokenStore) SaveGrant(ctx context.Context, grant *domain.Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := r.grantKey(grant.ID)
		pipe.HSet(ctx, key, fieldData, string(data))
		if exp := expiry(grant.ExpiresAt); !exp.IsZero() {
			pipe.PExpireAt(ctx, key, exp)
			// the grant key seeds the index so the index can carry the grant's expiry
			pipe.SAdd(ctx, r.grantIndexKey(grant.ID), key)
			pipe.PExpireAt(ctx, r.grantIndexKey(grant.ID), exp)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save grant in Redis: %w", err)
	}
	return nil
}

// FindGrant implements domain.GrantStore.
func (r *TokenStore) FindGrant(ctx context.Context, grantID string) (*domain.Grant, error) {
	var grant domain.Grant
	if _, err := r.load(ctx, r.grantKey(grantID), &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RevokeGrant implements domain.GrantStore.
func (r *TokenStore) RevokeGrant(ctx context.Context, grantID string) error {
	indexKey := r.grantIndexKey(grantID)

	keys, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read grant index from Redis: %w", err)
	}
	keys = append(keys, indexKey, r.grantKey(grantID))

	deleted, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to revoke grant in Redis: %w", err)
	}

	log.Ctx(ctx).Debug().Str("grant_id", grantID).Int64("deleted", deleted).Msg("grant revoked")
	return nil
}

// Count returns the number of stored refresh and access tokens.
func (r *TokenStore) Count(ctx context.Context) int {
	var count int
	for _, pattern := range []string{r.prefix + ":rt:*", r.prefix + ":at:*"} {
		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("failed to scan token keys")
				return count
			}
			count += len(keys)
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return count
}
