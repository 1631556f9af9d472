package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pilab-dev/tenant-sso/domain"
)

// expiredGrace keeps already expired records around briefly so lookups that ignore expiration
// can still report "expired" instead of "not found".
const expiredGrace = time.Minute

// MemoryTokenStore implements domain.TokenStore using ttlcache. Records are stored under the
// hash of their token value and never hold the value itself. A mutex serializes writes so
// consumption is an atomic check-and-set.
type MemoryTokenStore struct {
	mu sync.Mutex

	refreshTokens *ttlcache.Cache[string, domain.RefreshToken]
	accessTokens  *ttlcache.Cache[string, domain.AccessToken]
	grants        *ttlcache.Cache[string, domain.Grant]

	// byGrant indexes hashed token keys by grant ID for cascading revocation. Entries are
	// pruned when their token leaves the cache.
	byGrant map[string]map[string]struct{}

	stopEviction []func()
}

var _ domain.TokenStore = (*MemoryTokenStore)(nil)

// NewMemoryTokenStore creates a new in-memory token store with automatic cleanup.
func NewMemoryTokenStore() *MemoryTokenStore {
	s := &MemoryTokenStore{
		refreshTokens: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, domain.RefreshToken](),
		),
		accessTokens: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, domain.AccessToken](),
		),
		grants: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, domain.Grant](),
		),
		byGrant: make(map[string]map[string]struct{}),
	}

	s.stopEviction = []func(){
		s.refreshTokens.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, domain.RefreshToken]) {
			s.unindex(item.Value().GrantID, item.Key())
		}),
		s.accessTokens.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, domain.AccessToken]) {
			s.unindex(item.Value().GrantID, item.Key())
		}),
	}

	go s.refreshTokens.Start()
	go s.accessTokens.Start()
	go s.grants.Start()

	return s
}

func ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return ttlcache.NoTTL
	}
	if d := time.Until(expiresAt); d > 0 {
		return d + expiredGrace
	}
	return expiredGrace
}

func (s *MemoryTokenStore) index(grantID, key string) {
	if grantID == "" {
		return
	}
	keys, ok := s.byGrant[grantID]
	if !ok {
		keys = make(map[string]struct{})
		s.byGrant[grantID] = keys
	}
	keys[key] = struct{}{}
}

// unindex runs on eviction callbacks, which ttlcache invokes on their own goroutines.
func (s *MemoryTokenStore) unindex(grantID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.byGrant[grantID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(s.byGrant, grantID)
	}
}

// indexed returns the number of token keys tracked for a grant.
func (s *MemoryTokenStore) indexed(grantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byGrant[grantID])
}

// FindRefreshToken implements domain.RefreshTokenStore.
func (s *MemoryTokenStore) FindRefreshToken(_ context.Context, value string) (*domain.RefreshToken, error) {
	item := s.refreshTokens.Get(HashToken(value))
	if item == nil {
		return nil, domain.ErrNotFound
	}
	token := item.Value()
	token.ID = value
	return &token, nil
}

// SaveRefreshToken implements domain.RefreshTokenStore.
func (s *MemoryTokenStore) SaveRefreshToken(_ context.Context, token *domain.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := HashToken(token.ID)
	stored := *token
	stored.ID = ""
	s.refreshTokens.Set(key, stored, ttlUntil(token.ExpiresAt))
	s.index(token.GrantID, key)
	return nil
}

// ConsumeRefreshToken implements domain.RefreshTokenStore.
func (s *MemoryTokenStore) ConsumeRefreshToken(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := HashToken(value)
	item := s.refreshTokens.Get(key)
	if item == nil {
		return domain.ErrNotFound
	}
	token := item.Value()
	if token.Consumed {
		return domain.ErrAlreadyConsumed
	}
	token.Consumed = true
	s.refreshTokens.Set(key, token, ttlUntil(token.ExpiresAt))
	return nil
}

// DestroyRefreshToken implements domain.RefreshTokenStore.
func (s *MemoryTokenStore) DestroyRefreshToken(_ context.Context, value string) error {
	s.refreshTokens.Delete(HashToken(value))
	return nil
}

// SaveAccessToken implements domain.AccessTokenStore.
func (s *MemoryTokenStore) SaveAccessToken(_ context.Context, token *domain.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := HashToken(token.ID)
	stored := *token
	stored.ID = ""
	s.accessTokens.Set(key, stored, ttlUntil(token.ExpiresAt))
	s.index(token.GrantID, key)
	return nil
}

// FindAccessToken implements domain.AccessTokenStore.
func (s *MemoryTokenStore) FindAccessToken(_ context.Context, value string) (*domain.AccessToken, error) {
	item := s.accessTokens.Get(HashToken(value))
	if item == nil {
		return nil, domain.ErrNotFound
	}
	token := item.Value()
	token.ID = value
	return &token, nil
}

// SaveGrant stores a grant. Grants are created by the consent flow.
func (s *MemoryTokenStore) SaveGrant(_ context.Context, grant *domain.Grant) error {
	s.grants.Set(grant.ID, *grant, ttlUntil(grant.ExpiresAt))
	return nil
}

// FindGrant implements domain.GrantStore.
func (s *MemoryTokenStore) FindGrant(_ context.Context, grantID string) (*domain.Grant, error) {
	item := s.grants.Get(grantID)
	if item == nil {
		return nil, domain.ErrNotFound
	}
	grant := item.Value()
	return &grant, nil
}

// RevokeGrant implements domain.GrantStore.
func (s *MemoryTokenStore) RevokeGrant(_ context.Context, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.byGrant[grantID] {
		s.refreshTokens.Delete(key)
		s.accessTokens.Delete(key)
	}
	delete(s.byGrant, grantID)
	s.grants.Delete(grantID)
	return nil
}

// Count returns the number of stored refresh and access tokens.
func (s *MemoryTokenStore) Count() int {
	return s.refreshTokens.Len() + s.accessTokens.Len()
}

// Close stops the cleanup goroutines and waits for pending eviction callbacks.
func (s *MemoryTokenStore) Close() error {
	for _, stop := range s.stopEviction {
		stop()
	}
	s.refreshTokens.Stop()
	s.accessTokens.Stop()
	s.grants.Stop()
	return nil
}
