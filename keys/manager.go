// Package keys holds the tenant signing keys and the key material used to verify bearer tokens.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"
)

const rsaKeyBits = 2048

var ErrNoSigningKey = errors.New("no signing key available")

// Material is the published key set and issuer of one tenant.
type Material struct {
	Keys   jwk.Set
	Issuer string
}

// Provider returns the verification material of a tenant.
type Provider interface {
	Material(ctx context.Context) (*Material, error)
}

// KeyManager owns the RSA signing keys of the local tenant. After a rotation the previous
// key stays published so tokens signed with it keep verifying until they expire.
type KeyManager struct {
	mu       sync.RWMutex
	issuer   string
	keys     map[string]*rsa.PrivateKey
	current  string
	previous string
}

// NewKeyManager creates a manager with a freshly generated signing key.
func NewKeyManager(issuer string) (*KeyManager, error) {
	m := &KeyManager{
		issuer: issuer,
		keys:   make(map[string]*rsa.PrivateKey),
	}
	if err := m.Rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Issuer returns the issuer the manager signs for.
func (m *KeyManager) Issuer() string {
	return m.issuer
}

// Rotate generates a new signing key. Only the current and the previous key are kept.
func (m *KeyManager) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key: %w", err)
	}
	kid := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.previous != "" {
		delete(m.keys, m.previous)
	}
	m.previous = m.current
	m.keys[kid] = key
	m.current = kid

	return nil
}

// StartRotation rotates the signing key every interval until ctx is done.
func (m *KeyManager) StartRotation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Rotate(); err != nil {
				log.Error().Err(err).Msg("failed to rotate signing keys")
				continue
			}
			log.Info().Msg("signing key rotated")
		}
	}
}

// Sign serializes claims as an RS256 JWT signed with the current key.
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	m.mu.RLock()
	kid, key := m.current, m.keys[m.current]
	m.mu.RUnlock()

	if key == nil {
		return "", ErrNoSigningKey
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// PublicKeys returns the published key set.
func (m *KeyManager) PublicKeys() (jwk.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := jwk.NewSet()
	for kid, private := range m.keys {
		key, err := jwk.Import(&private.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to import public key %s: %w", kid, err)
		}
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("failed to add key %s to set: %w", kid, err)
		}
	}
	return set, nil
}

// Material implements Provider for the local tenant.
func (m *KeyManager) Material(_ context.Context) (*Material, error) {
	set, err := m.PublicKeys()
	if err != nil {
		return nil, err
	}
	return &Material{Keys: set, Issuer: m.issuer}, nil
}
