package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretVerifier checks a client secret against its stored hash.
type SecretVerifier interface {
	Verify(hashedSecret, secret string) error
}

// BcryptSecretHasher hashes and verifies client secrets with bcrypt.
type BcryptSecretHasher struct {
	Cost int
}

var _ SecretVerifier = (*BcryptSecretHasher)(nil)

// NewBcryptSecretHasher creates a BcryptSecretHasher.
// Default cost is bcrypt.DefaultCost if cost <= 0.
func NewBcryptSecretHasher(cost int) *BcryptSecretHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptSecretHasher{Cost: cost}
}

// Hash generates a bcrypt hash for the given secret.
func (h *BcryptSecretHasher) Hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), h.Cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash generation failed: %w", err)
	}
	return string(hashed), nil
}

// Verify compares a bcrypt hashed secret with its possible plaintext equivalent.
// Returns nil on success, or an error (e.g., bcrypt.ErrMismatchedHashAndPassword) on failure.
func (h *BcryptSecretHasher) Verify(hashedSecret, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedSecret), []byte(secret))
}
