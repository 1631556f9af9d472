package grants

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const tokenValueBytes = 32

// newTokenValue returns a 43 character URL-safe random token value.
func newTokenValue() (string, error) {
	b := make([]byte, tokenValueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
