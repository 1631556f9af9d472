// Package binding validates proof-of-possession for sender-constrained tokens: DPoP proofs and
// mutual-TLS client certificates.
package binding

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const proofType = "dpop+jwt"

var (
	ErrInvalidProof    = errors.New("invalid DPoP proof")
	ErrProofExpired    = errors.New("DPoP proof iat is not recent enough")
	ErrProofMismatch   = errors.New("DPoP proof does not match the request")
	ErrPrivateProofKey = errors.New("DPoP proof jwk must be a public key")
)

var proofAlgorithms = []string{"RS256", "PS256", "ES256", "ES384", "ES512", "EdDSA"}

// Algorithms returns the JWS algorithms accepted for proofs.
func Algorithms() []string {
	return slices.Clone(proofAlgorithms)
}

// Proof is a validated DPoP proof.
type Proof struct {
	// Thumbprint is the RFC 7638 SHA-256 thumbprint of the proof key.
	Thumbprint string
	JTI        string
	IssuedAt   time.Time
}

// ProofValidator checks DPoP proofs presented at the token endpoint.
type ProofValidator struct {
	MaxAge time.Duration
	Now    func() time.Time
}

// NewProofValidator creates a validator accepting proofs issued within maxAge.
func NewProofValidator(maxAge time.Duration) *ProofValidator {
	return &ProofValidator{MaxAge: maxAge, Now: time.Now}
}

// Validate verifies the proof signature with its embedded key and checks that it was made for
// method and target.
func (v *ProofValidator) Validate(proof, method, target string) (*Proof, error) {
	var thumbprint string

	token, err := jwt.Parse(proof, func(token *jwt.Token) (any, error) {
		if typ, _ := token.Header["typ"].(string); typ != proofType {
			return nil, fmt.Errorf("unexpected typ %q", typ)
		}
		raw, ok := token.Header["jwk"].(map[string]any)
		if !ok {
			return nil, errors.New("missing jwk header")
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		key, err := jwk.ParseKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jwk header: %w", err)
		}

		var public any
		if err := jwk.Export(key, &public); err != nil {
			return nil, fmt.Errorf("failed to export jwk header: %w", err)
		}
		switch public.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		default:
			return nil, ErrPrivateProofKey
		}

		sum, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, err
		}
		thumbprint = base64.RawURLEncoding.EncodeToString(sum)
		return public, nil
	}, jwt.WithValidMethods(proofAlgorithms))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidProof
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidProof)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrInvalidProof)
	}
	now := v.now()
	if d := now.Sub(iat.Time); d > v.MaxAge || d < -v.MaxAge {
		return nil, ErrProofExpired
	}

	htm, _ := claims["htm"].(string)
	if htm != method {
		return nil, fmt.Errorf("%w: htm", ErrProofMismatch)
	}
	htu, _ := claims["htu"].(string)
	if !sameTarget(htu, target) {
		return nil, fmt.Errorf("%w: htu", ErrProofMismatch)
	}

	return &Proof{Thumbprint: thumbprint, JTI: jti, IssuedAt: iat.Time}, nil
}

func (v *ProofValidator) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

// sameTarget compares two URIs ignoring query and fragment.
func sameTarget(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) &&
		strings.EqualFold(ua.Host, ub.Host) &&
		ua.Path == ub.Path
}

// CertificateThumbprint returns the x5t#S256 value of a certificate.
func CertificateThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
