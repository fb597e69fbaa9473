// Package auth provides license key generation, admin secret hashing, and
// comparison utilities used by both the server and CLI admin commands.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// LicenseKeyBytes is the amount of randomness in a license key.
const LicenseKeyBytes = 16

// GenerateLicenseKey returns 128 random bits as 32 upper-case hex characters.
func GenerateLicenseKey() (string, error) {
	b := make([]byte, LicenseKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// GenerateSecret returns a cryptographically random, URL-safe admin secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// KeysEqual compares two license keys in constant time. Both sides are
// hashed first so the comparison does not leak the stored key length.
func KeysEqual(stored, presented string) bool {
	a := sha256.Sum256([]byte(stored))
	b := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// HashSecret returns a bcrypt hash of an admin secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// SecretVerifier checks presented admin secrets against either a plaintext
// secret or a bcrypt hash. The zero value rejects everything.
type SecretVerifier struct {
	plain []byte
	hash  []byte
}

// NewSecretVerifier prefers hash when both are set.
func NewSecretVerifier(plain, hash string) SecretVerifier {
	plain = strings.TrimSpace(plain)
	hash = strings.TrimSpace(hash)
	if hash != "" {
		return SecretVerifier{hash: []byte(hash)}
	}
	if plain != "" {
		sum := sha256.Sum256([]byte(plain))
		return SecretVerifier{plain: sum[:]}
	}
	return SecretVerifier{}
}

// Configured reports whether any secret is set.
func (v SecretVerifier) Configured() bool {
	return len(v.plain) > 0 || len(v.hash) > 0
}

// Verify reports whether presented matches the configured secret.
func (v SecretVerifier) Verify(presented string) bool {
	if presented == "" {
		return false
	}
	if len(v.hash) > 0 {
		return bcrypt.CompareHashAndPassword(v.hash, []byte(presented)) == nil
	}
	if len(v.plain) == 0 {
		return false
	}
	sum := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(v.plain, sum[:]) == 1
}
