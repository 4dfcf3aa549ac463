package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MaxSecretLength is the bcrypt input limit
	MaxSecretLength = 72
)

// SecretHasher hashes refresh-token secrets before they reach the cache
type SecretHasher struct {
	bcryptCost int
}

// NewSecretHasher creates a hasher. Costs below bcrypt.MinCost fall back to the default.
func NewSecretHasher(bcryptCost int) *SecretHasher {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = DefaultBcryptCost
	}
	return &SecretHasher{bcryptCost: bcryptCost}
}

// Hash hashes secret using bcrypt
func (h *SecretHasher) Hash(secret string) (string, error) {
	if len(secret) > MaxSecretLength {
		return "", fmt.Errorf("secret too long")
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), h.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}

	return string(bytes), nil
}

// Verify checks secret against a hash
func (h *SecretHasher) Verify(secret, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	return err == nil
}
