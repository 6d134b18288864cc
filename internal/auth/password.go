package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MinKeyLength is the minimum operator API key length
	MinKeyLength = 24

	// MaxKeyLength caps key input; bcrypt ignores bytes past 72
	MaxKeyLength = 72
)

// KeyManager hashes and verifies operator API keys
type KeyManager struct {
	bcryptCost int
}

// NewKeyManager creates a new key manager
func NewKeyManager(bcryptCost int) *KeyManager {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = DefaultBcryptCost
	}
	return &KeyManager{bcryptCost: bcryptCost}
}

// HashKey hashes an API key using bcrypt
func (k *KeyManager) HashKey(key string) (string, error) {
	if err := ValidateKeyStrength(key); err != nil {
		return "", err
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), k.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(bytes), nil
}

// VerifyKey verifies an API key against a hash
func (k *KeyManager) VerifyKey(key, hash string) bool {
	if len(key) > MaxKeyLength {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ValidateKeyStrength checks length bounds on an API key
func ValidateKeyStrength(key string) error {
	if len(key) < MinKeyLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakKey, MinKeyLength)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrWeakKey, MaxKeyLength)
	}
	return nil
}

// Authenticate looks up the operator by name and verifies the key. Unknown
// operators still pay for one comparison so timing does not leak names.
func (k *KeyManager) Authenticate(operators []Operator, name, key string) (*Operator, error) {
	var match *Operator
	for i := range operators {
		if subtle.ConstantTimeCompare([]byte(operators[i].Name), []byte(name)) == 1 {
			match = &operators[i]
		}
	}
	if match == nil {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(key))
		return nil, ErrInvalidCredentials
	}
	if !k.VerifyKey(key, match.KeyHash) || !match.Role.Valid() {
		return nil, ErrInvalidCredentials
	}
	return match, nil
}

// bcrypt hash of a random throwaway value
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3ZtqTLE3ZpcaBhh8zVdQ7Ta"
