package identity

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password SetPassword accepts
const MinPasswordLength = 10

// HashPassword hashes a password with bcrypt at the given cost
func HashPassword(password string, cost int) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash. An empty hash never
// matches.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyPassword checks password against user's hash. A missing user or
// hash is compared against a dummy hashed at the resolver's cost, so a
// miss takes as long as a mismatch.
func (r *Resolver) VerifyPassword(user *User, password string) bool {
	if user != nil && user.PasswordHash != "" {
		return CheckPassword(user.PasswordHash, password)
	}
	_ = bcrypt.CompareHashAndPassword(r.dummy(), []byte(password))
	return false
}

func (r *Resolver) dummy() []byte {
	r.dummyOnce.Do(func() {
		cost := r.bcryptCost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		r.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("accounts-timing-equaliser"), cost)
	})
	return r.dummyHash
}
