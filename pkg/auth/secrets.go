package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// ClientSecretPrefix identifies service client secrets
	ClientSecretPrefix = "acs_"
	// secretLength is the number of random bytes in a secret (256 bits)
	secretLength = 32
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newTokenID returns a lexicographically sortable identifier for refresh tokens
func newTokenID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// generateSecret returns base64url(32 random bytes)
func generateSecret() (string, error) {
	b := make([]byte, secretLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashSecret computes the SHA256 hash stored in place of a refresh secret
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretMatches(storedHash, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(hashSecret(secret))) == 1
}

// formatRefreshToken builds the caller-visible "<id>.<secret>" form
func formatRefreshToken(id, secret string) string {
	return id + "." + secret
}

// parseRefreshToken splits a refresh token into its id and secret
func parseRefreshToken(raw string) (string, string, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || secret == "" {
		return "", "", ErrInvalidRefresh
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return "", "", ErrInvalidRefresh
	}
	if _, err := base64.RawURLEncoding.DecodeString(secret); err != nil {
		return "", "", ErrInvalidRefresh
	}
	return id, secret, nil
}
