package auth

import (
	"context"
	"time"
)

// RefreshToken is the stored half of a refresh credential. Only the hash of
// the secret is persisted.
type RefreshToken struct {
	ID             string     `json:"id"`
	UserID         int64      `json:"user_id"`
	OrganizationID *int64     `json:"organization_id,omitempty"`
	Audience       string     `json:"audience"`
	TokenHash      string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	ReplacedBy     string     `json:"replaced_by,omitempty"`
}

// ServiceCredential is a machine client allowed to mint read-only tokens
type ServiceCredential struct {
	ClientID   string     `json:"client_id"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}

// Active reports whether the credential may still authenticate
func (c *ServiceCredential) Active() bool {
	return c.DisabledAt == nil
}

// Allows reports whether scope is in the credential's allow-list
func (c *ServiceCredential) Allows(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RefreshStore persists refresh tokens
type RefreshStore interface {
	CreateRefresh(ctx context.Context, t *RefreshToken) error
	GetRefresh(ctx context.Context, id string) (*RefreshToken, error)
	// RotateRefresh revokes oldID and stores next atomically. It returns
	// ErrRefreshReused when oldID was already revoked.
	RotateRefresh(ctx context.Context, oldID string, next *RefreshToken) error
	RevokeRefresh(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID int64) (int64, error)
	DeleteExpiredRefresh(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialStore persists service credentials
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *ServiceCredential) error
	GetCredential(ctx context.Context, clientID string) (*ServiceCredential, error)
	DisableCredential(ctx context.Context, clientID string) error
}
