package auth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind separates human session tokens from machine tokens
type TokenKind string

const (
	KindUser    TokenKind = "user"
	KindService TokenKind = "service"
)

// Claims is the access token payload. User tokens carry a role snapshot and
// optional organization binding; service tokens carry scopes and never roles.
type Claims struct {
	Kind           TokenKind `json:"kind"`
	OrganizationID *int64    `json:"org,omitempty"`
	Roles          []string  `json:"roles,omitempty"`
	Scopes         []string  `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject of a user token
func (c *Claims) UserID() (int64, error) {
	if c.Kind != KindUser {
		return 0, fmt.Errorf("%w: not a user token", ErrMalformed)
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad subject", ErrMalformed)
	}
	return id, nil
}

// ClientID returns the subject of a service token
func (c *Claims) ClientID() string {
	if c.Kind != KindService {
		return ""
	}
	return c.Subject
}

// HasScope reports an exact scope match
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ValidateScope checks "verb:resource" syntax and that the verb is read.
// Resources are lower-case letters and underscores.
func ValidateScope(scope string) error {
	verb, resource, ok := strings.Cut(scope, ":")
	if !ok || verb == "" || resource == "" {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	for _, r := range verb + resource {
		if (r < 'a' || r > 'z') && r != '_' {
			return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
		}
	}
	if verb != "read" {
		return fmt.Errorf("%w: %q", ErrScopeNotIssuable, scope)
	}
	return nil
}
