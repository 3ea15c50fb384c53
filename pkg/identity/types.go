package identity

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// UserStatus represents the lifecycle state of a user
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInactive UserStatus = "inactive"
	UserStatusArchived UserStatus = "archived"
)

// EmailKind distinguishes personal addresses from organization-owned ones
type EmailKind string

const (
	EmailKindPersonal EmailKind = "personal"
	EmailKindWork     EmailKind = "work"
)

// OrgStatus represents the lifecycle state of an organization
type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusArchived  OrgStatus = "archived"
)

// User is the canonical identity every linked email resolves to
type User struct {
	ID           int64      `json:"id"`
	DisplayName  string     `json:"display_name"`
	Status       UserStatus `json:"status"`
	Provenance   string     `json:"provenance,omitempty"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CanAuthenticate reports whether the user may obtain new credentials
func (u *User) CanAuthenticate() bool {
	return u.Status == UserStatusActive
}

// LinkedEmail is one address owned by exactly one user
type LinkedEmail struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Address        string     `json:"address"`
	Kind           EmailKind  `json:"kind"`
	Verified       bool       `json:"verified"`
	Primary        bool       `json:"primary"`
	OrganizationID *int64     `json:"organization_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// Organization is the tenant boundary organization-scoped roles refer to
type Organization struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Status       OrgStatus `json:"status"`
	ContactEmail string    `json:"contact_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProviderIdentity is a verified assertion from the external identity provider
type ProviderIdentity struct {
	Issuer      string
	Subject     string
	Email       string
	DisplayName string
}

// Provenance returns the provenance tag recorded on users provisioned from it
func (p ProviderIdentity) Provenance() string {
	return "provider:" + p.Issuer
}

// NormalizeAddress returns the comparison key for an email address
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateAddress checks that address is a bare RFC 5322 addr-spec
func ValidateAddress(address string) error {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return fmt.Errorf("%w: invalid email address %q", ErrInvalidInput, address)
	}
	return nil
}

// ValidateKind enforces that work emails, and only work emails, carry an organization
func ValidateKind(kind EmailKind, orgID *int64) error {
	switch kind {
	case EmailKindWork:
		if orgID == nil {
			return fmt.Errorf("%w: work email requires an organization", ErrInvalidKind)
		}
	case EmailKindPersonal:
		if orgID != nil {
			return fmt.Errorf("%w: personal email cannot belong to an organization", ErrInvalidKind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKind, kind)
	}
	return nil
}
