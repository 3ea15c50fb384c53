package identity

import "context"

// NewEmail describes an address to attach to a user
type NewEmail struct {
	Address        string
	Kind           EmailKind
	OrganizationID *int64
	Verified       bool
}

// Store persists users, linked emails, organizations and provider links.
// Implementations enforce the uniqueness and single-primary invariants
// themselves; callers only validate input shape.
type Store interface {
	// CreateUser inserts a user together with its verified primary email
	CreateUser(ctx context.Context, user *User, primary NewEmail) (*LinkedEmail, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	UpdateUserStatus(ctx context.Context, id int64, status UserStatus) error
	SetPasswordHash(ctx context.Context, id int64, hash string) error

	// FindEmail matches an address case-insensitively
	FindEmail(ctx context.Context, address string) (*LinkedEmail, error)
	GetEmail(ctx context.Context, id int64) (*LinkedEmail, error)
	ListEmails(ctx context.Context, userID int64) ([]*LinkedEmail, error)
	InsertEmail(ctx context.Context, userID int64, email NewEmail) (*LinkedEmail, error)
	DeleteEmail(ctx context.Context, userID, emailID int64) error
	MarkVerified(ctx context.Context, userID, emailID int64) (*LinkedEmail, error)
	// SetPrimary moves the primary flag atomically
	SetPrimary(ctx context.Context, userID, emailID int64) error

	// ProvisionFromProvider resolves or creates the user for a verified
	// provider identity in one transaction. created reports a new user.
	ProvisionFromProvider(ctx context.Context, id ProviderIdentity) (user *User, created bool, err error)

	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id int64) (*Organization, error)
}
