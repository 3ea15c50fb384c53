package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/platinummonkey/accounts/pkg/observability"
)

// Resolver maps linked email addresses to canonical users and owns the
// linked-email lifecycle.
type Resolver struct {
	store      Store
	logger     *observability.Logger
	bcryptCost int

	dummyOnce sync.Once
	dummyHash []byte
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithBcryptCost overrides the bcrypt cost used by SetPassword and
// VerifyPassword
func WithBcryptCost(cost int) ResolverOption {
	return func(r *Resolver) { r.bcryptCost = cost }
}

// NewResolver creates a Resolver over store
func NewResolver(store Store, logger *observability.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Resolver{store: store, logger: logger.WithComponent("identity")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store
func (r *Resolver) Store() Store {
	return r.store
}

// Resolve returns the user owning address, whichever of their emails it is
func (r *Resolver) Resolve(ctx context.Context, address string) (*User, error) {
	user, _, err := r.ResolveEmail(ctx, address)
	return user, err
}

// ResolveEmail returns the owning user along with the matched email
func (r *Resolver) ResolveEmail(ctx context.Context, address string) (*User, *LinkedEmail, error) {
	email, err := r.store.FindEmail(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	user, err := r.store.GetUser(ctx, email.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, email, nil
}

// LinkOption configures LinkEmail
type LinkOption func(*NewEmail)

// PreVerified marks the email verified at link time. Reserved for
// administrative onboarding.
func PreVerified() LinkOption {
	return func(e *NewEmail) { e.Verified = true }
}

// LinkEmail attaches a new address to userID
func (r *Resolver) LinkEmail(ctx context.Context, userID int64, address string, kind EmailKind, orgID *int64, opts ...LinkOption) (*LinkedEmail, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	if err := ValidateKind(kind, orgID); err != nil {
		return nil, err
	}
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == UserStatusArchived {
		return nil, ErrArchived
	}

	e := NewEmail{Address: strings.TrimSpace(address), Kind: kind, OrganizationID: orgID}
	for _, opt := range opts {
		opt(&e)
	}
	email, err := r.store.InsertEmail(ctx, userID, e)
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(map[string]interface{}{
		"user_id":  userID,
		"email_id": email.ID,
		"kind":     kind,
		"verified": email.Verified,
	}).Info("linked email")
	return email, nil
}

// SetPrimary makes emailID the user's primary address
func (r *Resolver) SetPrimary(ctx context.Context, userID, emailID int64) error {
	if err := r.store.SetPrimary(ctx, userID, emailID); err != nil {
		return err
	}
	r.logger.WithField("user_id", userID).WithField("email_id", emailID).Info("primary email changed")
	return nil
}

// Unlink removes a non-primary email from the user
func (r *Resolver) Unlink(ctx context.Context, userID, emailID int64) error {
	if err := r.store.DeleteEmail(ctx, userID, emailID); err != nil {
		return err
	}
	r.logger.WithField("user_id", userID).WithField("email_id", emailID).Info("unlinked email")
	return nil
}

// ListEmails lists the user's emails ordered by id
func (r *Resolver) ListEmails(ctx context.Context, userID int64) ([]*LinkedEmail, error) {
	return r.store.ListEmails(ctx, userID)
}

// GetEmail returns a single email
func (r *Resolver) GetEmail(ctx context.Context, emailID int64) (*LinkedEmail, error) {
	return r.store.GetEmail(ctx, emailID)
}

// VerifyEmail marks an email verified
func (r *Resolver) VerifyEmail(ctx context.Context, userID, emailID int64) (*LinkedEmail, error) {
	return r.store.MarkVerified(ctx, userID, emailID)
}

// NewUser describes a user created by administrative provisioning
type NewUser struct {
	DisplayName    string
	Email          string
	Kind           EmailKind
	OrganizationID *int64
	Provenance     string
}

// CreateUser creates a user whose first email is verified and primary
func (r *Resolver) CreateUser(ctx context.Context, req NewUser) (*User, *LinkedEmail, error) {
	if req.Kind == "" {
		req.Kind = EmailKindPersonal
	}
	if err := ValidateAddress(req.Email); err != nil {
		return nil, nil, err
	}
	if err := ValidateKind(req.Kind, req.OrganizationID); err != nil {
		return nil, nil, err
	}

	user := &User{DisplayName: req.DisplayName, Provenance: req.Provenance}
	email, err := r.store.CreateUser(ctx, user, NewEmail{
		Address:        strings.TrimSpace(req.Email),
		Kind:           req.Kind,
		OrganizationID: req.OrganizationID,
	})
	if err != nil {
		return nil, nil, err
	}
	r.logger.WithField("user_id", user.ID).Info("created user")
	return user, email, nil
}

// GetUser returns a user by id
func (r *Resolver) GetUser(ctx context.Context, id int64) (*User, error) {
	return r.store.GetUser(ctx, id)
}

// ArchiveUser soft-deletes a user; archived users never authenticate again
func (r *Resolver) ArchiveUser(ctx context.Context, id int64) error {
	if err := r.store.UpdateUserStatus(ctx, id, UserStatusArchived); err != nil {
		return err
	}
	r.logger.WithField("user_id", id).Info("archived user")
	return nil
}

// SetPassword replaces the user's password hash
func (r *Resolver) SetPassword(ctx context.Context, userID int64, password string) error {
	hash, err := HashPassword(password, r.bcryptCost)
	if err != nil {
		return err
	}
	return r.store.SetPasswordHash(ctx, userID, hash)
}

// ProvisionFromProvider resolves or creates the user behind a verified
// provider identity
func (r *Resolver) ProvisionFromProvider(ctx context.Context, id ProviderIdentity) (*User, bool, error) {
	if id.Issuer == "" || id.Subject == "" {
		return nil, false, fmt.Errorf("%w: provider identity needs issuer and subject", ErrInvalidInput)
	}
	if err := ValidateAddress(id.Email); err != nil {
		return nil, false, err
	}
	user, created, err := r.store.ProvisionFromProvider(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotVerified) {
			r.logger.WithError(err).WithField("issuer", id.Issuer).Error("provider provisioning failed")
		}
		return nil, false, err
	}
	if created {
		r.logger.WithFields(map[string]interface{}{
			"user_id": user.ID,
			"issuer":  id.Issuer,
		}).Info("provisioned user from provider")
	}
	return user, created, nil
}

// CreateOrganization creates an organization
func (r *Resolver) CreateOrganization(ctx context.Context, name, contactEmail string) (*Organization, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	org := &Organization{Name: strings.TrimSpace(name), ContactEmail: contactEmail}
	if err := r.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// GetOrganization returns an organization by id
func (r *Resolver) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	return r.store.GetOrganization(ctx, id)
}
