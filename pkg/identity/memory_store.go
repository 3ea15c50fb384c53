package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

type providerKey struct {
	issuer  string
	subject string
}

// MemoryStore is an in-process Store used by tests and single-node development
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[int64]*User
	emails    map[int64]*LinkedEmail
	byAddress map[string]int64
	providers map[providerKey]int64
	orgs      map[int64]*Organization
	nextID    int64
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[int64]*User),
		emails:    make(map[int64]*LinkedEmail),
		byAddress: make(map[string]int64),
		providers: make(map[providerKey]int64),
		orgs:      make(map[int64]*Organization),
		now:       time.Now,
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *User, primary NewEmail) (*LinkedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byAddress[NormalizeAddress(primary.Address)]; taken {
		return nil, ErrConflict
	}
	if err := s.checkOrg(primary.OrganizationID); err != nil {
		return nil, err
	}
	s.createUserLocked(user)
	primary.Verified = true
	email := s.insertEmailLocked(user.ID, primary, true)
	return copyEmail(email), nil
}

func (s *MemoryStore) createUserLocked(user *User) {
	now := s.now()
	user.ID = s.id()
	if user.Status == "" {
		user.Status = UserStatusActive
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	stored := *user
	s.users[user.ID] = &stored
}

func (s *MemoryStore) insertEmailLocked(userID int64, e NewEmail, primary bool) *LinkedEmail {
	now := s.now()
	email := &LinkedEmail{
		ID:             s.id(),
		UserID:         userID,
		Address:        e.Address,
		Kind:           e.Kind,
		Verified:       e.Verified,
		Primary:        primary,
		OrganizationID: e.OrganizationID,
		CreatedAt:      now,
	}
	if e.Verified {
		email.VerifiedAt = &now
	}
	s.emails[email.ID] = email
	s.byAddress[NormalizeAddress(e.Address)] = email.ID
	return email
}

func (s *MemoryStore) checkOrg(orgID *int64) error {
	if orgID == nil {
		return nil
	}
	if _, ok := s.orgs[*orgID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryStore) UpdateUserStatus(ctx context.Context, id int64, status UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	user.Status = status
	user.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) FindEmail(ctx context.Context, address string) (*LinkedEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEmail(s.emails[id]), nil
}

func (s *MemoryStore) GetEmail(ctx context.Context, id int64) (*LinkedEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email, ok := s.emails[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEmail(email), nil
}

func (s *MemoryStore) ListEmails(ctx context.Context, userID int64) ([]*LinkedEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*LinkedEmail
	for _, e := range s.emails {
		if e.UserID == userID {
			out = append(out, copyEmail(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertEmail(ctx context.Context, userID int64, e NewEmail) (*LinkedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, ErrNotFound
	}
	if _, taken := s.byAddress[NormalizeAddress(e.Address)]; taken {
		return nil, ErrConflict
	}
	if err := s.checkOrg(e.OrganizationID); err != nil {
		return nil, err
	}
	return copyEmail(s.insertEmailLocked(userID, e, false)), nil
}

func (s *MemoryStore) DeleteEmail(ctx context.Context, userID, emailID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.emails[emailID]
	if !ok || email.UserID != userID {
		return ErrNotFound
	}
	if email.Primary {
		return ErrCannotRemovePrimary
	}
	delete(s.emails, emailID)
	delete(s.byAddress, NormalizeAddress(email.Address))
	return nil
}

func (s *MemoryStore) MarkVerified(ctx context.Context, userID, emailID int64) (*LinkedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.emails[emailID]
	if !ok || email.UserID != userID {
		return nil, ErrNotFound
	}
	if !email.Verified {
		now := s.now()
		email.Verified = true
		email.VerifiedAt = &now
	}
	return copyEmail(email), nil
}

func (s *MemoryStore) SetPrimary(ctx context.Context, userID, emailID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.emails[emailID]
	if !ok || target.UserID != userID {
		return ErrNotFound
	}
	if !target.Verified {
		return ErrNotVerified
	}
	for _, e := range s.emails {
		if e.UserID == userID {
			e.Primary = e.ID == emailID
		}
	}
	return nil
}

func (s *MemoryStore) ProvisionFromProvider(ctx context.Context, id ProviderIdentity) (*User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := providerKey{issuer: id.Issuer, subject: id.Subject}
	if userID, ok := s.providers[key]; ok {
		cp := *s.users[userID]
		return &cp, false, nil
	}

	if emailID, ok := s.byAddress[NormalizeAddress(id.Email)]; ok {
		email := s.emails[emailID]
		if !email.Verified {
			return nil, false, ErrNotVerified
		}
		s.providers[key] = email.UserID
		cp := *s.users[email.UserID]
		return &cp, false, nil
	}

	user := &User{DisplayName: id.DisplayName, Provenance: id.Provenance()}
	s.createUserLocked(user)
	s.insertEmailLocked(user.ID, NewEmail{Address: id.Email, Kind: EmailKindPersonal, Verified: true}, true)
	s.providers[key] = user.ID
	return user, true, nil
}

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	org.ID = s.id()
	if org.Status == "" {
		org.Status = OrgStatusActive
	}
	org.CreatedAt = now
	org.UpdatedAt = now
	stored := *org
	s.orgs[org.ID] = &stored
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func copyEmail(e *LinkedEmail) *LinkedEmail {
	cp := *e
	if e.OrganizationID != nil {
		id := *e.OrganizationID
		cp.OrganizationID = &id
	}
	return &cp
}
