package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements RefreshStore and CredentialStore in process
type MemoryStore struct {
	mu          sync.Mutex
	refresh     map[string]*RefreshToken
	credentials map[string]*ServiceCredential
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refresh:     make(map[string]*RefreshToken),
		credentials: make(map[string]*ServiceCredential),
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateRefresh(ctx context.Context, t *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[t.ID]; ok {
		return ErrInvalidRefresh
	}
	s.refresh[t.ID] = copyRefresh(t)
	return nil
}

func (s *MemoryStore) GetRefresh(ctx context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRefresh(t), nil
}

func (s *MemoryStore) RotateRefresh(ctx context.Context, oldID string, next *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.refresh[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.RevokedAt != nil {
		return ErrRefreshReused
	}
	now := s.now()
	old.RevokedAt = &now
	old.ReplacedBy = next.ID
	s.refresh[next.ID] = copyRefresh(next)
	return nil
}

func (s *MemoryStore) RevokeRefresh(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.refresh[id]
	if !ok {
		return ErrNotFound
	}
	if t.RevokedAt == nil {
		now := s.now()
		t.RevokedAt = &now
	}
	return nil
}

func (s *MemoryStore) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, t := range s.refresh {
		if t.UserID == userID && t.RevokedAt == nil {
			revoked := now
			t.RevokedAt = &revoked
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpiredRefresh(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, t := range s.refresh {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateCredential(ctx context.Context, c *ServiceCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[c.ClientID]; ok {
		return ErrClientExists
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.credentials[c.ClientID] = copyCredential(c)
	return nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, clientID string) (*ServiceCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(c), nil
}

func (s *MemoryStore) DisableCredential(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[clientID]
	if !ok {
		return ErrNotFound
	}
	if c.DisabledAt == nil {
		now := s.now()
		c.DisabledAt = &now
	}
	return nil
}

func copyRefresh(t *RefreshToken) *RefreshToken {
	cp := *t
	if t.OrganizationID != nil {
		org := *t.OrganizationID
		cp.OrganizationID = &org
	}
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		cp.RevokedAt = &at
	}
	return &cp
}

func copyCredential(c *ServiceCredential) *ServiceCredential {
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	if c.DisabledAt != nil {
		at := *c.DisabledAt
		cp.DisabledAt = &at
	}
	return &cp
}
