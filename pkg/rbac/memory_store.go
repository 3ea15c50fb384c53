package rbac

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[int64]*RoleAssignment
	nextID      int64
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assignments: make(map[int64]*RoleAssignment), now: time.Now}
}

// WithClock overrides the time source used to detect expired bindings
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func sameBinding(a, b *RoleAssignment) bool {
	if a.UserID != b.UserID || a.Role != b.Role {
		return false
	}
	if a.OrganizationID == nil || b.OrganizationID == nil {
		return a.OrganizationID == nil && b.OrganizationID == nil
	}
	return *a.OrganizationID == *b.OrganizationID
}

func (s *MemoryStore) Insert(ctx context.Context, a *RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, existing := range s.assignments {
		if sameBinding(existing, a) {
			if existing.Active(now) {
				return ErrConflict
			}
			delete(s.assignments, id)
		}
	}

	s.nextID++
	a.ID = s.nextID
	if a.GrantedAt.IsZero() {
		a.GrantedAt = now
	}
	s.assignments[a.ID] = copyAssignment(a)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAssignment(a), nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID int64) ([]*RoleAssignment, error) {
	return s.filter(func(a *RoleAssignment) bool { return a.UserID == userID }), nil
}

func (s *MemoryStore) ActiveForUser(ctx context.Context, userID int64, now time.Time) ([]*RoleAssignment, error) {
	return s.filter(func(a *RoleAssignment) bool { return a.UserID == userID && a.Active(now) }), nil
}

func (s *MemoryStore) filter(keep func(*RoleAssignment) bool) []*RoleAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RoleAssignment
	for _, a := range s.assignments {
		if keep(a) {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) UpdateExpiry(ctx context.Context, id int64, expiresAt *time.Time) (*RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.ExpiresAt = copyTime(expiresAt)
	return copyAssignment(a), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) (*RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.assignments, id)
	return a, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, a := range s.assignments {
		if a.ExpiresAt != nil && a.ExpiresAt.Before(cutoff) {
			delete(s.assignments, id)
			removed++
		}
	}
	return removed, nil
}

func copyAssignment(a *RoleAssignment) *RoleAssignment {
	cp := *a
	if a.OrganizationID != nil {
		id := *a.OrganizationID
		cp.OrganizationID = &id
	}
	if a.GrantedBy != nil {
		id := *a.GrantedBy
		cp.GrantedBy = &id
	}
	cp.ExpiresAt = copyTime(a.ExpiresAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
