package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in insertion order. Ids are assigned
// monotonically, as BIGSERIAL does.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     []*Entry
	checkpoints map[string]int64
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]int64)}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = int64(len(s.entries)) + 1
	s.entries = append(s.entries, copyEntry(e))
	return nil
}

func (s *MemoryStore) ListBySubject(ctx context.Context, subjectUserID, beforeID int64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		if e.SubjectUserID != nil && *e.SubjectUserID == subjectUserID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if len(out) == limit {
			break
		}
		if e.ID > afterID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[name], nil
}

func (s *MemoryStore) SetCheckpoint(ctx context.Context, name string, lastID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[name] = lastID
	return nil
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	if e.ActorUserID != nil {
		v := *e.ActorUserID
		cp.ActorUserID = &v
	}
	if e.SubjectUserID != nil {
		v := *e.SubjectUserID
		cp.SubjectUserID = &v
	}
	if e.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
