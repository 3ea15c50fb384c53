package audit

import "context"

// Store is the append-only persistence behind a Trail
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// ListBySubject returns up to limit entries for subject with id below
	// beforeID (0 for no bound), newest first
	ListBySubject(ctx context.Context, subjectUserID, beforeID int64, limit int) ([]*Entry, error)
	// ListAfter returns up to limit entries with id above afterID, oldest first
	ListAfter(ctx context.Context, afterID int64, limit int) ([]*Entry, error)
	GetCheckpoint(ctx context.Context, name string) (int64, error)
	SetCheckpoint(ctx context.Context, name string, lastID int64) error
}
