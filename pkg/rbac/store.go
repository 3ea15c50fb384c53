package rbac

import (
	"context"
	"time"
)

// Store persists role assignments
type Store interface {
	// Insert stores a new assignment. An existing unexpired assignment of the
	// same role to the same user and organization yields ErrConflict; an
	// expired one is replaced.
	Insert(ctx context.Context, a *RoleAssignment) error
	Get(ctx context.Context, id int64) (*RoleAssignment, error)
	// ListForUser returns every assignment of the user, expired ones included
	ListForUser(ctx context.Context, userID int64) ([]*RoleAssignment, error)
	// ActiveForUser returns the assignments of the user that are in force at now
	ActiveForUser(ctx context.Context, userID int64, now time.Time) ([]*RoleAssignment, error)
	UpdateExpiry(ctx context.Context, id int64, expiresAt *time.Time) (*RoleAssignment, error)
	// Delete hard-deletes an assignment and returns what was removed
	Delete(ctx context.Context, id int64) (*RoleAssignment, error)
	// DeleteExpired removes assignments that expired before cutoff
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
