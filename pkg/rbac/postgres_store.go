package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/accounts/pkg/storage"
)

const assignmentColumns = `id, user_id, role, scope, organization_id, expires_at, granted_by, granted_at`

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssignment(row rowScanner) (*RoleAssignment, error) {
	var a RoleAssignment
	var orgID, grantedBy sql.NullInt64
	var expiresAt sql.NullTime
	if err := row.Scan(&a.ID, &a.UserID, &a.Role, &a.Scope, &orgID, &expiresAt, &grantedBy, &a.GrantedAt); err != nil {
		return nil, err
	}
	a.OrganizationID = storage.Int64Ptr(orgID)
	a.GrantedBy = storage.Int64Ptr(grantedBy)
	a.ExpiresAt = storage.TimePtr(expiresAt)
	return &a, nil
}

// Insert revives an expired binding in place; an active one is a conflict
func (s *PostgresStore) Insert(ctx context.Context, a *RoleAssignment) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO role_assignments (user_id, role, scope, organization_id, expires_at, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, role, (COALESCE(organization_id, 0)))
		DO UPDATE SET expires_at = EXCLUDED.expires_at,
		              granted_by = EXCLUDED.granted_by,
		              granted_at = NOW()
		WHERE role_assignments.expires_at IS NOT NULL AND role_assignments.expires_at <= NOW()
		RETURNING id, granted_at
	`, a.UserID, a.Role, a.Scope, storage.NullInt64(a.OrganizationID), storage.NullTime(a.ExpiresAt),
		storage.NullInt64(a.GrantedBy)).Scan(&a.ID, &a.GrantedAt)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrConflict
	case storage.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: user or organization does not exist", ErrInvalidInput)
	case storage.IsCheckViolation(err):
		return ErrScopeMismatch
	}
	return fmt.Errorf("failed to insert role assignment: %w", err)
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*RoleAssignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role assignment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID int64) ([]*RoleAssignment, error) {
	return s.query(ctx, `SELECT `+assignmentColumns+` FROM role_assignments WHERE user_id = $1 ORDER BY id`, userID)
}

func (s *PostgresStore) ActiveForUser(ctx context.Context, userID int64, now time.Time) ([]*RoleAssignment, error) {
	return s.query(ctx, `
		SELECT `+assignmentColumns+` FROM role_assignments
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY id
	`, userID, now)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	defer rows.Close()

	var out []*RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateExpiry(ctx context.Context, id int64, expiresAt *time.Time) (*RoleAssignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`UPDATE role_assignments SET expires_at = $1 WHERE id = $2 RETURNING `+assignmentColumns,
		storage.NullTime(expiresAt), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update role assignment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) (*RoleAssignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`DELETE FROM role_assignments WHERE id = $1 RETURNING `+assignmentColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete role assignment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep role assignments: %w", err)
	}
	return result.RowsAffected()
}
