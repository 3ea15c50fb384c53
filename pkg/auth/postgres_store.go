package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/accounts/pkg/storage"
)

const refreshColumns = `id, user_id, organization_id, audience, token_hash, created_at, expires_at, revoked_at, replaced_by`

// PostgresStore implements RefreshStore and CredentialStore on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateRefresh(ctx context.Context, t *RefreshToken) error {
	return insertRefresh(ctx, s.db, t)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertRefresh(ctx context.Context, q queryRower, t *RefreshToken) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, organization_id, audience, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, t.ID, t.UserID, storage.NullInt64(t.OrganizationID), t.Audience, t.TokenHash, t.ExpiresAt).Scan(&t.CreatedAt)
	if err != nil {
		if storage.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: user or organization does not exist", ErrInvalidRefresh)
		}
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRefresh(ctx context.Context, id string) (*RefreshToken, error) {
	var t RefreshToken
	var orgID sql.NullInt64
	var revokedAt sql.NullTime
	var replacedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &orgID, &t.Audience, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &revokedAt, &replacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	t.OrganizationID = storage.Int64Ptr(orgID)
	t.RevokedAt = storage.TimePtr(revokedAt)
	t.ReplacedBy = replacedBy.String
	return &t, nil
}

// RotateRefresh marks the old token replaced and inserts next in one
// transaction. The conditional update is the race arbiter: of two concurrent
// rotations of the same token exactly one sees a row.
func (s *PostgresStore) RotateRefresh(ctx context.Context, oldID string, next *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW(), replaced_by = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, oldID, next.ID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if n == 0 {
		return ErrRefreshReused
	}

	if err := insertRefresh(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefresh(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = COALESCE(revoked_at, NOW()) WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = NOW() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) DeleteExpiredRefresh(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CreateCredential(ctx context.Context, c *ServiceCredential) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO service_credentials (client_id, name, secret_hash, scopes)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, c.ClientID, c.Name, c.SecretHash, pq.Array(c.Scopes)).Scan(&c.CreatedAt)
	if storage.IsUniqueViolation(err) {
		return ErrClientExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert service credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, clientID string) (*ServiceCredential, error) {
	var c ServiceCredential
	var disabledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, name, secret_hash, scopes, created_at, disabled_at
		FROM service_credentials WHERE client_id = $1
	`, clientID).Scan(&c.ClientID, &c.Name, &c.SecretHash, pq.Array(&c.Scopes), &c.CreatedAt, &disabledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service credential: %w", err)
	}
	c.DisabledAt = storage.TimePtr(disabledAt)
	return &c, nil
}

func (s *PostgresStore) DisableCredential(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE service_credentials SET disabled_at = COALESCE(disabled_at, NOW()) WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("failed to disable service credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
