package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/accounts/pkg/storage"
)

const entryColumns = `id, occurred_at, action, actor_user_id, subject_user_id, actor_role, payload, application`

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_entries (occurred_at, action, actor_user_id, subject_user_id, actor_role, payload, application)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.Timestamp, e.Action, storage.NullInt64(e.ActorUserID), storage.NullInt64(e.SubjectUserID),
		storage.NullString(e.ActorRole), payload, storage.NullString(e.Application)).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subjectUserID, beforeID int64, limit int) ([]*Entry, error) {
	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries
			WHERE subject_user_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3`, subjectUserID, beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries
			WHERE subject_user_id = $1 ORDER BY id DESC LIMIT $2`, subjectUserID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries
		WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var actor, subject sql.NullInt64
		var role, app sql.NullString
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &actor, &subject, &role, &payload, &app); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ActorUserID = storage.Int64Ptr(actor)
		e.SubjectUserID = storage.Int64Ptr(subject)
		e.ActorRole = role.String
		e.Application = app.String
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload of entry %d: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT last_id FROM audit_checkpoints WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SetCheckpoint(ctx context.Context, name string, lastID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_checkpoints (name, last_id) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET last_id = EXCLUDED.last_id, updated_at = NOW()
	`, name, lastID)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
