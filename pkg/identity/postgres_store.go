package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/accounts/pkg/storage"
)

const (
	userColumns  = `id, display_name, status, provenance, password_hash, created_at, updated_at`
	emailColumns = `id, user_id, address, kind, verified, is_primary, organization_id, created_at, verified_at`
)

// PostgresStore implements Store on PostgreSQL through lib/pq
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

func scanUser(row rowScanner) (*User, error) {
	var user User
	var provenance, passwordHash sql.NullString
	err := row.Scan(&user.ID, &user.DisplayName, &user.Status, &provenance, &passwordHash,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	user.Provenance = provenance.String
	user.PasswordHash = passwordHash.String
	return &user, nil
}

func scanEmail(row rowScanner) (*LinkedEmail, error) {
	var email LinkedEmail
	var orgID sql.NullInt64
	var verifiedAt sql.NullTime
	err := row.Scan(&email.ID, &email.UserID, &email.Address, &email.Kind, &email.Verified,
		&email.Primary, &orgID, &email.CreatedAt, &verifiedAt)
	if err != nil {
		return nil, err
	}
	email.OrganizationID = storage.Int64Ptr(orgID)
	email.VerifiedAt = storage.TimePtr(verifiedAt)
	return &email, nil
}

// translate maps driver errors onto the package sentinels
func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case storage.IsUniqueViolation(err):
		return ErrConflict
	case storage.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: referenced row does not exist", ErrNotFound)
	case storage.IsCheckViolation(err):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User, primary NewEmail) (*LinkedEmail, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertUser(ctx, tx, user); err != nil {
		return nil, err
	}
	primary.Verified = true
	email, err := insertEmail(ctx, tx, user.ID, primary, true)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user: %w", err)
	}
	return email, nil
}

func insertUser(ctx context.Context, tx *sql.Tx, user *User) error {
	if user.Status == "" {
		user.Status = UserStatusActive
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO users (display_name, status, provenance, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, user.DisplayName, user.Status, storage.NullString(user.Provenance), storage.NullString(user.PasswordHash)).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	return translate(err, "create user")
}

func insertEmail(ctx context.Context, tx *sql.Tx, userID int64, e NewEmail, primary bool) (*LinkedEmail, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO linked_emails (user_id, address, kind, verified, is_primary, organization_id, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $4 THEN NOW() END)
		RETURNING `+emailColumns,
		userID, e.Address, e.Kind, e.Verified, primary, storage.NullInt64(e.OrganizationID))
	email, err := scanEmail(row)
	if err != nil {
		return nil, translate(err, "link email")
	}
	return email, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return nil, translate(err, "get user")
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserStatus(ctx context.Context, id int64, status UserStatus) error {
	return s.execOne(ctx, "update user status",
		`UPDATE users SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
}

func (s *PostgresStore) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	return s.execOne(ctx, "set password",
		`UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2`, hash, id)
}

func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translate(err, op)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindEmail(ctx context.Context, address string) (*LinkedEmail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM linked_emails WHERE lower(address) = $1`, NormalizeAddress(address))
	email, err := scanEmail(row)
	if err != nil {
		return nil, translate(err, "find email")
	}
	return email, nil
}

func (s *PostgresStore) GetEmail(ctx context.Context, id int64) (*LinkedEmail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM linked_emails WHERE id = $1`, id)
	email, err := scanEmail(row)
	if err != nil {
		return nil, translate(err, "get email")
	}
	return email, nil
}

func (s *PostgresStore) ListEmails(ctx context.Context, userID int64) ([]*LinkedEmail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+emailColumns+` FROM linked_emails WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	var emails []*LinkedEmail
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

func (s *PostgresStore) InsertEmail(ctx context.Context, userID int64, e NewEmail) (*LinkedEmail, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	email, err := insertEmail(ctx, tx, userID, e, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit email: %w", err)
	}
	return email, nil
}

func (s *PostgresStore) DeleteEmail(ctx context.Context, userID, emailID int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM linked_emails WHERE id = $1 AND user_id = $2 AND NOT is_primary`, emailID, userID)
	if err != nil {
		return translate(err, "unlink email")
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	// Nothing deleted: distinguish a primary email from a missing one.
	email, err := s.GetEmail(ctx, emailID)
	if err != nil {
		return err
	}
	if email.UserID != userID {
		return ErrNotFound
	}
	if email.Primary {
		return ErrCannotRemovePrimary
	}
	return ErrNotFound
}

func (s *PostgresStore) MarkVerified(ctx context.Context, userID, emailID int64) (*LinkedEmail, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE linked_emails
		SET verified = TRUE, verified_at = COALESCE(verified_at, NOW())
		WHERE id = $1 AND user_id = $2
		RETURNING `+emailColumns, emailID, userID)
	email, err := scanEmail(row)
	if err != nil {
		return nil, translate(err, "verify email")
	}
	return email, nil
}

// SetPrimary locks every email row of the user, then clears the old primary
// and sets the new one inside the same transaction.
func (s *PostgresStore) SetPrimary(ctx context.Context, userID, emailID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, verified, is_primary FROM linked_emails WHERE user_id = $1 ORDER BY id FOR UPDATE`, userID)
	if err != nil {
		return fmt.Errorf("failed to lock emails: %w", err)
	}
	found, verified, alreadyPrimary := false, false, false
	for rows.Next() {
		var id int64
		var v, p bool
		if err := rows.Scan(&id, &v, &p); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan email: %w", err)
		}
		if id == emailID {
			found, verified, alreadyPrimary = true, v, p
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to lock emails: %w", err)
	}

	switch {
	case !found:
		return ErrNotFound
	case !verified:
		return ErrNotVerified
	case alreadyPrimary:
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE linked_emails SET is_primary = FALSE WHERE user_id = $1 AND is_primary`, userID); err != nil {
		return translate(err, "clear primary")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE linked_emails SET is_primary = TRUE WHERE id = $1`, emailID); err != nil {
		return translate(err, "set primary")
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit primary: %w", err)
	}
	return nil
}

// ProvisionFromProvider serialises on the provider subject and the address
// with transaction-scoped advisory locks so concurrent first logins converge
// on a single user.
func (s *PostgresStore) ProvisionFromProvider(ctx context.Context, id ProviderIdentity) (*User, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		id.Issuer+"|"+id.Subject); err != nil {
		return nil, false, fmt.Errorf("failed to lock provider identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		NormalizeAddress(id.Email)); err != nil {
		return nil, false, fmt.Errorf("failed to lock address: %w", err)
	}

	var userID int64
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM provider_identities WHERE issuer = $1 AND subject = $2`,
		id.Issuer, id.Subject).Scan(&userID)
	switch {
	case err == nil:
		user, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
		if err != nil {
			return nil, false, translate(err, "load provisioned user")
		}
		return user, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("failed to find provider identity: %w", err)
	}

	existing, err := scanEmail(tx.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM linked_emails WHERE lower(address) = $1`, NormalizeAddress(id.Email)))
	switch {
	case err == nil:
		if !existing.Verified {
			return nil, false, ErrNotVerified
		}
		if err := linkProvider(ctx, tx, id, existing.UserID); err != nil {
			return nil, false, err
		}
		user, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, existing.UserID))
		if err != nil {
			return nil, false, translate(err, "load linked user")
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit provider link: %w", err)
		}
		return user, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("failed to resolve address: %w", err)
	}

	user := &User{DisplayName: id.DisplayName, Provenance: id.Provenance()}
	if err := insertUser(ctx, tx, user); err != nil {
		return nil, false, err
	}
	if _, err := insertEmail(ctx, tx, user.ID,
		NewEmail{Address: id.Email, Kind: EmailKindPersonal, Verified: true}, true); err != nil {
		return nil, false, err
	}
	if err := linkProvider(ctx, tx, id, user.ID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit provisioned user: %w", err)
	}
	return user, true, nil
}

func linkProvider(ctx context.Context, tx *sql.Tx, id ProviderIdentity, userID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO provider_identities (issuer, subject, user_id) VALUES ($1, $2, $3)`,
		id.Issuer, id.Subject, userID)
	return translate(err, "link provider identity")
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.Status == "" {
		org.Status = OrgStatusActive
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name, status, contact_email)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, org.Name, org.Status, storage.NullString(org.ContactEmail)).
		Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt)
	return translate(err, "create organization")
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	var org Organization
	var contact sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, contact_email, created_at, updated_at
		FROM organizations WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &org.Status, &contact, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, translate(err, "get organization")
	}
	org.ContactEmail = contact.String
	return &org, nil
}
