package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents one idempotent schema step owned by a component
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// MigrationSet groups the migrations of one component (identity, rbac, ...)
type MigrationSet struct {
	Component  string
	Migrations []Migration
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		component VARCHAR(64) NOT NULL,
		version INTEGER NOT NULL,
		description TEXT NOT NULL,
		applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (component, version)
	)
`

// Migrate applies every pending migration of every set, in order, each in
// its own transaction. Sets must be passed in dependency order.
func Migrate(ctx context.Context, db *sql.DB, sets ...MigrationSet) (int, error) {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := 0
	for _, set := range sets {
		current, err := currentVersion(ctx, db, set.Component)
		if err != nil {
			return applied, err
		}
		for _, m := range set.Migrations {
			if m.Version <= current {
				continue
			}
			if err := apply(ctx, db, set.Component, m); err != nil {
				return applied, err
			}
			applied++
		}
	}
	return applied, nil
}

func currentVersion(ctx context.Context, db *sql.DB, component string) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations WHERE component = $1`, component,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version for %s: %w", component, err)
	}
	return int(version.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, component string, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s/%d: %w", component, m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to apply migration %s/%d (%s): %w", component, m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (component, version, description) VALUES ($1, $2, $3)`,
		component, m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %s/%d: %w", component, m.Version, err)
	}
	return tx.Commit()
}
