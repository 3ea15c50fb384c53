package audit

import "github.com/platinummonkey/accounts/pkg/storage"

// Migrations returns the audit schema. Actor and subject ids are not foreign
// keys: denials are recorded for callers that never resolved to a user.
func Migrations() storage.MigrationSet {
	return storage.MigrationSet{
		Component: "audit",
		Migrations: []storage.Migration{
			{
				Version:     1,
				Description: "Create audit_entries table",
				SQL: `
					CREATE TABLE IF NOT EXISTS audit_entries (
						id BIGSERIAL PRIMARY KEY,
						occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
						action VARCHAR(100) NOT NULL,
						actor_user_id BIGINT,
						subject_user_id BIGINT,
						actor_role VARCHAR(64),
						payload JSONB,
						application VARCHAR(255)
					);

					CREATE INDEX IF NOT EXISTS idx_audit_entries_subject
						ON audit_entries (subject_user_id, id DESC);
					CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries (action);
				`,
			},
			{
				Version:     2,
				Description: "Create audit_checkpoints table",
				SQL: `
					CREATE TABLE IF NOT EXISTS audit_checkpoints (
						name VARCHAR(64) PRIMARY KEY,
						last_id BIGINT NOT NULL,
						updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
					);
				`,
			},
		},
	}
}
