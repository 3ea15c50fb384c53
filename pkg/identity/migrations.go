package identity

import "github.com/platinummonkey/accounts/pkg/storage"

// Migrations returns the identity schema. It must run before rbac, auth and audit.
func Migrations() storage.MigrationSet {
	return storage.MigrationSet{
		Component: "identity",
		Migrations: []storage.Migration{
			{
				Version:     1,
				Description: "Create organizations and users tables",
				SQL: `
					CREATE TABLE IF NOT EXISTS organizations (
						id BIGSERIAL PRIMARY KEY,
						name VARCHAR(255) NOT NULL,
						status VARCHAR(20) NOT NULL DEFAULT 'active'
							CHECK (status IN ('active', 'suspended', 'archived')),
						contact_email VARCHAR(320),
						created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
					);

					CREATE TABLE IF NOT EXISTS users (
						id BIGSERIAL PRIMARY KEY,
						display_name VARCHAR(255) NOT NULL DEFAULT '',
						status VARCHAR(20) NOT NULL DEFAULT 'active'
							CHECK (status IN ('active', 'inactive', 'archived')),
						provenance VARCHAR(255),
						password_hash TEXT,
						created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
					);
				`,
			},
			{
				Version:     2,
				Description: "Create linked_emails table",
				SQL: `
					CREATE TABLE IF NOT EXISTS linked_emails (
						id BIGSERIAL PRIMARY KEY,
						user_id BIGINT NOT NULL REFERENCES users(id),
						address VARCHAR(320) NOT NULL,
						kind VARCHAR(20) NOT NULL CHECK (kind IN ('personal', 'work')),
						verified BOOLEAN NOT NULL DEFAULT FALSE,
						is_primary BOOLEAN NOT NULL DEFAULT FALSE,
						organization_id BIGINT REFERENCES organizations(id),
						created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
						verified_at TIMESTAMP WITH TIME ZONE,
						CHECK ((kind = 'work') = (organization_id IS NOT NULL)),
						CHECK (NOT is_primary OR verified)
					);

					CREATE UNIQUE INDEX IF NOT EXISTS idx_linked_emails_address ON linked_emails (lower(address));
					CREATE UNIQUE INDEX IF NOT EXISTS idx_linked_emails_primary ON linked_emails (user_id) WHERE is_primary;
					CREATE INDEX IF NOT EXISTS idx_linked_emails_user_id ON linked_emails (user_id);
				`,
			},
			{
				Version:     3,
				Description: "Create provider_identities table",
				SQL: `
					CREATE TABLE IF NOT EXISTS provider_identities (
						issuer VARCHAR(512) NOT NULL,
						subject VARCHAR(255) NOT NULL,
						user_id BIGINT NOT NULL REFERENCES users(id),
						created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
						PRIMARY KEY (issuer, subject)
					);

					CREATE INDEX IF NOT EXISTS idx_provider_identities_user_id ON provider_identities (user_id);
				`,
			},
		},
	}
}
