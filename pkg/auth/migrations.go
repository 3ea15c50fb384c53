package auth

import "github.com/platinummonkey/accounts/pkg/storage"

// Migrations returns the token schema. Depends on the identity set.
func Migrations() storage.MigrationSet {
	return storage.MigrationSet{
		Component: "auth",
		Migrations: []storage.Migration{
			{
				Version:     1,
				Description: "Create refresh_tokens table",
				SQL: `
					CREATE TABLE IF NOT EXISTS refresh_tokens (
						id VARCHAR(26) PRIMARY KEY,
						user_id BIGINT NOT NULL REFERENCES users(id),
						organization_id BIGINT REFERENCES organizations(id),
						audience VARCHAR(255) NOT NULL,
						token_hash VARCHAR(64) NOT NULL,
						created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
						expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
						revoked_at TIMESTAMP WITH TIME ZONE,
						replaced_by VARCHAR(26)
					);

					CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens (user_id);
					CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens (expires_at);
				`,
			},
			{
				Version:     2,
				Description: "Create service_credentials table",
				SQL: `
					CREATE TABLE IF NOT EXISTS service_credentials (
						client_id VARCHAR(128) PRIMARY KEY,
						name VARCHAR(255) NOT NULL,
						secret_hash VARCHAR(255) NOT NULL,
						scopes TEXT[] NOT NULL DEFAULT '{}',
						created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
						disabled_at TIMESTAMP WITH TIME ZONE
					);
				`,
			},
		},
	}
}
