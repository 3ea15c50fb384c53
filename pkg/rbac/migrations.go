package rbac

import "github.com/platinummonkey/accounts/pkg/storage"

// Migrations returns the role assignment schema. Depends on the identity set.
func Migrations() storage.MigrationSet {
	return storage.MigrationSet{
		Component: "rbac",
		Migrations: []storage.Migration{
			{
				Version:     1,
				Description: "Create role_assignments table",
				SQL: `
					CREATE TABLE IF NOT EXISTS role_assignments (
						id BIGSERIAL PRIMARY KEY,
						user_id BIGINT NOT NULL REFERENCES users(id),
						role VARCHAR(64) NOT NULL,
						scope VARCHAR(20) NOT NULL CHECK (scope IN ('global', 'organization', 'individual')),
						organization_id BIGINT REFERENCES organizations(id),
						expires_at TIMESTAMP WITH TIME ZONE,
						granted_by BIGINT REFERENCES users(id),
						granted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
						CHECK ((scope = 'organization') = (organization_id IS NOT NULL))
					);

					CREATE UNIQUE INDEX IF NOT EXISTS idx_role_assignments_binding
						ON role_assignments (user_id, role, (COALESCE(organization_id, 0)));
					CREATE INDEX IF NOT EXISTS idx_role_assignments_user_id ON role_assignments (user_id);
					CREATE INDEX IF NOT EXISTS idx_role_assignments_expires_at
						ON role_assignments (expires_at) WHERE expires_at IS NOT NULL;
				`,
			},
		},
	}
}
