// Package rbac derives effective roles and permissions for users under an
// organization-scoped role model.
//
// # Overview
//
// Roles are a closed enumeration split by scope:
//
//	Global        super_admin, internal_admin, internal_hr, internal_finance,
//	              internal_account_manager, internal_recruiter,
//	              internal_marketing, internal_member
//	Organization  client_admin, client_hr, client_finance, client_recruiter,
//	              client_employee
//	Individual    candidate
//
// Each role maps to a static set of "resource:verb" permissions. A user's
// permissions in a context are the union of the permission sets of their
// effective roles; grants are additive and nothing subtracts.
//
// # Effective roles
//
// EffectiveRoles returns unexpired assignments that apply to the requested
// organization context. Global and individual roles always apply.
// Organization roles apply only when the context equals their organization,
// so a role held in organization A never grants anything in B. Expired
// assignments are filtered at read time and physically removed by Sweep.
//
// # Caching
//
// PermissionsFor is served from an expiring LRU keyed by user, context and
// the user's assignment version. Assign, Update and Revoke bump the version
// through a VersionSource, so the next read after a mutation misses the
// cache. Use RedisVersions when several instances share one database:
//
//	engine := rbac.NewEngine(rbac.NewPostgresStore(db), logger,
//		rbac.WithVersionSource(rbac.NewRedisVersions(redisClient, "", 24*time.Hour)),
//		rbac.WithPermissionCache(10000, 5*time.Second),
//	)
//
// If the version cannot be read the cache is bypassed rather than trusted.
//
// # Grant rules
//
// A grantor needs roles:assign through a role of equal or higher rank in the
// target context. Administrative roles (super_admin, internal_admin,
// client_admin) additionally require an administrative grantor role. Global
// roles are checked against the grantor's global roles only, which keeps a
// client_admin from promoting itself platform-wide. The same rule governs
// Update and Revoke.
//
// # Legacy vocabulary
//
// ParseRoleType accepts canonical names only. MigrateLegacyRole exists for
// the one-time backfill command and has no request-path callers.
package rbac
