package rbac

import "strings"

// legacyRoles maps the retired two-tier vocabulary ("internal"/"client"
// prefixed free-form names) onto canonical role types. Only the one-time
// backfill command reads it.
var legacyRoles = map[string]RoleType{
	"admin":               RoleSuperAdmin,
	"internal":            RoleInternalMember,
	"internal_user":       RoleInternalMember,
	"staff":               RoleInternalMember,
	"hr":                  RoleInternalHR,
	"finance":             RoleInternalFinance,
	"account_manager":     RoleInternalAccountManager,
	"recruiter":           RoleInternalRecruiter,
	"marketing":           RoleInternalMarketing,
	"client":              RoleClientAdmin,
	"client_user":         RoleClientEmployee,
	"client_hr_manager":   RoleClientHR,
	"client_finance_user": RoleClientFinance,
	"eor":                 RoleClientEmployee,
	"employee":            RoleClientEmployee,
	"applicant":           RoleCandidate,
}

// MigrateLegacyRole translates a legacy role string. Canonical names pass
// through unchanged.
func MigrateLegacyRole(legacy string) (RoleType, bool) {
	key := strings.ToLower(strings.TrimSpace(legacy))
	if rt := RoleType(key); rt.Valid() {
		return rt, true
	}
	rt, ok := legacyRoles[key]
	return rt, ok
}
