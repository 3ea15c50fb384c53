package rbac

import (
	"fmt"
	"sort"
	"time"
)

// RoleType is the closed enumeration of assignable roles
type RoleType string

const (
	// Global roles
	RoleSuperAdmin             RoleType = "super_admin"
	RoleInternalAdmin          RoleType = "internal_admin"
	RoleInternalHR             RoleType = "internal_hr"
	RoleInternalFinance        RoleType = "internal_finance"
	RoleInternalAccountManager RoleType = "internal_account_manager"
	RoleInternalRecruiter      RoleType = "internal_recruiter"
	RoleInternalMarketing      RoleType = "internal_marketing"
	RoleInternalMember         RoleType = "internal_member"

	// Organization-scoped roles
	RoleClientAdmin     RoleType = "client_admin"
	RoleClientHR        RoleType = "client_hr"
	RoleClientFinance   RoleType = "client_finance"
	RoleClientRecruiter RoleType = "client_recruiter"
	RoleClientEmployee  RoleType = "client_employee"

	// Individual roles
	RoleCandidate RoleType = "candidate"
)

// Scope is the breadth of a role assignment
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeOrganization Scope = "organization"
	ScopeIndividual   Scope = "individual"
)

// Permission is a "resource:verb" capability string
type Permission string

const (
	PermUsersRead          Permission = "users:read"
	PermUsersWrite         Permission = "users:write"
	PermEmailsManage       Permission = "emails:manage"
	PermRolesRead          Permission = "roles:read"
	PermRolesAssign        Permission = "roles:assign"
	PermAuditRead          Permission = "audit:read"
	PermOrganizationsRead  Permission = "organizations:read"
	PermOrganizationsWrite Permission = "organizations:write"
	PermEmployeesRead      Permission = "employees:read"
	PermEmployeesWrite     Permission = "employees:write"
	PermTimesheetsRead     Permission = "timesheets:read"
	PermTimesheetsApprove  Permission = "timesheets:approve"
	PermPayrollRead        Permission = "payroll:read"
	PermPayrollWrite       Permission = "payroll:write"
	PermInvoicesRead       Permission = "invoices:read"
	PermJobsRead           Permission = "jobs:read"
	PermJobsWrite          Permission = "jobs:write"
	PermCandidatesRead     Permission = "candidates:read"
	PermCampaignsWrite     Permission = "campaigns:write"
	PermProfileRead        Permission = "profile:read"
	PermProfileWrite       Permission = "profile:write"
	PermApplicationsWrite  Permission = "applications:write"
)

type roleDefinition struct {
	scope          Scope
	rank           int
	administrative bool
	permissions    []Permission
}

var selfService = []Permission{PermProfileRead, PermProfileWrite}

// roleTable is the static role to permission mapping. Ranks order roles
// within the same administrative tier for grant checks.
var roleTable = map[RoleType]roleDefinition{
	RoleSuperAdmin: {scope: ScopeGlobal, rank: 100, administrative: true, permissions: allPermissions()},
	RoleInternalAdmin: {scope: ScopeGlobal, rank: 90, administrative: true, permissions: []Permission{
		PermUsersRead, PermUsersWrite, PermEmailsManage, PermRolesRead, PermRolesAssign, PermAuditRead,
		PermOrganizationsRead, PermOrganizationsWrite, PermEmployeesRead, PermEmployeesWrite,
		PermTimesheetsRead, PermTimesheetsApprove, PermPayrollRead, PermInvoicesRead, PermJobsRead,
		PermJobsWrite, PermCandidatesRead,
	}},
	RoleInternalHR: {scope: ScopeGlobal, rank: 60, permissions: []Permission{
		PermUsersRead, PermUsersWrite, PermEmailsManage, PermRolesRead, PermRolesAssign,
		PermOrganizationsRead, PermEmployeesRead, PermEmployeesWrite, PermTimesheetsRead,
		PermTimesheetsApprove,
	}},
	RoleInternalFinance: {scope: ScopeGlobal, rank: 60, permissions: []Permission{
		PermUsersRead, PermOrganizationsRead, PermEmployeesRead, PermTimesheetsRead,
		PermPayrollRead, PermPayrollWrite, PermInvoicesRead,
	}},
	RoleInternalAccountManager: {scope: ScopeGlobal, rank: 60, permissions: []Permission{
		PermUsersRead, PermRolesRead, PermOrganizationsRead, PermOrganizationsWrite,
		PermEmployeesRead, PermTimesheetsRead, PermInvoicesRead,
	}},
	RoleInternalRecruiter: {scope: ScopeGlobal, rank: 50, permissions: []Permission{
		PermUsersRead, PermJobsRead, PermJobsWrite, PermCandidatesRead,
	}},
	RoleInternalMarketing: {scope: ScopeGlobal, rank: 40, permissions: []Permission{
		PermJobsRead, PermCampaignsWrite,
	}},
	RoleInternalMember: {scope: ScopeGlobal, rank: 10, permissions: selfService},

	RoleClientAdmin: {scope: ScopeOrganization, rank: 70, administrative: true, permissions: []Permission{
		PermUsersRead, PermUsersWrite, PermEmailsManage, PermRolesRead, PermRolesAssign, PermAuditRead,
		PermOrganizationsRead, PermEmployeesRead, PermEmployeesWrite, PermTimesheetsRead,
		PermTimesheetsApprove, PermInvoicesRead, PermJobsRead, PermJobsWrite, PermCandidatesRead,
	}},
	RoleClientHR: {scope: ScopeOrganization, rank: 50, permissions: []Permission{
		PermUsersRead, PermEmployeesRead, PermEmployeesWrite, PermTimesheetsRead, PermTimesheetsApprove,
	}},
	RoleClientFinance: {scope: ScopeOrganization, rank: 50, permissions: []Permission{
		PermEmployeesRead, PermTimesheetsRead, PermPayrollRead, PermInvoicesRead,
	}},
	RoleClientRecruiter: {scope: ScopeOrganization, rank: 40, permissions: []Permission{
		PermJobsRead, PermJobsWrite, PermCandidatesRead,
	}},
	RoleClientEmployee: {scope: ScopeOrganization, rank: 10, permissions: append([]Permission{PermTimesheetsRead}, selfService...)},

	RoleCandidate: {scope: ScopeIndividual, rank: 5, permissions: append([]Permission{PermJobsRead, PermApplicationsWrite}, selfService...)},
}

func allPermissions() []Permission {
	return []Permission{
		PermUsersRead, PermUsersWrite, PermEmailsManage, PermRolesRead, PermRolesAssign, PermAuditRead,
		PermOrganizationsRead, PermOrganizationsWrite, PermEmployeesRead, PermEmployeesWrite,
		PermTimesheetsRead, PermTimesheetsApprove, PermPayrollRead, PermPayrollWrite, PermInvoicesRead,
		PermJobsRead, PermJobsWrite, PermCandidatesRead, PermCampaignsWrite, PermProfileRead,
		PermProfileWrite, PermApplicationsWrite,
	}
}

// ParseRoleType accepts only canonical role names
func ParseRoleType(s string) (RoleType, error) {
	rt := RoleType(s)
	if _, ok := roleTable[rt]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return rt, nil
}

// AllRoleTypes returns every canonical role, sorted by name
func AllRoleTypes() []RoleType {
	out := make([]RoleType, 0, len(roleTable))
	for rt := range roleTable {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether rt is a canonical role
func (rt RoleType) Valid() bool {
	_, ok := roleTable[rt]
	return ok
}

// Scope returns the scope every assignment of rt must carry
func (rt RoleType) Scope() Scope {
	return roleTable[rt].scope
}

// Rank orders roles for grant checks
func (rt RoleType) Rank() int {
	return roleTable[rt].rank
}

// IsAdministrative reports whether rt may administer other users' roles
// at its rank
func (rt RoleType) IsAdministrative() bool {
	return roleTable[rt].administrative
}

// Permissions returns a copy of rt's static permission set
func (rt RoleType) Permissions() []Permission {
	perms := roleTable[rt].permissions
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// RoleAssignment binds a role to a user, optionally within an organization
type RoleAssignment struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Role           RoleType   `json:"role"`
	Scope          Scope      `json:"scope"`
	OrganizationID *int64     `json:"organization_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	GrantedBy      *int64     `json:"granted_by,omitempty"`
	GrantedAt      time.Time  `json:"granted_at"`
}

// Active reports whether the assignment is in force at now
func (a *RoleAssignment) Active(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// AppliesTo reports whether the assignment counts for orgContext. Global
// and individual roles apply everywhere; organization roles only to their
// own organization.
func (a *RoleAssignment) AppliesTo(orgContext *int64) bool {
	if a.Scope != ScopeOrganization {
		return true
	}
	return orgContext != nil && a.OrganizationID != nil && *a.OrganizationID == *orgContext
}

// AssignRequest is the input to Engine.Assign
type AssignRequest struct {
	UserID         int64
	Role           RoleType
	Scope          Scope
	OrganizationID *int64
	GrantedBy      int64
	ExpiresAt      *time.Time
}

// ValidateScope checks that scope and entity id agree with the role type
func ValidateScope(role RoleType, scope Scope, orgID *int64) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if scope != role.Scope() {
		return fmt.Errorf("%w: %s is a %s role, not %s", ErrScopeMismatch, role, role.Scope(), scope)
	}
	if scope == ScopeOrganization && orgID == nil {
		return fmt.Errorf("%w: %s requires an organization", ErrScopeMismatch, role)
	}
	if scope != ScopeOrganization && orgID != nil {
		return fmt.Errorf("%w: %s cannot carry an organization", ErrScopeMismatch, role)
	}
	return nil
}

// RoleNames flattens assignments into a sorted, de-duplicated label list
func RoleNames(assignments []*RoleAssignment) []string {
	seen := make(map[RoleType]bool, len(assignments))
	var out []string
	for _, a := range assignments {
		if !seen[a.Role] {
			seen[a.Role] = true
			out = append(out, string(a.Role))
		}
	}
	sort.Strings(out)
	return out
}

// HighestRole returns the highest-ranked role label, used for audit entries
func HighestRole(assignments []*RoleAssignment) string {
	var best *RoleAssignment
	for _, a := range assignments {
		if best == nil || a.Role.Rank() > best.Role.Rank() {
			best = a
		}
	}
	if best == nil {
		return ""
	}
	return string(best.Role)
}
