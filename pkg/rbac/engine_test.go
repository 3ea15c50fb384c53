package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/accounts/pkg/observability"
)

const (
	superAdminID int64 = 1
	clientAdminA int64 = 2
	employeeID   int64 = 3
	hrID         int64 = 4
)

var (
	orgA int64 = 100
	orgB int64 = 200
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *MemoryStore) {
	t.Helper()
	return newTestEngineWithStore(t, NewMemoryStore(), opts...)
}

func newTestEngineWithStore(t *testing.T, store *MemoryStore, opts ...EngineOption) (*Engine, *MemoryStore) {
	t.Helper()
	e := NewEngine(store, nil, opts...)
	ctx := context.Background()

	_, err := e.Bootstrap(ctx, superAdminID, RoleSuperAdmin, nil)
	require.NoError(t, err)
	_, err = e.Bootstrap(ctx, clientAdminA, RoleClientAdmin, &orgA)
	require.NoError(t, err)
	_, err = e.Bootstrap(ctx, hrID, RoleInternalHR, nil)
	require.NoError(t, err)
	return e, store
}

func hasPerm(perms []Permission, p Permission) bool {
	for _, have := range perms {
		if have == p {
			return true
		}
	}
	return false
}

func TestEffectiveRoles_OrganizationIsolation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Assign(ctx, AssignRequest{UserID: employeeID, Role: RoleClientHR, Scope: ScopeOrganization, OrganizationID: &orgA, GrantedBy: clientAdminA})
	require.NoError(t, err)

	rolesA, err := e.EffectiveRoles(ctx, employeeID, &orgA)
	require.NoError(t, err)
	assert.Len(t, rolesA, 1)

	rolesB, err := e.EffectiveRoles(ctx, employeeID, &orgB)
	require.NoError(t, err)
	assert.Empty(t, rolesB)

	rolesNone, err := e.EffectiveRoles(ctx, employeeID, nil)
	require.NoError(t, err)
	assert.Empty(t, rolesNone)

	permsB, err := e.PermissionsFor(ctx, employeeID, &orgB)
	require.NoError(t, err)
	assert.Empty(t, permsB)

	permsA, err := e.PermissionsFor(ctx, employeeID, &orgA)
	require.NoError(t, err)
	assert.True(t, hasPerm(permsA, PermTimesheetsApprove))
}

func TestPermissionsFor_UnionOfGlobalAndOrganizationRoles(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Assign(ctx, AssignRequest{UserID: employeeID, Role: RoleInternalMarketing, Scope: ScopeGlobal, GrantedBy: superAdminID})
	require.NoError(t, err)
	_, err = e.Assign(ctx, AssignRequest{UserID: employeeID, Role: RoleClientFinance, Scope: ScopeOrganization, OrganizationID: &orgA, GrantedBy: clientAdminA})
	require.NoError(t, err)

	perms, err := e.PermissionsFor(ctx, employeeID, &orgA)
	require.NoError(t, err)
	assert.True(t, hasPerm(perms, PermCampaignsWrite))
	assert.True(t, hasPerm(perms, PermPayrollRead))
	assert.True(t, hasPerm(perms, PermJobsRead))

	for i := 1; i < len(perms); i++ {
		assert.Less(t, string(perms[i-1]), string(perms[i]))
	}
}

func TestRevoke_RemovesPermissionImmediately(t *testing.T) {
	e, _ := newTestEngine(t, WithPermissionCache(100, time.Hour))
	ctx := context.Background()

	a, err := e.Assign(ctx, AssignRequest{UserID: employeeID, Role: RoleInternalFinance, Scope: ScopeGlobal, GrantedBy: superAdminID})
	require.NoError(t, err)

	ok, err := e.HasPermission(ctx, employeeID, nil, PermPayrollWrite)
	require.NoError(t, err)
	require.True(t, ok)

	// a second read is served from the hour-long cache
	ok, err = e.HasPermission(ctx, employeeID, nil, PermPayrollWrite)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.Revoke(ctx, a.ID, superAdminID)
	require.NoError(t, err)

	ok, err = e.HasPermission(ctx, employeeID, nil, PermPayrollWrite)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Revoke(ctx, a.ID, superAdminID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermissionCache_Metrics(t *testing.T) {
	metrics := observability.NewMetrics(nil)
	e, _ := newTestEngine(t, WithPermissionCache(100, time.Minute), WithMetrics(metrics))
	ctx := context.Background()

	_, err := e.PermissionsFor(ctx, superAdminID, nil)
	require.NoError(t, err)
	_, err = e.PermissionsFor(ctx, superAdminID, nil)
	require.NoError(t, err)
	_, err = e.PermissionsFor(ctx, superAdminID, &orgA)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PermissionCacheHits))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PermissionCacheMisses))
}

func TestPermissionsFor_ConcurrentMisses(t *testing.T) {
	e, _ := newTestEngine(t, WithPermissionCache(100, time.Minute))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			perms, err := e.PermissionsFor(ctx, superAdminID, nil)
			if assert.NoError(t, err) {
				assert.Len(t, perms, len(allPermissions()))
			}
		}()
	}
	wg.Wait()
}

func TestExpiredAssignmentsAreInert(t *testing.T) {
	now := time.Now()
	clock := now
	e, store := newTestEngine(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	expires := now.Add(time.Minute)
	_, err := e.Assign(ctx, AssignRequest{UserID: employeeID, Role: RoleInternalRecruiter, Scope: ScopeGlobal, GrantedBy: superAdminID, ExpiresAt: &expires})
	require.NoError(t, err)

	roles, err := e.EffectiveRoles(ctx, employeeID, nil)
	require.NoError(t, err)
	assert.Len(t, roles, 1)

	clock = now.Add(2 * time.Minute)
	roles, err = e.EffectiveRoles(ctx, employeeID, nil)
	require.NoError(t, err)
	assert.Empty(t, roles)

	all, err := e.ListAssignments(ctx, employeeID)
	require.NoError(t, err)
	assert.Len(t, all, 1, "expired assignments stay until swept")

	removed, err := e.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	clock = now.Add(2 * time.Hour)
	removed, err = e.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	remaining, err := store.ListForUser(ctx, employeeID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAssign_ScopeMismatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AssignRequest
	}{
		{name: "organization role without entity", req: AssignRequest{UserID: employeeID, Role: RoleClientHR, Scope: ScopeOrganization}},
		{name: "global role with entity", req: AssignRequest{UserID: employeeID, Role: RoleInternalHR, Scope: ScopeGlobal, OrganizationID: &orgA}},
		{name: "global role declared organization", req: AssignRequest{UserID: employeeID, Role: RoleInternalHR, Scope: ScopeOrganization, OrganizationID: &orgA}},
		{name: "individual role with entity", req: AssignRequest{UserID: employeeID, Role: RoleCandidate, Scope: ScopeIndividual, OrganizationID: &orgA}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.GrantedBy = superAdminID
			_, err := e.Assign(ctx, tt.req)
			assert.ErrorIs(t, err, ErrScopeMismatch)
		})
	}

	_, err := e.Assign(ctx, AssignRequest{UserID: employeeID, Role: "manager", Scope: ScopeGlobal, GrantedBy: superAdminID})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestAssign_PreventsPrivilegeEscalation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     AssignRequest
		wantErr error
	}{
		{
			name:    "scoped admin cannot grant itself a global role",
			req:     AssignRequest{UserID: clientAdminA, Role: RoleInternalAdmin, Scope: ScopeGlobal, GrantedBy: clientAdminA},
			wantErr: ErrForbidden,
		},
		{
			name:    "scoped admin cannot grant into another organization",
			req:     AssignRequest{UserID: employeeID, Role: RoleClientEmployee, Scope: ScopeOrganization, OrganizationID: &orgB, GrantedBy: clientAdminA},
			wantErr: ErrForbidden,
		},
		{
			name:    "non-administrative grantor cannot grant administrative role",
			req:     AssignRequest{UserID: employeeID, Role: RoleClientAdmin, Scope: ScopeOrganization, OrganizationID: &orgA, GrantedBy: hrID},
			wantErr: ErrForbidden,
		},
		{
			name:    "lower rank cannot grant higher rank",
			req:     AssignRequest{UserID: employeeID, Role: RoleSuperAdmin, Scope: ScopeGlobal, GrantedBy: hrID},
			wantErr: ErrForbidden,
		},
		{
			name:    "user without roles cannot grant",
			req:     AssignRequest{UserID: employeeID, Role: RoleCandidate, Scope: ScopeIndividual, GrantedBy: employeeID},
			wantErr: ErrForbidden,
		},
		{
			name: "scoped admin grants peer admin in own organization",
			req:  AssignRequest{UserID: employeeID, Role: RoleClientAdmin, Scope: ScopeOrganization, OrganizationID: &orgA, GrantedBy: clientAdminA},
		},
		{
			name: "internal hr grants non-administrative organization role",
			req:  AssignRequest{UserID: employeeID, Role: RoleClientRecruiter, Scope: ScopeOrganization, OrganizationID: &orgB, GrantedBy: hrID},
		},
		{
			name: "super admin grants anything",
			req:  AssignRequest{UserID: employeeID, Role: RoleInternalAdmin, Scope: ScopeGlobal, GrantedBy: superAdminID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := e.Assign(ctx, tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, a.GrantedBy)
			assert.Equal(t, tt.req.GrantedBy, *a.GrantedBy)
		})
	}
}

func TestRevokeAndUpdate_RequireGrantAuthority(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	admin, err := e.Assign(ctx, AssignRequest{UserID: employeeID, Role: RoleInternalAdmin, Scope: ScopeGlobal, GrantedBy: superAdminID})
	require.NoError(t, err)

	_, err = e.Revoke(ctx, admin.ID, clientAdminA)
	assert.ErrorIs(t, err, ErrForbidden)

	later := time.Now().Add(24 * time.Hour)
	_, err = e.Update(ctx, admin.ID, hrID, &later)
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := e.Update(ctx, admin.ID, superAdminID, &later)
	require.NoError(t, err)
	require.NotNil(t, updated.ExpiresAt)
	assert.WithinDuration(t, later, *updated.ExpiresAt, time.Second)

	past := time.Now().Add(-time.Hour)
	_, err = e.Update(ctx, admin.ID, superAdminID, &past)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAssign_ConflictAndRevive(t *testing.T) {
	now := time.Now()
	clock := now
	tick := func() time.Time { return clock }
	e, _ := newTestEngineWithStore(t, NewMemoryStore().WithClock(tick), WithClock(tick))
	ctx := context.Background()

	expires := now.Add(time.Minute)
	req := AssignRequest{UserID: employeeID, Role: RoleClientEmployee, Scope: ScopeOrganization, OrganizationID: &orgA, GrantedBy: clientAdminA, ExpiresAt: &expires}
	_, err := e.Assign(ctx, req)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	req.ExpiresAt = &later
	_, err = e.Assign(ctx, req)
	assert.ErrorIs(t, err, ErrConflict)

	// same role in a different organization is a different binding
	reqB := AssignRequest{UserID: employeeID, Role: RoleClientEmployee, Scope: ScopeOrganization, OrganizationID: &orgB, GrantedBy: superAdminID}
	_, err = e.Assign(ctx, reqB)
	require.NoError(t, err)

	clock = now.Add(2 * time.Minute)
	req.ExpiresAt = nil
	_, err = e.Assign(ctx, req)
	assert.NoError(t, err, "an expired binding can be granted again")
}

func TestParseRoleType_CanonicalOnly(t *testing.T) {
	rt, err := ParseRoleType("client_admin")
	require.NoError(t, err)
	assert.Equal(t, RoleClientAdmin, rt)

	_, err = ParseRoleType("admin")
	assert.ErrorIs(t, err, ErrUnknownRole)

	migrated, ok := MigrateLegacyRole("Admin")
	assert.True(t, ok)
	assert.Equal(t, RoleSuperAdmin, migrated)

	migrated, ok = MigrateLegacyRole("client_hr")
	assert.True(t, ok)
	assert.Equal(t, RoleClientHR, migrated)

	_, ok = MigrateLegacyRole("wizard")
	assert.False(t, ok)

	assert.Len(t, AllRoleTypes(), 14)
	for _, rt := range AllRoleTypes() {
		assert.NotEmpty(t, rt.Permissions(), rt)
	}
}

func TestRoleNamesAndHighestRole(t *testing.T) {
	assignments := []*RoleAssignment{
		{Role: RoleClientEmployee},
		{Role: RoleInternalHR},
		{Role: RoleClientEmployee},
	}
	assert.Equal(t, []string{"client_employee", "internal_hr"}, RoleNames(assignments))
	assert.Equal(t, "internal_hr", HighestRole(assignments))
	assert.Equal(t, "", HighestRole(nil))
}
