package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/accounts/pkg/observability"
)

type cacheKey struct {
	userID  int64
	orgID   int64
	hasOrg  bool
	version int64
}

func (k cacheKey) String() string {
	if !k.hasOrg {
		return fmt.Sprintf("%d:-:%d", k.userID, k.version)
	}
	return fmt.Sprintf("%d:%d:%d", k.userID, k.orgID, k.version)
}

// Engine derives effective roles and permissions and administers role
// assignments
type Engine struct {
	store    Store
	versions VersionSource
	cache    *expirable.LRU[cacheKey, []Permission]
	group    singleflight.Group
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithVersionSource sets where assignment versions are kept
func WithVersionSource(v VersionSource) EngineOption {
	return func(e *Engine) { e.versions = v }
}

// WithPermissionCache enables the permission cache. A ttl of zero disables it.
func WithPermissionCache(size int, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl <= 0 || size <= 0 {
			e.cache = nil
			return
		}
		e.cache = expirable.NewLRU[cacheKey, []Permission](size, nil, ttl)
	}
}

// WithMetrics records cache hits and misses
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Without options it uses in-process versions
// and a 5 second permission cache.
func NewEngine(store Store, logger *observability.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = observability.NopLogger()
	}
	e := &Engine{
		store:    store,
		versions: NewLocalVersions(),
		cache:    expirable.NewLRU[cacheKey, []Permission](10000, nil, 5*time.Second),
		logger:   logger.WithComponent("rbac"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observability.NewMetrics(nil)
	}
	return e
}

// EffectiveRoles returns the user's unexpired assignments that apply to
// orgContext. With no context only global and individual roles apply.
func (e *Engine) EffectiveRoles(ctx context.Context, userID int64, orgContext *int64) ([]*RoleAssignment, error) {
	active, err := e.store.ActiveForUser(ctx, userID, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load role assignments: %w", err)
	}
	out := active[:0]
	for _, a := range active {
		if a.Active(e.now()) && a.AppliesTo(orgContext) {
			out = append(out, a)
		}
	}
	return out, nil
}

// PermissionsFor returns the sorted union of the permission sets of the
// user's effective roles
func (e *Engine) PermissionsFor(ctx context.Context, userID int64, orgContext *int64) ([]Permission, error) {
	if e.cache == nil {
		return e.computePermissions(ctx, userID, orgContext)
	}

	version, err := e.versions.Version(ctx, userID)
	if err != nil {
		e.logger.WithError(err).Warn("permission version unavailable, bypassing cache")
		return e.computePermissions(ctx, userID, orgContext)
	}

	key := cacheKey{userID: userID, version: version}
	if orgContext != nil {
		key.orgID, key.hasOrg = *orgContext, true
	}
	if perms, ok := e.cache.Get(key); ok {
		e.metrics.PermissionCacheHits.Inc()
		return clonePermissions(perms), nil
	}
	e.metrics.PermissionCacheMisses.Inc()

	v, err, _ := e.group.Do(key.String(), func() (interface{}, error) {
		perms, err := e.computePermissions(ctx, userID, orgContext)
		if err != nil {
			return nil, err
		}
		e.cache.Add(key, perms)
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return clonePermissions(v.([]Permission)), nil
}

func (e *Engine) computePermissions(ctx context.Context, userID int64, orgContext *int64) ([]Permission, error) {
	roles, err := e.EffectiveRoles(ctx, userID, orgContext)
	if err != nil {
		return nil, err
	}
	return unionPermissions(roles), nil
}

// PermissionsOf is the sorted union of the permissions the given roles grant
func PermissionsOf(roles []*RoleAssignment) []Permission {
	return unionPermissions(roles)
}

func unionPermissions(roles []*RoleAssignment) []Permission {
	set := make(map[Permission]struct{})
	for _, a := range roles {
		for _, p := range roleTable[a.Role].permissions {
			set[p] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clonePermissions(p []Permission) []Permission {
	out := make([]Permission, len(p))
	copy(out, p)
	return out
}

// HasPermission reports whether the user holds perm in orgContext
func (e *Engine) HasPermission(ctx context.Context, userID int64, orgContext *int64, perm Permission) (bool, error) {
	perms, err := e.PermissionsFor(ctx, userID, orgContext)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Assign grants a role. The grantor must hold roles:assign through a role of
// equal or higher rank in the target context, and administrative roles can
// only come from administrative grantors.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (*RoleAssignment, error) {
	if err := ValidateScope(req.Role, req.Scope, req.OrganizationID); err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(e.now()) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	if err := e.authorizeGrant(ctx, req.GrantedBy, req.Role, req.OrganizationID); err != nil {
		return nil, err
	}

	grantedBy := req.GrantedBy
	a := &RoleAssignment{
		UserID:         req.UserID,
		Role:           req.Role,
		Scope:          req.Scope,
		OrganizationID: req.OrganizationID,
		ExpiresAt:      req.ExpiresAt,
		GrantedBy:      &grantedBy,
	}
	if err := e.store.Insert(ctx, a); err != nil {
		return nil, err
	}
	e.bump(ctx, a.UserID)

	e.logger.WithFields(map[string]interface{}{
		"assignment_id": a.ID,
		"user_id":       a.UserID,
		"role":          a.Role,
		"granted_by":    grantedBy,
	}).Info("role assigned")
	return a, nil
}

// Bootstrap grants a role with no grantor. It bypasses grant checks and is
// reachable only from the operator CLI.
func (e *Engine) Bootstrap(ctx context.Context, userID int64, role RoleType, orgID *int64) (*RoleAssignment, error) {
	if err := ValidateScope(role, role.Scope(), orgID); err != nil {
		return nil, err
	}
	a := &RoleAssignment{UserID: userID, Role: role, Scope: role.Scope(), OrganizationID: orgID}
	if err := e.store.Insert(ctx, a); err != nil {
		return nil, err
	}
	e.bump(ctx, userID)
	e.logger.WithField("user_id", userID).WithField("role", role).Warn("role bootstrapped without grantor")
	return a, nil
}

// Update changes an assignment's expiry. The actor must be allowed to grant
// the role being extended.
func (e *Engine) Update(ctx context.Context, assignmentID, actorID int64, expiresAt *time.Time) (*RoleAssignment, error) {
	existing, err := e.store.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if expiresAt != nil && !expiresAt.After(e.now()) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	if err := e.authorizeGrant(ctx, actorID, existing.Role, existing.OrganizationID); err != nil {
		return nil, err
	}

	updated, err := e.store.UpdateExpiry(ctx, assignmentID, expiresAt)
	if err != nil {
		return nil, err
	}
	e.bump(ctx, updated.UserID)
	return updated, nil
}

// Revoke hard-deletes an assignment. The actor must be allowed to grant the
// role being removed.
func (e *Engine) Revoke(ctx context.Context, assignmentID, actorID int64) (*RoleAssignment, error) {
	existing, err := e.store.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeGrant(ctx, actorID, existing.Role, existing.OrganizationID); err != nil {
		return nil, err
	}

	removed, err := e.store.Delete(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	e.bump(ctx, removed.UserID)

	e.logger.WithFields(map[string]interface{}{
		"assignment_id": removed.ID,
		"user_id":       removed.UserID,
		"role":          removed.Role,
		"revoked_by":    actorID,
	}).Info("role revoked")
	return removed, nil
}

// Get returns a single assignment
func (e *Engine) Get(ctx context.Context, assignmentID int64) (*RoleAssignment, error) {
	return e.store.Get(ctx, assignmentID)
}

// ListAssignments returns every assignment of the user, expired ones included
func (e *Engine) ListAssignments(ctx context.Context, userID int64) ([]*RoleAssignment, error) {
	return e.store.ListForUser(ctx, userID)
}

// Sweep deletes assignments that expired more than retention ago. Expired
// assignments are already inert, so no version bump is needed.
func (e *Engine) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := e.store.DeleteExpired(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.WithField("removed", removed).Info("swept expired role assignments")
	}
	return removed, nil
}

func (e *Engine) authorizeGrant(ctx context.Context, grantorID int64, role RoleType, orgID *int64) error {
	var target *int64
	if role.Scope() == ScopeOrganization {
		target = orgID
	}
	held, err := e.EffectiveRoles(ctx, grantorID, target)
	if err != nil {
		return err
	}
	for _, g := range held {
		if !g.Role.grants(PermRolesAssign) {
			continue
		}
		if g.Role.Rank() < role.Rank() {
			continue
		}
		if role.IsAdministrative() && !g.Role.IsAdministrative() {
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrForbidden, role)
}

func (rt RoleType) grants(p Permission) bool {
	for _, have := range roleTable[rt].permissions {
		if have == p {
			return true
		}
	}
	return false
}

func (e *Engine) bump(ctx context.Context, userID int64) {
	if err := e.versions.Bump(ctx, userID); err != nil {
		e.logger.WithError(err).WithField("user_id", userID).
			Error("failed to bump role version; cached permissions expire with the cache TTL")
	}
}
