package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/guard"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

// RoleHandlers administers role assignments
type RoleHandlers struct {
	s *Server
}

// NewRoleHandlers creates the role endpoints
func NewRoleHandlers(s *Server) *RoleHandlers {
	return &RoleHandlers{s: s}
}

// RegisterRoutes registers role routes
func (h *RoleHandlers) RegisterRoutes(router *mux.Router) {
	assign := guard.Policy{RequiredPermission: rbac.PermRolesAssign, Write: true}
	read := guard.Policy{
		RequiredScope:      "read:roles",
		RequiredPermission: rbac.PermRolesRead,
		SelfParam:          "userId",
	}

	router.Handle("/roles/assign", h.s.protect(assign, h.assign)).Methods(http.MethodPost)
	router.Handle("/roles/user/{userId}", h.s.protect(read, h.listForUser)).Methods(http.MethodGet)
	router.Handle("/roles/permissions/{userId}", h.s.protect(read, h.permissions)).Methods(http.MethodGet)
	router.Handle("/roles/{id}", h.s.protect(assign, h.update)).Methods(http.MethodPut)
	router.Handle("/roles/{id}", h.s.protect(assign, h.revoke)).Methods(http.MethodDelete)
}

// AssignRoleRequest grants a role. Scope follows from the role type.
type AssignRoleRequest struct {
	UserID         int64      `json:"user_id"`
	Role           string     `json:"role"`
	OrganizationID *int64     `json:"organization_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// UpdateRoleRequest changes an assignment's expiry; null clears it
type UpdateRoleRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// UserRolesResponse lists assignments and the roles effective in the
// requested context
type UserRolesResponse struct {
	UserID         int64                  `json:"user_id"`
	OrganizationID *int64                 `json:"organization_id,omitempty"`
	Assignments    []*rbac.RoleAssignment `json:"assignments"`
	Effective      []string               `json:"effective"`
}

// PermissionsResponse lists effective permissions in one context
type PermissionsResponse struct {
	UserID         int64             `json:"user_id"`
	OrganizationID *int64            `json:"organization_id,omitempty"`
	Permissions    []rbac.Permission `json:"permissions"`
}

func (h *RoleHandlers) assign(w http.ResponseWriter, r *http.Request) {
	p, _ := guard.FromContext(r.Context())
	var req AssignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		writeBadRequest(w, "user_id is required")
		return
	}
	role, err := rbac.ParseRoleType(req.Role)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	if _, err := h.s.deps.Identity.GetUser(r.Context(), req.UserID); err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}

	a, err := h.s.deps.Roles.Assign(r.Context(), rbac.AssignRequest{
		UserID:         req.UserID,
		Role:           role,
		Scope:          role.Scope(),
		OrganizationID: req.OrganizationID,
		GrantedBy:      p.UserID,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	h.s.record(r, audit.ActionRoleAssign, assignmentPayload(a), audit.WithSubject(a.UserID))
	httputil.WriteCreated(w, a)
}

func (h *RoleHandlers) update(w http.ResponseWriter, r *http.Request) {
	p, _ := guard.FromContext(r.Context())
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	a, err := h.s.deps.Roles.Update(r.Context(), id, p.UserID, req.ExpiresAt)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	h.s.record(r, audit.ActionRoleUpdate, assignmentPayload(a), audit.WithSubject(a.UserID))
	httputil.WriteSuccess(w, a)
}

func (h *RoleHandlers) revoke(w http.ResponseWriter, r *http.Request) {
	p, _ := guard.FromContext(r.Context())
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	a, err := h.s.deps.Roles.Revoke(r.Context(), id, p.UserID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	h.s.record(r, audit.ActionRoleRevoke, assignmentPayload(a), audit.WithSubject(a.UserID))
	httputil.WriteNoContent(w)
}

func (h *RoleHandlers) listForUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return
	}
	org, ok := orgQuery(w, r)
	if !ok {
		return
	}

	view, org, ok := h.viewOrg(w, r, userID, org)
	if !ok {
		return
	}

	assignments, err := h.s.deps.Roles.ListAssignments(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	effective, err := h.s.deps.Roles.EffectiveRoles(r.Context(), userID, org)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	if view != nil {
		assignments = inOrganization(assignments, *view)
		effective = inOrganization(effective, *view)
	}
	if assignments == nil {
		assignments = []*rbac.RoleAssignment{}
	}
	names := rbac.RoleNames(effective)
	if names == nil {
		names = []string{}
	}
	httputil.WriteSuccess(w, UserRolesResponse{
		UserID:         userID,
		OrganizationID: org,
		Assignments:    assignments,
		Effective:      names,
	})
}

func (h *RoleHandlers) permissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return
	}
	org, ok := orgQuery(w, r)
	if !ok {
		return
	}

	view, org, ok := h.viewOrg(w, r, userID, org)
	if !ok {
		return
	}

	var (
		perms []rbac.Permission
		err   error
	)
	if view == nil {
		perms, err = h.s.deps.Roles.PermissionsFor(r.Context(), userID, org)
	} else {
		var effective []*rbac.RoleAssignment
		effective, err = h.s.deps.Roles.EffectiveRoles(r.Context(), userID, org)
		perms = rbac.PermissionsOf(inOrganization(effective, *view))
	}
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	if perms == nil {
		perms = []rbac.Permission{}
	}
	httputil.WriteSuccess(w, PermissionsResponse{
		UserID:         userID,
		OrganizationID: org,
		Permissions:    perms,
	})
}

// viewOrg pins org to the caller's organization when the caller may only
// see subjectID through it. Asking about another organization is forbidden.
func (h *RoleHandlers) viewOrg(w http.ResponseWriter, r *http.Request, subjectID int64, org *int64) (*int64, *int64, bool) {
	view, err := h.s.tenantView(r, subjectID, rbac.PermRolesRead)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return nil, nil, false
	}
	if view == nil {
		return nil, org, true
	}
	if org != nil && *org != *view {
		writeError(w, r, h.s.logger, guard.ErrForbidden)
		return nil, nil, false
	}
	return view, view, true
}

func inOrganization(assignments []*rbac.RoleAssignment, orgID int64) []*rbac.RoleAssignment {
	out := make([]*rbac.RoleAssignment, 0, len(assignments))
	for _, a := range assignments {
		if a.OrganizationID != nil && *a.OrganizationID == orgID {
			out = append(out, a)
		}
	}
	return out
}

// orgQuery reads the optional organization_id query parameter
func orgQuery(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	raw := r.URL.Query().Get("organization_id")
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "invalid organization_id")
		return nil, false
	}
	return &id, true
}

func assignmentPayload(a *rbac.RoleAssignment) map[string]interface{} {
	payload := map[string]interface{}{
		"assignment_id": a.ID,
		"role":          string(a.Role),
		"scope":         string(a.Scope),
	}
	if a.OrganizationID != nil {
		payload["organization_id"] = *a.OrganizationID
	}
	if a.ExpiresAt != nil {
		payload["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return payload
}
