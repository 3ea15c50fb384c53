package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/guard"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

// IdentityHandlers manages linked emails and exposes user records
type IdentityHandlers struct {
	s *Server
}

// NewIdentityHandlers creates the identity endpoints
func NewIdentityHandlers(s *Server) *IdentityHandlers {
	return &IdentityHandlers{s: s}
}

// RegisterRoutes registers identity routes
func (h *IdentityHandlers) RegisterRoutes(router *mux.Router) {
	session := guard.Policy{}
	router.Handle("/identity/emails", h.s.protect(session, h.listEmails)).Methods(http.MethodGet)
	router.Handle("/identity/emails", h.s.protect(session, h.linkEmail)).Methods(http.MethodPost)
	router.Handle("/identity/emails/{id}", h.s.protect(session, h.unlinkEmail)).Methods(http.MethodDelete)
	router.Handle("/identity/emails/{id}/primary", h.s.protect(session, h.setPrimary)).Methods(http.MethodPut)
	router.Handle("/identity/emails/{id}/verify", h.s.protect(guard.Policy{
		RequiredPermission: rbac.PermEmailsManage,
		Write:              true,
	}, h.verifyEmail)).Methods(http.MethodPost)
	router.Handle("/identity/users/{userId}", h.s.protect(guard.Policy{
		RequiredScope:      "read:users",
		RequiredPermission: rbac.PermUsersRead,
		SelfParam:          "userId",
	}, h.getUser)).Methods(http.MethodGet)
}

// LinkEmailRequest attaches an address to the caller
type LinkEmailRequest struct {
	Address        string             `json:"address"`
	Kind           identity.EmailKind `json:"kind"`
	OrganizationID *int64             `json:"organization_id,omitempty"`
}

// UserResponse is a user with their linked emails
type UserResponse struct {
	*identity.User
	Emails []*identity.LinkedEmail `json:"emails"`
}

func (h *IdentityHandlers) listEmails(w http.ResponseWriter, r *http.Request) {
	p, _ := guard.FromContext(r.Context())
	emails, err := h.s.deps.Identity.ListEmails(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	if emails == nil {
		emails = []*identity.LinkedEmail{}
	}
	httputil.WriteSuccess(w, emails)
}

func (h *IdentityHandlers) linkEmail(w http.ResponseWriter, r *http.Request) {
	p, _ := guard.FromContext(r.Context())
	var req LinkEmailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = identity.EmailKindPersonal
	}

	email, err := h.s.deps.Identity.LinkEmail(r.Context(), p.UserID, req.Address, req.Kind, req.OrganizationID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	payload := map[string]interface{}{
		"email_id": email.ID,
		"kind":     string(email.Kind),
	}
	if email.OrganizationID != nil {
		payload["organization_id"] = *email.OrganizationID
	}
	h.s.record(r, audit.ActionEmailLink, payload, audit.WithSubject(p.UserID))
	httputil.WriteCreated(w, email)
}

func (h *IdentityHandlers) unlinkEmail(w http.ResponseWriter, r *http.Request) {
	p, _ := guard.FromContext(r.Context())
	emailID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.s.deps.Identity.Unlink(r.Context(), p.UserID, emailID); err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	h.s.record(r, audit.ActionEmailUnlink, map[string]interface{}{"email_id": emailID}, audit.WithSubject(p.UserID))
	httputil.WriteNoContent(w)
}

func (h *IdentityHandlers) setPrimary(w http.ResponseWriter, r *http.Request) {
	p, _ := guard.FromContext(r.Context())
	emailID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.s.deps.Identity.SetPrimary(r.Context(), p.UserID, emailID); err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	h.s.record(r, audit.ActionEmailPrimary, map[string]interface{}{"email_id": emailID}, audit.WithSubject(p.UserID))

	emails, err := h.s.deps.Identity.ListEmails(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	httputil.WriteSuccess(w, emails)
}

// verifyEmail marks an address verified. The caller's emails:manage must
// hold in the email's own context: its organization for work addresses,
// the global context for personal ones.
func (h *IdentityHandlers) verifyEmail(w http.ResponseWriter, r *http.Request) {
	p, _ := guard.FromContext(r.Context())
	emailID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	email, err := h.s.deps.Identity.GetEmail(r.Context(), emailID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}

	allowed, err := h.s.deps.Roles.HasPermission(r.Context(), p.UserID, email.OrganizationID, rbac.PermEmailsManage)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	if !allowed {
		writeError(w, r, h.s.logger, guard.ErrForbidden)
		return
	}

	verified, err := h.s.deps.Identity.VerifyEmail(r.Context(), email.UserID, email.ID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	h.s.record(r, audit.ActionEmailVerify, map[string]interface{}{
		"email_id": verified.ID,
		"kind":     string(verified.Kind),
	}, audit.WithSubject(verified.UserID))
	httputil.WriteSuccess(w, verified)
}

// getUser returns a user record. An organization-context caller only sees
// users holding a work email in that organization.
func (h *IdentityHandlers) getUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return
	}
	user, err := h.s.deps.Identity.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	emails, err := h.s.deps.Identity.ListEmails(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}

	if _, err := h.s.tenantView(r, userID, rbac.PermUsersRead); err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}

	if emails == nil {
		emails = []*identity.LinkedEmail{}
	}
	httputil.WriteSuccess(w, UserResponse{User: user, Emails: emails})
}

// tenantView decides how much of subjectID a user caller in an
// organization context may read. A nil organization means unrestricted.
// Otherwise the caller lacks perm globally, and the result is the
// organization the read must stay inside; a subject without a work email
// there is reported as not found.
func (s *Server) tenantView(r *http.Request, subjectID int64, perm rbac.Permission) (*int64, error) {
	p, ok := guard.FromContext(r.Context())
	if !ok || p.IsService() || p.UserID == subjectID || p.OrganizationID == nil {
		return nil, nil
	}
	global, err := s.deps.Roles.HasPermission(r.Context(), p.UserID, nil, perm)
	if err != nil || global {
		return nil, err
	}
	emails, err := s.deps.Identity.ListEmails(r.Context(), subjectID)
	if err != nil {
		return nil, err
	}
	if !hasWorkEmailIn(emails, *p.OrganizationID) {
		return nil, identity.ErrNotFound
	}
	org := *p.OrganizationID
	return &org, nil
}

func hasWorkEmailIn(emails []*identity.LinkedEmail, orgID int64) bool {
	for _, e := range emails {
		if e.Kind == identity.EmailKindWork && e.OrganizationID != nil && *e.OrganizationID == orgID {
			return true
		}
	}
	return false
}
