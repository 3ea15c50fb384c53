package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/guard"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

// AuditHandlers serves a user's audit history
type AuditHandlers struct {
	s *Server
}

// NewAuditHandlers creates the audit endpoints
func NewAuditHandlers(s *Server) *AuditHandlers {
	return &AuditHandlers{s: s}
}

// RegisterRoutes registers audit routes
func (h *AuditHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/audit/{userId}", h.s.protect(guard.Policy{
		RequiredScope:      "read:audit",
		RequiredPermission: rbac.PermAuditRead,
		SelfParam:          "userId",
	}, h.list)).Methods(http.MethodGet)
}

// ConsolidatedPage is a page whose adjacent repeats are collapsed
type ConsolidatedPage struct {
	Entries    []audit.ConsolidatedEntry `json:"entries"`
	NextCursor string                    `json:"next_cursor,omitempty"`
	HasMore    bool                      `json:"has_more"`
}

func (h *AuditHandlers) list(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", audit.DefaultPageSize)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	consolidate, err := httputil.ParseQueryBool(r, "consolidate", false)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if _, err := h.s.tenantView(r, userID, rbac.PermAuditRead); err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}

	page, err := h.s.deps.Audit.Query(r.Context(), userID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	if !consolidate {
		httputil.WriteSuccess(w, page)
		return
	}

	entries := audit.Consolidate(page.Entries)
	if entries == nil {
		entries = []audit.ConsolidatedEntry{}
	}
	httputil.WriteSuccess(w, ConsolidatedPage{
		Entries:    entries,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}
