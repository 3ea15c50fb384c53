package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/contextkeys"
	"github.com/platinummonkey/accounts/pkg/guard"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/observability"
	"github.com/platinummonkey/accounts/pkg/rbac"
	"github.com/platinummonkey/accounts/pkg/sso"
)

// apiError is one row of the error table
type apiError struct {
	status  int
	code    string
	message string
}

// errorTable maps domain errors to the caller-visible shape. Order matters
// only where one error wraps another.
var errorTable = []struct {
	target error
	out    apiError
}{
	{identity.ErrNotFound, apiError{http.StatusNotFound, "not_found", "not found"}},
	{rbac.ErrNotFound, apiError{http.StatusNotFound, "not_found", "role assignment not found"}},
	{auth.ErrNotFound, apiError{http.StatusNotFound, "not_found", "not found"}},

	{identity.ErrConflict, apiError{http.StatusConflict, "conflict", "email address is already linked"}},
	{rbac.ErrConflict, apiError{http.StatusConflict, "conflict", "role is already assigned"}},
	{auth.ErrClientExists, apiError{http.StatusConflict, "conflict", "client already exists"}},
	{identity.ErrNotVerified, apiError{http.StatusConflict, "email_not_verified", "email address is not verified"}},
	{identity.ErrCannotRemovePrimary, apiError{http.StatusConflict, "primary_email", "the primary email cannot be removed"}},
	{identity.ErrArchived, apiError{http.StatusConflict, "account_archived", "account is archived"}},

	{identity.ErrInvalidKind, apiError{http.StatusBadRequest, "invalid_request", "email kind does not match organization"}},
	{identity.ErrInvalidInput, apiError{http.StatusBadRequest, "invalid_request", "invalid input"}},
	{rbac.ErrScopeMismatch, apiError{http.StatusBadRequest, "invalid_request", "scope does not match role type"}},
	{rbac.ErrUnknownRole, apiError{http.StatusBadRequest, "invalid_request", "unknown role"}},
	{rbac.ErrInvalidInput, apiError{http.StatusBadRequest, "invalid_request", "invalid input"}},
	{audit.ErrInvalidCursor, apiError{http.StatusBadRequest, "invalid_request", "invalid cursor"}},
	{audit.ErrInvalidInput, apiError{http.StatusBadRequest, "invalid_request", "invalid input"}},
	{auth.ErrInvalidRequest, apiError{http.StatusBadRequest, "invalid_request", "invalid request"}},

	{rbac.ErrForbidden, apiError{http.StatusForbidden, "forbidden", "insufficient permissions"}},

	{auth.ErrInvalidCredentials, apiError{http.StatusUnauthorized, "invalid_credentials", "invalid email or password"}},
	{auth.ErrRefreshReused, apiError{http.StatusUnauthorized, "invalid_grant", "refresh token is invalid"}},
	{auth.ErrInvalidRefresh, apiError{http.StatusUnauthorized, "invalid_grant", "refresh token is invalid"}},
	{auth.ErrUserInactive, apiError{http.StatusForbidden, "account_disabled", "account cannot sign in"}},
	{auth.ErrInvalidClient, apiError{http.StatusUnauthorized, "invalid_client", "client authentication failed"}},
	{auth.ErrScopeNotGranted, apiError{http.StatusBadRequest, "invalid_scope", "requested scope is not granted"}},
	{auth.ErrScopeNotIssuable, apiError{http.StatusBadRequest, "invalid_scope", "only read scopes can be issued"}},
	{auth.ErrInvalidScope, apiError{http.StatusBadRequest, "invalid_scope", "malformed scope"}},

	{sso.ErrNotConfigured, apiError{http.StatusNotFound, "provider_not_configured", "provider login is not configured"}},
	{sso.ErrInvalidAssertion, apiError{http.StatusUnauthorized, "invalid_assertion", "provider assertion is invalid"}},
	{sso.ErrEmailNotVerified, apiError{http.StatusForbidden, "email_not_verified", "provider email is not verified"}},
	{sso.ErrCodeExchange, apiError{http.StatusBadRequest, "invalid_grant", "authorization code was rejected"}},
	{sso.ErrMissingIDToken, apiError{http.StatusBadGateway, "provider_error", "provider returned no identity"}},
}

// writeError renders err. Guard errors keep their own codes; unknown
// errors become a logged 500 with no detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	for _, row := range errorTable {
		if errors.Is(err, row.target) {
			if row.out.status == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", `Bearer error="`+row.out.code+`"`)
			}
			writeErrorCode(w, row.out.status, row.out.code, row.out.message)
			return
		}
	}
	if code := guard.Code(err); code != "internal_error" {
		guard.WriteError(w, err)
		return
	}
	observability.FromContext(r.Context(), logger).WithError(err).WithFields(map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Error("request failed")
	httputil.WriteInternalError(w)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	httputil.WriteErrorCode(w, status, code, message)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	httputil.WriteBadRequest(w, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	httputil.WriteNotFound(w, message)
}

func clientIP(r *http.Request) string {
	if ip := contextkeys.GetClientIP(r.Context()); ip != "" {
		return ip
	}
	return httputil.ClientIP(r)
}

func requestID(r *http.Request) string {
	return contextkeys.GetRequestID(r.Context())
}
