package guard

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/httputil"
)

var (
	ErrUnauthenticated     = errors.New("guard: no credential presented")
	ErrForbidden           = errors.New("guard: forbidden")
	ErrInvalidOrganization = errors.New("guard: invalid organization context")
)

// Code is the stable caller-visible code for err
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, auth.ErrExpired):
		return "token_expired"
	case errors.Is(err, auth.ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, auth.ErrMalformed):
		return "invalid_token"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidOrganization):
		return "invalid_request"
	}
	return "internal_error"
}

// WriteError renders err in the uniform error shape. Messages are fixed per
// code so validation detail never reaches the caller.
func WriteError(w http.ResponseWriter, err error) {
	switch code := Code(err); code {
	case "unauthenticated":
		httputil.WriteUnauthorized(w, code, "authentication required")
	case "token_expired":
		httputil.WriteUnauthorized(w, code, "token has expired")
	case "audience_mismatch":
		httputil.WriteUnauthorized(w, code, "token was issued for another audience")
	case "invalid_token":
		httputil.WriteUnauthorized(w, code, "token is invalid")
	case "forbidden":
		httputil.WriteForbidden(w, "insufficient permissions")
	case "invalid_request":
		httputil.WriteBadRequest(w, "invalid organization context")
	default:
		httputil.WriteInternalError(w)
	}
}
