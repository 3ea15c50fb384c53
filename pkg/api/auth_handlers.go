package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/cookiedomain"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/rbac"
	"github.com/platinummonkey/accounts/pkg/sso"
)

const (
	returnToCookieName = "accounts_return_to"
	providerFlowTTL    = 10 * time.Minute
	providerPath       = "/auth/provider"
)

// AuthHandlers issues, refreshes and revokes credentials
type AuthHandlers struct {
	s *Server
}

// NewAuthHandlers creates the credential endpoints
func NewAuthHandlers(s *Server) *AuthHandlers {
	return &AuthHandlers{s: s}
}

// RegisterRoutes registers the unauthenticated credential routes
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/auth/login", h.s.limited(h.login)).Methods(http.MethodPost)
	router.Handle("/auth/token", h.s.limited(h.serviceToken)).Methods(http.MethodPost)
	router.Handle("/auth/provider/exchange", h.s.limited(h.providerExchange)).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", h.refresh).Methods(http.MethodPost)
	router.HandleFunc("/auth/logout", h.logout).Methods(http.MethodPost)
	router.HandleFunc("/auth/provider/login", h.providerLogin).Methods(http.MethodGet)
	router.HandleFunc("/auth/provider/callback", h.providerCallback).Methods(http.MethodGet)
	router.HandleFunc("/auth/cookie-domain", h.cookieDomain).Methods(http.MethodGet)
}

// LoginRequest is the password login body
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeBadRequest(w, "email and password are required")
		return
	}

	audience := h.s.deps.Cookies.Audience(r.Host)
	cred, err := h.s.deps.Tokens.LoginWithPassword(r.Context(), req.Email, req.Password, audience)
	if err != nil {
		h.s.recordAs(r, nil, audit.ActionLoginFailed, map[string]interface{}{
			"method": "password",
			"reason": loginFailureReason(err),
		})
		writeError(w, r, h.s.logger, err)
		return
	}

	h.s.recordAs(r, &cred.UserID, audit.ActionLogin, map[string]interface{}{
		"method":   "password",
		"audience": audience,
	}, audit.WithActorRole(highestRole(cred.Roles)))
	h.setSessionCookies(w, r, cred)
	httputil.WriteSuccess(w, cred)
}

// TokenRequest is the client credentials grant. The client may also
// authenticate with HTTP Basic. The camelCase spellings are accepted for
// the same fields.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	Audience     string `json:"audience"`

	GrantTypeCamel    string `json:"grantType,omitempty"`
	ClientIDCamel     string `json:"clientId,omitempty"`
	ClientSecretCamel string `json:"clientSecret,omitempty"`
}

func (req *TokenRequest) normalize() {
	if req.GrantType == "" {
		req.GrantType = req.GrantTypeCamel
	}
	if req.ClientID == "" {
		req.ClientID = req.ClientIDCamel
	}
	if req.ClientSecret == "" {
		req.ClientSecret = req.ClientSecretCamel
	}
}

func (h *AuthHandlers) serviceToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.normalize()
	if req.GrantType != "" && req.GrantType != "client_credentials" {
		writeErrorCode(w, http.StatusBadRequest, "unsupported_grant_type", "only client_credentials is supported")
		return
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeBadRequest(w, "client_id and client_secret are required")
		return
	}

	audience, ok := h.serviceAudience(r, req.Audience)
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "invalid_target", "audience is not served here")
		return
	}
	cred, err := h.s.deps.Tokens.IssueServiceToken(r.Context(), req.ClientID, req.ClientSecret, strings.Fields(req.Scope), audience)
	if err != nil {
		h.s.recordAs(r, nil, audit.ActionLoginFailed, map[string]interface{}{
			"method":    "client_credentials",
			"client_id": req.ClientID,
			"reason":    loginFailureReason(err),
		})
		writeError(w, r, h.s.logger, err)
		return
	}

	h.s.recordAs(r, nil, audit.ActionServiceToken, map[string]interface{}{
		"client_id": req.ClientID,
		"scopes":    cred.Scopes,
		"audience":  audience,
	}, audit.WithActorRole("service:"+req.ClientID))
	httputil.WriteSuccess(w, cred)
}

// serviceAudience resolves the audience a service token is minted for. The
// serving host's audience is the default; anything else must be listed in
// ServiceAudiences.
func (h *AuthHandlers) serviceAudience(r *http.Request, requested string) (string, bool) {
	own := h.s.deps.Cookies.Audience(r.Host)
	if requested == "" || requested == own {
		return own, true
	}
	for _, allowed := range h.s.deps.ServiceAudiences {
		if requested == allowed {
			return requested, true
		}
	}
	return "", false
}

// ExchangeRequest carries a provider assertion. id_token is the OIDC
// spelling of the same field.
type ExchangeRequest struct {
	ProviderAssertion string `json:"providerAssertion,omitempty"`
	IDToken           string `json:"id_token,omitempty"`
}

func (req ExchangeRequest) assertion() string {
	if req.ProviderAssertion != "" {
		return req.ProviderAssertion
	}
	return req.IDToken
}

// ExchangeResponse is the session minted from a provider assertion and the
// user it resolved to
type ExchangeResponse struct {
	*auth.SessionCredential
	User *identity.User `json:"user"`
}

func (h *AuthHandlers) providerExchange(w http.ResponseWriter, r *http.Request) {
	if h.s.deps.Provider == nil {
		writeError(w, r, h.s.logger, sso.ErrNotConfigured)
		return
	}
	var req ExchangeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	assertion := req.assertion()
	if assertion == "" {
		writeBadRequest(w, "providerAssertion is required")
		return
	}

	audience := h.s.deps.Cookies.Audience(r.Host)
	cred, user, err := h.s.deps.Provider.Exchange(r.Context(), assertion, audience)
	if err != nil {
		h.providerFailed(r, "exchange", err)
		writeError(w, r, h.s.logger, err)
		return
	}
	h.providerSucceeded(r, user, cred, "exchange", audience)
	h.setSessionCookies(w, r, cred)
	httputil.WriteSuccess(w, ExchangeResponse{SessionCredential: cred, User: user})
}

func (h *AuthHandlers) providerLogin(w http.ResponseWriter, r *http.Request) {
	if h.s.deps.Provider == nil {
		writeError(w, r, h.s.logger, sso.ErrNotConfigured)
		return
	}
	state, err := sso.NewState()
	if err != nil {
		writeError(w, r, h.s.logger, err)
		return
	}
	http.SetCookie(w, flowCookie(sso.StateCookieName, state, providerFlowTTL))
	if returnTo := r.URL.Query().Get("return_to"); safeReturnPath(returnTo) {
		http.SetCookie(w, flowCookie(returnToCookieName, returnTo, providerFlowTTL))
	}
	http.Redirect(w, r, h.s.deps.Provider.AuthCodeURL(state), http.StatusFound)
}

func (h *AuthHandlers) providerCallback(w http.ResponseWriter, r *http.Request) {
	if h.s.deps.Provider == nil {
		writeError(w, r, h.s.logger, sso.ErrNotConfigured)
		return
	}
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		h.providerFailed(r, "callback", errors.New(providerErr))
		writeErrorCode(w, http.StatusBadRequest, "provider_denied", "provider login was not completed")
		return
	}

	stateCookie, err := r.Cookie(sso.StateCookieName)
	if err != nil || !sso.StateMatches(stateCookie.Value, q.Get("state")) {
		writeBadRequest(w, "state mismatch")
		return
	}
	http.SetCookie(w, flowCookie(sso.StateCookieName, "", -1))

	code := q.Get("code")
	if code == "" {
		writeBadRequest(w, "code is required")
		return
	}

	audience := h.s.deps.Cookies.Audience(r.Host)
	cred, user, err := h.s.deps.Provider.ExchangeCode(r.Context(), code, audience)
	if err != nil {
		h.providerFailed(r, "callback", err)
		writeError(w, r, h.s.logger, err)
		return
	}
	h.providerSucceeded(r, user, cred, "callback", audience)
	h.setSessionCookies(w, r, cred)

	if c, err := r.Cookie(returnToCookieName); err == nil && safeReturnPath(c.Value) {
		http.SetCookie(w, flowCookie(returnToCookieName, "", -1))
		http.Redirect(w, r, c.Value, http.StatusFound)
		return
	}
	httputil.WriteSuccess(w, cred)
}

func (h *AuthHandlers) providerSucceeded(r *http.Request, user *identity.User, cred *auth.SessionCredential, flow, audience string) {
	h.s.recordAs(r, &user.ID, audit.ActionProviderExchange, map[string]interface{}{
		"flow":       flow,
		"audience":   audience,
		"provenance": user.Provenance,
	}, audit.WithActorRole(highestRole(cred.Roles)))
	h.s.recordAs(r, &user.ID, audit.ActionLogin, map[string]interface{}{
		"method":   "provider",
		"audience": audience,
	}, audit.WithActorRole(highestRole(cred.Roles)))
}

func (h *AuthHandlers) providerFailed(r *http.Request, flow string, err error) {
	h.s.recordAs(r, nil, audit.ActionLoginFailed, map[string]interface{}{
		"method": "provider",
		"flow":   flow,
		"reason": loginFailureReason(err),
	})
}

// RefreshRequest carries a refresh token; the refresh cookie is used when
// the body is empty
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := httputil.ParseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, err.Error())
		return
	}
	raw := req.RefreshToken
	if raw == "" {
		if c, err := r.Cookie(h.s.deps.SessionCookies.Refresh); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		writeBadRequest(w, "refresh_token is required")
		return
	}

	audience := h.s.deps.Cookies.Audience(r.Host)
	cred, err := h.s.deps.Tokens.Refresh(r.Context(), raw, audience)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshReused) {
			h.s.recordAs(r, nil, audit.ActionLoginFailed, map[string]interface{}{
				"method": "refresh",
				"reason": "refresh_reused",
			})
		}
		writeError(w, r, h.s.logger, err)
		return
	}

	h.s.recordAs(r, &cred.UserID, audit.ActionTokenRefresh, map[string]interface{}{
		"audience": audience,
	}, audit.WithActorRole(highestRole(cred.Roles)))
	h.setSessionCookies(w, r, cred)
	httputil.WriteSuccess(w, cred)
}

func (h *AuthHandlers) logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := httputil.ParseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, err.Error())
		return
	}
	raw := req.RefreshToken
	if raw == "" {
		if c, err := r.Cookie(h.s.deps.SessionCookies.Refresh); err == nil {
			raw = c.Value
		}
	}

	if raw != "" {
		if err := h.s.deps.Tokens.Revoke(r.Context(), raw); err != nil {
			writeError(w, r, h.s.logger, err)
			return
		}
	}

	var actor *int64
	if token, ok := h.accessToken(r); ok {
		if claims, err := h.s.deps.Tokens.Validate(token, h.s.deps.Cookies.Audience(r.Host)); err == nil {
			if id, err := claims.UserID(); err == nil {
				actor = &id
			}
		}
	}
	h.s.recordAs(r, actor, audit.ActionLogout, map[string]interface{}{
		"refresh_revoked": raw != "",
	})

	http.SetCookie(w, h.s.deps.Cookies.ClearCookie(r.Host, h.s.deps.SessionCookies.Access))
	http.SetCookie(w, h.s.deps.Cookies.ClearCookie(r.Host, h.s.deps.SessionCookies.Refresh))
	httputil.WriteNoContent(w)
}

// CookieDomainResponse describes how identity reaches sibling applications
// from the requesting host
type CookieDomainResponse struct {
	Host     string                   `json:"host"`
	Decision cookiedomain.Decision    `json:"decision"`
	Handoff  cookiedomain.HandoffMode `json:"handoff"`
	Audience string                   `json:"audience"`
}

func (h *AuthHandlers) cookieDomain(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		host = r.Host
	}
	httputil.WriteSuccess(w, CookieDomainResponse{
		Host:     host,
		Decision: h.s.deps.Cookies.SharedCookieDomain(host),
		Handoff:  h.s.deps.Cookies.Handoff(host),
		Audience: h.s.deps.Cookies.Audience(host),
	})
}

func (h *AuthHandlers) accessToken(r *http.Request) (string, bool) {
	if token, ok := httputil.BearerToken(r); ok {
		return token, true
	}
	if c, err := r.Cookie(h.s.deps.SessionCookies.Access); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

func (h *AuthHandlers) setSessionCookies(w http.ResponseWriter, r *http.Request, cred *auth.SessionCredential) {
	cookies := h.s.deps.Cookies
	http.SetCookie(w, cookies.SessionCookie(r.Host, h.s.deps.SessionCookies.Access, cred.AccessToken, h.s.deps.AccessTTL))
	if cred.RefreshToken != "" && cred.RefreshExpiresAt != nil {
		ttl := time.Until(*cred.RefreshExpiresAt)
		if ttl > 0 {
			http.SetCookie(w, cookies.SessionCookie(r.Host, h.s.deps.SessionCookies.Refresh, cred.RefreshToken, ttl))
		}
	}
}

// flowCookie is a short-lived host-only cookie scoped to the provider flow
func flowCookie(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     providerPath,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl < 0 {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		return c
	}
	c.MaxAge = int(ttl / time.Second)
	return c
}

// safeReturnPath admits same-origin relative paths only
func safeReturnPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return false
	}
	return !strings.ContainsAny(p, "\\\r\n")
}

func loginFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, auth.ErrUserInactive), errors.Is(err, identity.ErrArchived):
		return "account_disabled"
	case errors.Is(err, auth.ErrInvalidClient):
		return "invalid_client"
	case errors.Is(err, auth.ErrScopeNotGranted), errors.Is(err, auth.ErrScopeNotIssuable), errors.Is(err, auth.ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, sso.ErrInvalidAssertion):
		return "invalid_assertion"
	case errors.Is(err, sso.ErrEmailNotVerified), errors.Is(err, identity.ErrNotVerified):
		return "email_not_verified"
	case errors.Is(err, sso.ErrCodeExchange):
		return "code_exchange"
	}
	return "error"
}

func highestRole(roles []string) string {
	best, bestRank := "", -1
	for _, name := range roles {
		rt, err := rbac.ParseRoleType(name)
		if err != nil {
			continue
		}
		if rt.Rank() > bestRank {
			best, bestRank = name, rt.Rank()
		}
	}
	return best
}
