package guard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/contextkeys"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/observability"
)

// Chain returns middleware that authorizes every request against policy.
// Service principals get a sanitizing response writer.
func (g *Guard) Chain(policy Policy) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := g.credentialFrom(r)
			principal, err := g.Authorize(r.Context(), cred, policy)
			if err != nil {
				g.deny(r, principal, err)
				WriteError(w, err)
				return
			}

			g.metrics.AuthorizationDecisions.WithLabelValues(string(principal.Kind), "allow").Inc()
			ctx := contextkeys.WithPrincipal(r.Context(), principal)
			if principal.IsService() {
				ctx = observability.WithLogger(ctx, observability.FromContext(ctx, g.logger).WithField("client_id", principal.ClientID))
				sw := newSanitizingWriter(w)
				next.ServeHTTP(sw, r.WithContext(ctx))
				sw.flush()
				return
			}
			ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(principal.UserID, 10))
			ctx = observability.WithLogger(ctx, observability.FromContext(ctx, g.logger).WithField("user_id", principal.UserID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (g *Guard) credentialFrom(r *http.Request) Credential {
	token, ok := httputil.BearerToken(r)
	if !ok && g.cookieName != "" {
		if c, err := r.Cookie(g.cookieName); err == nil {
			token = c.Value
		}
	}
	return Credential{
		Token:     token,
		Host:      r.Host,
		Method:    r.Method,
		OrgHeader: r.Header.Get(OrganizationHeader),
		PathVars:  mux.Vars(r),
	}
}

func (g *Guard) deny(r *http.Request, principal *Principal, err error) {
	kind := "anonymous"
	if principal != nil {
		kind = string(principal.Kind)
	}
	g.metrics.AuthorizationDecisions.WithLabelValues(kind, "deny").Inc()

	code := Code(err)
	logger := observability.FromContext(r.Context(), g.logger).WithFields(map[string]interface{}{
		"code":   code,
		"method": r.Method,
		"path":   r.URL.Path,
	})
	if code == "internal_error" {
		logger.WithError(err).Error("authorization failed")
	} else {
		logger.WithError(err).Info("request denied")
	}

	if g.recorder == nil {
		return
	}
	payload := map[string]interface{}{
		"code":   code,
		"method": r.Method,
		"path":   r.URL.Path,
		"host":   r.Host,
	}
	if id := contextkeys.GetRequestID(r.Context()); id != "" {
		payload["request_id"] = id
	}
	var opts []audit.RecordOption
	if principal != nil {
		if principal.IsService() {
			payload["client_id"] = principal.ClientID
		}
		if label := principal.RoleLabel(); label != "" {
			opts = append(opts, audit.WithActorRole(label))
		}
	}
	if _, recErr := g.recorder.Record(r.Context(), principal.ActorID(), audit.ActionAccessDenied, payload, opts...); recErr != nil {
		logger.WithError(errors.Join(err, recErr)).Error("failed to audit denial")
	}
}
