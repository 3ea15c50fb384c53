package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/observability"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

// TokenValidator verifies bearer tokens
type TokenValidator interface {
	Validate(raw, audience string) (*auth.Claims, error)
}

// RoleResolver answers role and permission questions with fresh data
type RoleResolver interface {
	EffectiveRoles(ctx context.Context, userID int64, orgContext *int64) ([]*rbac.RoleAssignment, error)
	HasPermission(ctx context.Context, userID int64, orgContext *int64, perm rbac.Permission) (bool, error)
}

// AudienceResolver maps a request host to the expected token audience
type AudienceResolver interface {
	Audience(host string) string
}

// Recorder receives denial records
type Recorder interface {
	Record(ctx context.Context, actorUserID *int64, action string, payload map[string]interface{}, opts ...audit.RecordOption) (*audit.Entry, error)
}

// Request carries one authorization through the check chain
type Request struct {
	Credential Credential
	Policy     Policy
	Principal  *Principal
}

// Check is one step of the authorization chain. A non-nil error stops the
// chain.
type Check func(ctx context.Context, req *Request) error

// Guard authorizes requests against endpoint policies
type Guard struct {
	tokens     TokenValidator
	roles      RoleResolver
	audiences  AudienceResolver
	recorder   Recorder
	logger     *observability.Logger
	metrics    *observability.Metrics
	cookieName string
	chain      []Check
}

// Option configures a Guard
type Option func(*Guard)

// WithMetrics records decisions on m
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithSessionCookie reads the access token from this cookie when no
// Authorization header is present
func WithSessionCookie(name string) Option {
	return func(g *Guard) { g.cookieName = name }
}

// New creates a Guard. recorder may be nil to skip auditing denials.
func New(tokens TokenValidator, roles RoleResolver, audiences AudienceResolver, recorder Recorder, logger *observability.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = observability.NopLogger()
	}
	g := &Guard{
		tokens:     tokens,
		roles:      roles,
		audiences:  audiences,
		recorder:   recorder,
		logger:     logger.WithComponent("guard"),
		metrics:    observability.NewMetrics(nil),
		cookieName: "accounts_session",
	}
	for _, opt := range opts {
		opt(g)
	}
	g.chain = []Check{g.Authenticate, g.ResolveScope, g.ResolveRole}
	return g
}

// Authorize runs the chain for one credential and policy
func (g *Guard) Authorize(ctx context.Context, cred Credential, policy Policy) (*Principal, error) {
	req := &Request{Credential: cred, Policy: policy}
	for _, check := range g.chain {
		if err := check(ctx, req); err != nil {
			return req.Principal, err
		}
	}
	return req.Principal, nil
}

// Authenticate validates the bearer token against the host's audience
func (g *Guard) Authenticate(ctx context.Context, req *Request) error {
	if req.Credential.Token == "" {
		return ErrUnauthenticated
	}
	claims, err := g.tokens.Validate(req.Credential.Token, g.audiences.Audience(req.Credential.Host))
	if err != nil {
		return err
	}

	p := &Principal{Kind: claims.Kind, Claims: claims}
	switch claims.Kind {
	case auth.KindService:
		p.ClientID = claims.ClientID()
		p.Scopes = claims.Scopes
	default:
		id, err := claims.UserID()
		if err != nil {
			return err
		}
		p.UserID = id
		p.OrganizationID = claims.OrganizationID
	}
	req.Principal = p
	return nil
}

// ResolveScope enforces the service-token rules and settles the
// organization context of user callers
func (g *Guard) ResolveScope(ctx context.Context, req *Request) error {
	p := req.Principal
	write := req.Policy.Write || isWriteMethod(req.Credential.Method)

	if p.IsService() {
		if write {
			return fmt.Errorf("%w: service tokens are read-only", ErrForbidden)
		}
		if req.Policy.RequiredScope == "" {
			return fmt.Errorf("%w: endpoint does not accept service tokens", ErrForbidden)
		}
		if !p.Claims.HasScope(req.Policy.RequiredScope) {
			return fmt.Errorf("%w: scope %s not granted", ErrForbidden, req.Policy.RequiredScope)
		}
		return nil
	}

	header := strings.TrimSpace(req.Credential.OrgHeader)
	if header == "" {
		return nil
	}
	org, err := strconv.ParseInt(header, 10, 64)
	if err != nil || org <= 0 {
		return ErrInvalidOrganization
	}
	if p.OrganizationID != nil && *p.OrganizationID != org {
		return fmt.Errorf("%w: token is bound to another organization", ErrForbidden)
	}
	p.OrganizationID = &org
	return nil
}

// ResolveRole loads fresh effective roles for user callers and checks the
// policy's role and permission requirement
func (g *Guard) ResolveRole(ctx context.Context, req *Request) error {
	p := req.Principal
	if p.IsService() {
		return nil
	}

	roles, err := g.roles.EffectiveRoles(ctx, p.UserID, p.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to resolve roles: %w", err)
	}
	p.Roles = roles

	policy := req.Policy
	if len(policy.RequiredRoles) == 0 && policy.RequiredPermission == "" {
		return nil
	}
	if policy.SelfParam != "" && req.Credential.PathVars[policy.SelfParam] == strconv.FormatInt(p.UserID, 10) {
		return nil
	}
	if len(policy.RequiredRoles) > 0 && p.HasRole(policy.RequiredRoles...) {
		return nil
	}
	if policy.RequiredPermission != "" {
		ok, err := g.roles.HasPermission(ctx, p.UserID, p.OrganizationID, policy.RequiredPermission)
		if err != nil {
			return fmt.Errorf("failed to resolve permissions: %w", err)
		}
		if ok {
			return nil
		}
	}
	return ErrForbidden
}
