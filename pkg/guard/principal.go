package guard

import (
	"context"
	"net/http"

	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/contextkeys"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

// OrganizationHeader selects the organization context of a user caller
// whose token carries no organization binding
const OrganizationHeader = "X-Organization-ID"

// Policy is what an endpoint declares about its callers
type Policy struct {
	// RequiredScope admits service tokens holding exactly this scope. Empty
	// means service tokens are rejected.
	RequiredScope string
	// RequiredRoles admits users holding any of these roles in context
	RequiredRoles []rbac.RoleType
	// RequiredPermission admits users whose effective permissions include it
	RequiredPermission rbac.Permission
	// SelfParam names a path variable; a user whose id equals it passes
	// without the role or permission requirement
	SelfParam string
	// Write marks the operation as mutating regardless of HTTP method
	Write bool
}

// Principal is the authenticated caller of one request
type Principal struct {
	Kind           auth.TokenKind
	UserID         int64
	ClientID       string
	OrganizationID *int64
	Roles          []*rbac.RoleAssignment
	Scopes         []string
	Claims         *auth.Claims
}

// IsService reports whether the caller is a machine client
func (p *Principal) IsService() bool {
	return p.Kind == auth.KindService
}

// ActorID is the user id for audit records; nil for service callers
func (p *Principal) ActorID() *int64 {
	if p == nil || p.IsService() {
		return nil
	}
	id := p.UserID
	return &id
}

// RoleLabel is the highest-ranked effective role, for audit records
func (p *Principal) RoleLabel() string {
	if p.IsService() {
		return "service:" + p.ClientID
	}
	return rbac.HighestRole(p.Roles)
}

// HasRole reports whether any effective role is one of roles
func (p *Principal) HasRole(roles ...rbac.RoleType) bool {
	for _, a := range p.Roles {
		for _, r := range roles {
			if a.Role == r {
				return true
			}
		}
	}
	return false
}

// FromContext returns the principal stored by the guard middleware
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p, ok && p != nil
}

// Credential is the request material the guard authorizes
type Credential struct {
	Token     string
	Host      string
	Method    string
	OrgHeader string
	PathVars  map[string]string
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
