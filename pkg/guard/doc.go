// Package guard authorizes HTTP requests against per-endpoint policies.
//
// Every protected route declares a Policy. The guard runs a fixed chain of
// checks for each request:
//
//	Authenticate   verify the bearer token (header or session cookie)
//	               against the audience of the request host
//	ResolveScope   service tokens: read-only and exact scope match;
//	               users: settle the organization context
//	ResolveRole    users: load current role assignments and match the
//	               policy's roles, permission or self parameter
//
// Roles are always read fresh, so a grant or revocation applies to the next
// request without a new token. Denials are written to the audit trail and
// rendered in the uniform error shape with a stable code.
//
// Responses to service principals pass through a sanitizer that strips
// secret-bearing keys from JSON bodies.
//
//	r.Handle("/users/{id}", g.Chain(guard.Policy{
//		RequiredScope:      "read:users",
//		RequiredPermission: rbac.PermUsersRead,
//		SelfParam:          "id",
//	})(handler)).Methods(http.MethodGet)
package guard
