// Package api exposes the accounts service over HTTP.
//
// Credential endpoints under /auth are public and, for the login, token and
// provider exchange routes, rate limited. Every other route runs behind the
// access guard with a declared policy, so one path accepts both user
// sessions and scoped service tokens:
//
//	server := api.NewServer(api.Dependencies{
//		Identity: resolver,
//		Roles:    engine,
//		Tokens:   tokens,
//		Audit:    trail,
//		Cookies:  cookies,
//		Guard:    g,
//	})
//	http.ListenAndServe(":8080", server)
//
// Errors use the {"error": code, "message": text} shape. Mutations that
// succeed are written to the audit trail with the caller's role label.
package api
