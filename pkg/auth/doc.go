// Package auth mints and validates the credentials used by humans and
// machine clients.
//
// # Overview
//
// Every credential is an HS256 access JWT. The kind claim separates the two
// principal types:
//
//	kind=user     subject is the user id; carries the organization binding
//	              and a snapshot of effective role names
//	kind=service  subject is the client id; carries read scopes, never roles
//
// Role snapshots are informational. Authorization decisions re-read roles
// through the rbac engine, so a revoked role stops working before the token
// that mentions it expires.
//
// # Sessions
//
// IssueSession pairs the access token with a refresh token of the form
// "<ulid>.<secret>". Only the SHA256 of the secret is stored and it is
// compared in constant time. Refresh rotates: the presented token is revoked
// and replaced, roles are derived again, and inactive users are refused.
// Presenting an already rotated token again is treated as theft and revokes
// every refresh token of that user.
//
//	cred, err := svc.LoginWithPassword(ctx, "ada@example.com", password, "example.com")
//	next, err := svc.Refresh(ctx, cred.RefreshToken, "example.com")
//
// # Service clients
//
// Service credentials are created once with CreateServiceCredential, which
// returns a secret prefixed with "acs_". Only read:<resource> scopes are
// issuable. IssueServiceToken is all-or-nothing: requesting any scope
// outside the client's allow-list fails the whole request.
//
// # Validation
//
// Validate checks algorithm, signature, issuer, expiry and audience, and
// maps failures onto ErrMalformed, ErrExpired and ErrAudienceMismatch.
package auth
