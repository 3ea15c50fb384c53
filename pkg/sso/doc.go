// Package sso exchanges identity provider assertions for local sessions.
//
// # Overview
//
// A provider ID token is verified for signature, issuer, audience and
// expiry, must carry email_verified, and is then mapped onto a local user by
// identity provisioning: an existing provider link wins, then an existing
// verified email, otherwise a new user with that email as its verified
// primary is created. Provisioning is idempotent, so exchanging the same
// assertion twice yields one user.
//
// Two entry points share that path:
//
//	// assertion posted by a first-party app (shared-cookie deployments)
//	cred, user, err := ex.Exchange(ctx, idToken, audience)
//
//	// authorization-code redirect (host-only deployments)
//	http.Redirect(w, r, ex.AuthCodeURL(state), http.StatusFound)
//	cred, user, err := ex.ExchangeCode(ctx, code, audience)
package sso
