// Package identity resolves any of a user's linked email addresses to one
// canonical account.
//
// A user owns one or more LinkedEmails. Addresses are globally unique
// (compared case-insensitively) and exactly one email per user is primary;
// the primary is always verified. Users are never deleted, only archived.
//
// The Resolver is the single entry point for login paths and linked-email
// administration:
//
//	resolver := identity.NewResolver(identity.NewPostgresStore(db), logger)
//	user, err := resolver.Resolve(ctx, "Jane@Example.com")
//	if errors.Is(err, identity.ErrNotFound) {
//		// present as a generic credential failure
//	}
//
// ProvisionFromProvider is the only path that creates a user from an
// external signal. It runs in one transaction and is idempotent per
// provider subject and per address.
package identity
