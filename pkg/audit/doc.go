// Package audit keeps the append-only activity log of the accounts service.
//
// Entries are never updated or deleted. Each one records the action, the
// actor, the subject the action concerned (the actor unless WithSubject is
// given), the actor's effective role label and the client application.
//
//	trail := audit.NewTrail(audit.NewPostgresStore(db), logger)
//	trail.Record(ctx, &adminID, audit.ActionRoleAssign,
//		map[string]interface{}{"role": "client_hr"},
//		audit.WithSubject(userID), audit.WithActorRole("client_admin"))
//
// Query pages newest first with an opaque keyset cursor, so concurrent
// inserts never shift a page. Consolidate folds consecutive repeats of the
// same action for display; stored entries are unaffected.
//
// Archiver periodically exports new entries to S3 as NDJSON and tracks its
// position in the audit_checkpoints table.
package audit
