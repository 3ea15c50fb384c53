// Package async runs background work with panic recovery and logging.
//
// # Key Functions
//
// SafeGo: Run one task in a goroutine with a timeout
//
//	async.SafeGo(ctx, logger, 5*time.Second, "revoke sessions", func(ctx context.Context) error {
//		return store.RevokeAllForUser(ctx, userID)
//	})
//
// Every: Run a task on an interval until the context is done
//
//	async.Every(ctx, logger, time.Minute, "rate limit cleanup", func(ctx context.Context) {
//		limiter.Cleanup()
//	})
//
// A panic inside a task is logged with its stack and never crashes the
// process. For Every, the loop keeps ticking after a panicked run.
package async
