package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/accounts/pkg/observability"
)

// SafeGo executes fn in a goroutine bounded by timeout. Errors and panics
// are logged against taskName.
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger = taskLogger(logger, taskName)
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		if err := run(ctx, fn); err != nil {
			logger.WithError(err).Error("background task failed")
		}
	}()
}

// Every calls fn each interval until ctx is done. A panic in one run is
// logged and the next tick runs normally.
func Every(ctx context.Context, logger *observability.Logger, interval time.Duration, taskName string, fn func(context.Context)) {
	logger = taskLogger(logger, taskName)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := run(ctx, func(ctx context.Context) error {
					fn(ctx)
					return nil
				})
				if err != nil {
					logger.WithError(err).Error("periodic task failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// run calls fn and converts a panic into an error carrying the stack
func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func taskLogger(logger *observability.Logger, taskName string) *observability.Logger {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return logger.WithComponent("async").WithField("task", taskName)
}
