package jobs

import (
	"context"
	"time"

	"github.com/platinummonkey/accounts/pkg/observability"
)

// Sweeper deletes records that expired more than retention ago
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) (int64, error)
}

// Archiver exports new audit entries and reports how many
type Archiver interface {
	Run(ctx context.Context) (int, error)
}

// SweepJob wraps a Sweeper
func SweepJob(name, schedule string, sweeper Sweeper, retention time.Duration, logger *observability.Logger) Job {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return Job{
		Name:     name,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := sweeper.Sweep(ctx, retention)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.WithFields(map[string]interface{}{"job": name, "removed": n}).Info("expired records removed")
			}
			return nil
		},
	}
}

// ArchiveJob wraps the audit archiver
func ArchiveJob(schedule string, archiver Archiver) Job {
	return Job{
		Name:     "audit-archive",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := archiver.Run(ctx)
			return err
		},
	}
}
