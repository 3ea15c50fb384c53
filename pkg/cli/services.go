package cli

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/accounts/pkg/app"
	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/jobs"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

// Services is what the commands operate on
type Services struct {
	Identity *identity.Resolver
	Roles    *rbac.Engine
	Tokens   *auth.Service
	Jobs     *jobs.Scheduler
	// Migrate applies pending migrations and reports how many ran
	Migrate func(ctx context.Context) (int, error)
	Close   func() error
}

// Opener builds the services for one command invocation
type Opener func(ctx context.Context) (*Services, error)

// FromApp adapts a wired application into command services. Maintenance
// jobs are registered on a scheduler that is never started; the sweep
// command runs them once.
func FromApp(a *app.App) (*Services, error) {
	scheduler := jobs.NewScheduler(a.Logger, 0)
	for _, job := range a.Jobs() {
		if err := scheduler.Add(job); err != nil {
			a.Close()
			return nil, err
		}
	}
	return &Services{
		Identity: a.Identity,
		Roles:    a.Roles,
		Tokens:   a.Tokens,
		Jobs:     scheduler,
		Migrate:  a.Migrate,
		Close:    a.Close,
	}, nil
}

type environment struct {
	open   Opener
	out    io.Writer
	logger *logrus.Logger
}

// with opens the services, runs fn, and closes them
func (e *environment) with(ctx context.Context, fn func(*Services) error) error {
	svc, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if svc.Close == nil {
			return
		}
		if err := svc.Close(); err != nil {
			e.logger.WithError(err).Warn("failed to close connections")
		}
	}()
	return fn(svc)
}
