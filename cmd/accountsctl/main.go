package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/accounts/pkg/app"
	"github.com/platinummonkey/accounts/pkg/cli"
	"github.com/platinummonkey/accounts/pkg/config"
	"github.com/platinummonkey/accounts/pkg/observability"
)

func main() {
	logger := setupLogger(os.Getenv("ACCOUNTSCTL_LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open := func(ctx context.Context) (*cli.Services, error) {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, err
		}
		// service internals stay quiet unless they fail
		a, err := app.Open(ctx, cfg, observability.NewLogger(observability.WarnLevel, os.Stderr))
		if err != nil {
			return nil, err
		}
		return cli.FromApp(a)
	}

	root := cli.NewRootCommand(open, os.Stdout, logger)
	if err := root.Execute(ctx, os.Args[1:], os.Stdout); err != nil {
		logger.WithError(err).Error("Command failed")
		stop()
		os.Exit(1)
	}
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
