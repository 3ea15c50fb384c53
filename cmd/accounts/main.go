package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/accounts/pkg/app"
	"github.com/platinummonkey/accounts/pkg/config"
	"github.com/platinummonkey/accounts/pkg/jobs"
	"github.com/platinummonkey/accounts/pkg/observability"
)

func main() {
	migrate := flag.Bool("migrate", true, "Apply pending schema migrations before serving")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithComponent("accounts")

	if err := run(cfg, logger, *migrate); err != nil {
		logger.WithError(err).Error("accounts exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, migrate bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing(), logger)
	if err != nil {
		return err
	}

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if migrate {
		applied, err := a.Migrate(ctx)
		if err != nil {
			a.Close()
			return err
		}
		logger.WithField("applied", applied).Info("Schema migrations complete")
	}

	scheduler := jobs.NewScheduler(logger, 0)
	for _, job := range a.Jobs() {
		if err := scheduler.Add(job); err != nil {
			a.Close()
			return err
		}
	}
	scheduler.Start()

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(a.Server(a.RateLimiter(ctx)), "accounts"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(a.DB, a.Redis)
	ops := mux.NewRouter()
	ops.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
	ops.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	if cfg.Observability.MetricsEnabled {
		ops.Handle("/metrics", observability.Handler(a.Registry)).Methods(http.MethodGet)
	}
	opsServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     ops,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.AddServer(apiServer)
	shutdown.AddServer(opsServer)
	shutdown.Register("scheduler", scheduler.Stop)
	shutdown.Register("tracing", shutdownTracing)

	g, gctx := errgroup.WithContext(ctx)
	serve := func(srv *http.Server, name string) func() error {
		return func() error {
			logger.WithField("addr", srv.Addr).Infof("Starting %s server", name)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}
	g.Go(serve(apiServer, "API"))
	g.Go(serve(opsServer, "health"))
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		err := shutdown.Shutdown(context.Background())
		return errors.Join(err, a.Close())
	})

	return g.Wait()
}
