package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/livinlefevreloca/schoolsync/internal/api"
	"github.com/livinlefevreloca/schoolsync/internal/config"
	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/dispatch"
	"github.com/livinlefevreloca/schoolsync/internal/executor"
	"github.com/livinlefevreloca/schoolsync/internal/logging"
	"github.com/livinlefevreloca/schoolsync/internal/metrics"
	"github.com/livinlefevreloca/schoolsync/internal/nodes"
	"github.com/livinlefevreloca/schoolsync/internal/scheduler"
	"github.com/livinlefevreloca/schoolsync/tools/migrator"
)

const (
	nodeDirectoryTimeout = 30 * time.Second
	drainTimeout         = 2 * time.Minute
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, executor and HTTP API",
		Long: `Run the scheduler, executor and HTTP API until interrupted.

Runs left unfinished by a previous process are resumed on start. On SIGINT or
SIGTERM the API stops accepting requests, no new schools are dispatched and
in-flight schools are given time to finish.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer zap.ReplaceGlobals(logger)()

	logger.Info("starting schoolsync", zap.String("version", version), zap.String("commit", commit))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database connection with pool settings
	logger.Info("connecting to database", zap.String("driver", cfg.Database.Driver))
	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s database", cfg.Database.Driver)
	}
	defer database.Close()

	if !cfg.Database.SkipMigrations {
		if err := database.Migrate(ctx); err != nil {
			return errors.Wrap(err, "failed to run migrations")
		}
		schemaVersion, err := migrator.GetCurrentVersion(ctx, database.DB)
		if err != nil {
			return errors.Wrap(err, "failed to get schema version")
		}
		logger.Info("database schema ready", zap.Int("version", schemaVersion))
	} else {
		logger.Info("skipping migrations", zap.String("reason", "configured to skip"))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
		metricsServer := metrics.NewServer(cfg.Metrics, m, logger)
		metricsServer.Start()
		defer func() {
			if err := metricsServer.Stop(context.Background()); err != nil {
				logger.Warn("metrics shutdown", zap.Error(err))
			}
		}()
	}

	resolver, err := nodes.NewResolver(cfg.Nodes, &http.Client{Timeout: nodeDirectoryTimeout})
	if err != nil {
		return errors.Wrap(err, "failed to build node resolver")
	}

	// per-call deadlines come from executor.endpoint_timeout
	gateway, err := connector.NewHTTPGateway(cfg.Connectors, &http.Client{}, logger)
	if err != nil {
		return errors.Wrap(err, "failed to build connector gateway")
	}

	coord := executor.NewCoordinator(database)
	exec := executor.New(database, gateway, coord, cfg.Executor, logger, m)

	// Runs outlive the signal context so that Shutdown controls the drain.
	exec.Start(context.WithoutCancel(ctx))
	recovered, err := exec.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to recover unfinished runs")
	}
	if recovered > 0 {
		logger.Info("resumed unfinished runs", zap.Int("count", recovered))
	}

	dispatcher := dispatch.New(database, resolver, exec, logger, m)

	sched, err := scheduler.New(cfg.Scheduler, database, dispatcher, logger, m)
	if err != nil {
		return errors.Wrap(err, "failed to build scheduler")
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	router := api.NewRouter(cfg.HTTP, api.Deps{
		Store:     database,
		Trigger:   dispatcher,
		Canceller: coord,
		Resolver:  resolver,
		Logger:    logger,
		Metrics:   m,
	})
	server := api.NewServer(cfg.HTTP, router, logger)
	serverErr := server.Start()

	logger.Info("schoolsync is running",
		zap.String("http_address", cfg.HTTP.Address),
		zap.String("timezone", cfg.Scheduler.Timezone),
		zap.Int("concurrency", cfg.Executor.Concurrency))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = err
			logger.Error("api server failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	<-schedDone
	if err := exec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executor did not drain; unfinished runs resume on next start", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}
