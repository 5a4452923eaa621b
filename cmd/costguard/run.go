package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mercator-hq/costguard/pkg/cli"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/controlplane"
	"mercator-hq/costguard/pkg/server"
	"mercator-hq/costguard/pkg/telemetry/logging"
	"mercator-hq/costguard/pkg/telemetry/tracing"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
	watch         bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the costguard service",
	Long: `Start the costguard control plane and its HTTP API.

The service ingests usage records, keeps budgets and circuits up to date
and answers guard checks until it receives SIGINT or SIGTERM. SIGHUP
reloads the configuration file.

Examples:
  # Start with default config
  costguard run

  # Start with custom config
  costguard run --config /etc/costguard/costguard.yaml

  # Override listen address
  costguard run --listen 0.0.0.0:8080

  # Reload the configuration whenever the file changes
  costguard run --watch

  # Validate config without starting the service
  costguard run --dry-run`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the service")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", false, "reload the config file when it changes")
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return cli.WrapConfigError(cfgFile, err)
	}

	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Telemetry.Logging.Level,
		Format:      cfg.Telemetry.Logging.Format,
		AddSource:   cfg.Telemetry.Logging.AddSource,
		Development: cfg.Telemetry.Logging.Development,
		Redact:      true,
	})
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	tracer, err := tracing.New(ctx, &cfg.Telemetry.Tracing,
		tracing.WithGlobal(),
		tracing.WithServiceVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	cp, err := controlplane.New(ctx, cfg,
		controlplane.WithLogger(logger),
		controlplane.WithTracerProvider(tracer.Provider()))
	if err != nil {
		shutdownTracer(tracer, logger)
		return fmt.Errorf("failed to build control plane: %w", err)
	}
	if err := cp.Start(ctx); err != nil {
		shutdownTracer(tracer, logger)
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	srv := server.New(&cfg.Server, cp,
		server.WithLogger(logger),
		server.WithTracer(tracer),
		server.WithHealth(cp.Health()),
		server.WithMetricsHandler(cp.Metrics().Handler()),
		server.WithVersion(versionInfo()),
		server.WithIngestLimit(cfg.Ingest.RateLimit, cfg.Ingest.Burst))

	store := config.NewStore(cfg)
	unsubscribe := store.Subscribe(func(next *config.Config) {
		_ = cp.Apply(next)
		srv.SetIngestLimit(next.Ingest.RateLimit, next.Ingest.Burst)
	})
	defer unsubscribe()

	logger.Info("costguard starting",
		zap.String("version", Version),
		zap.String("config", cfgFile),
		zap.String("listen_address", cfg.Server.ListenAddress),
		zap.Int("budgets", len(cfg.Guard.Budgets)),
		zap.Bool("tracing", tracer.Enabled()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		reloadOnSignal(gctx, store, logger)
		return nil
	})
	if runFlags.watch {
		watcher, err := config.NewWatcher(cfgFile, store,
			config.WithWatcherLogger(logger),
			config.OnReloadError(func(err error) {
				logger.Error("config reload failed", zap.Error(err))
			}))
		if err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			defer watcher.Stop() //nolint:errcheck
			g.Go(func() error {
				return watcher.Run(gctx)
			})
		}
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	logger.Info("costguard shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := cp.Shutdown(shutdownCtx); err != nil {
		logger.Error("control plane shutdown failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	shutdownTracer(tracer, logger)

	if runErr != nil {
		return cli.NewCommandError("run", runErr)
	}
	logger.Info("costguard stopped")
	return nil
}

// reloadOnSignal reloads the config file on every SIGHUP until ctx is done.
func reloadOnSignal(ctx context.Context, store *config.Store, logger *zap.Logger) {
	sig, stop := cli.ReloadSignal()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := store.Reload(cfgFile); err != nil {
				logger.Error("config reload failed", zap.String("config", cfgFile), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("config", cfgFile))
		}
	}
}

func shutdownTracer(t *tracing.Tracer, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
}
