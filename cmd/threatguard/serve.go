package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/api/rest"
	"github.com/davidleathers/threatguard/internal/infrastructure/config"
	"github.com/davidleathers/threatguard/internal/infrastructure/events"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
	"github.com/davidleathers/threatguard/internal/infrastructure/telemetry"
	"github.com/davidleathers/threatguard/internal/metrics"
	"github.com/davidleathers/threatguard/internal/service/classifier"
	"github.com/davidleathers/threatguard/internal/service/defense"
	"github.com/davidleathers/threatguard/internal/service/monitor"
	"github.com/davidleathers/threatguard/internal/service/orchestrator"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the security loops and the ops API",
		Long: `Run the security orchestrator loops and serve the ops API.

Examples:
  # Start with configs/config.yaml and THREATGUARD_ environment overrides
  threatguard serve

  # Start with a specific config
  threatguard serve --config /etc/threatguard/config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SampleRate,
		ExportTimeout:  10 * time.Second,
		BatchTimeout:   5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewRegistry(reg)

	signals, err := store.New(&cfg.Store, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create signal store: %w", err)
	}
	defer signals.Close()

	publisher := newPublisher(cfg.NATS, logger.Logger)
	defer publisher.Close()

	cls := classifier.New(logger.Logger, m)
	if cfg.Classifier.PatternFile != "" {
		if err := cls.LoadFile(cfg.Classifier.PatternFile); err != nil {
			return fmt.Errorf("failed to load patterns: %w", err)
		}
		if cfg.Classifier.WatchFile {
			watcher, err := classifier.NewWatcher(cls, cfg.Classifier.PatternFile, logger.Logger)
			if err != nil {
				return fmt.Errorf("failed to watch patterns: %w", err)
			}
			if err := watcher.Start(ctx); err != nil {
				return fmt.Errorf("failed to watch patterns: %w", err)
			}
			defer watcher.Stop()
		}
	}

	svc, err := orchestrator.New(cfg.Orchestrator, orchestrator.Dependencies{
		Store:      signals,
		Classifier: cls,
		Monitor:    monitor.New(signals, cls, cfg.Monitor, logger.Logger, m, monitor.WithPublisher(publisher)),
		Defense:    defense.NewEngine(signals, cfg.Defense, logger.Logger, m),
		Logger:     logger.Logger,
		Metrics:    m,
		Levels:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	logger.Info("starting threatguard",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.String("store", cfg.Store.Driver),
		zap.Int("port", cfg.Server.Port))

	router := rest.NewRouter(svc, rest.Config{Logger: logger.Logger, Gatherer: reg})
	if err := rest.NewServer(cfg.Server, router, logger.Logger).Run(ctx); err != nil {
		return err
	}

	logger.Info("shutting down gracefully")
	return nil
}

// newPublisher connects to NATS when configured; alerts are still stored without it
func newPublisher(cfg config.NATSConfig, logger *zap.Logger) events.AlertPublisher {
	if cfg.URL == "" {
		return events.NoopPublisher{}
	}
	p, err := events.NewNATSAlertPublisher(cfg.URL, cfg.AlertSubject, logger)
	if err != nil {
		logger.Warn("alert publishing disabled", zap.Error(err))
		return events.NoopPublisher{}
	}
	return p
}
