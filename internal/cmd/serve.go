package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Studio-Elephant-and-Rope/muster/internal/adapters/storage/memory"
	"github.com/Studio-Elephant-and-Rope/muster/internal/adapters/storage/postgres"
	"github.com/Studio-Elephant-and-Rope/muster/internal/config"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/muster/internal/correlation"
	"github.com/Studio-Elephant-and-Rope/muster/internal/logging"
	"github.com/Studio-Elephant-and-Rope/muster/internal/metrics"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the correlation engine",
	Long: `Run the Muster correlation engine with its background maintenance
scheduler and operational endpoints.

The process exposes:
  • Prometheus metrics at /metrics
  • Health check endpoint at /healthz
  • Graceful shutdown on SIGTERM/SIGINT

Configuration is loaded from:
  1. Environment variables (MUSTER_*)
  2. Configuration file (if specified with --config)
  3. Default values

Examples:
  muster serve                           # Start with default configuration
  muster serve --config muster.yaml     # Start with custom config file
  MUSTER_SERVER_PORT=9191 muster serve  # Override port via environment`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return runServe(configFile)
	},
}

// engineConfig translates the loaded configuration into the engine's own
// config type.
func engineConfig(cfg *config.Config) correlation.Config {
	c := cfg.Correlation
	return correlation.Config{
		Enabled:                    c.Enabled,
		TemporalWindow:             c.TemporalWindow(),
		TemporalBoundaryScore:      c.TemporalBoundaryScore,
		MinCorrelationScore:        c.MinCorrelationScore,
		MaxGroupSize:               c.MaxGroupSize,
		EnableTemporal:             c.EnableTemporal,
		EnablePattern:              c.EnablePattern,
		EnableSource:               c.EnableSource,
		EnableFingerprint:          c.EnableFingerprint,
		EnableTopology:             c.EnableTopology,
		PatternSimilarityThreshold: c.PatternSimilarityThreshold,
		SourceMatchWeight:          c.SourceMatchWeight,
		SourceDecay:                c.SourceDecay(),
		TopologyMaxHops:            c.TopologyMaxHops,
		TopologyDecay:              c.TopologyDecay,
		AutoMergeGroups:            c.AutoMergeGroups,
		MergeThreshold:             c.MergeThreshold,
		CandidateLimit:             c.CandidateLimit,
	}
}

// maintenanceConfig translates the loaded configuration into the scheduler's
// config type.
func maintenanceConfig(cfg *config.Config) correlation.MaintenanceConfig {
	m := cfg.Maintenance
	return correlation.MaintenanceConfig{
		Interval:       m.Interval(),
		StabilizeAfter: m.StabilizeAfter(),
		ArchiveAfter:   m.ArchiveAfter(),
		Retention:      m.Retention(),
	}
}

// buildStore creates the configured incident store. The returned cleanup
// function releases the store's resources.
func buildStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (ports.IncidentStore, func(), error) {
	switch cfg.Storage.Type {
	case "memory":
		logger.Warn("using in-memory incident store, data is lost on restart")
		return memory.NewIncidentStore(), func() {}, nil
	case "postgres":
		store, err := postgres.NewIncidentStore(ctx, postgres.Config{
			DSN:                   cfg.Storage.DSN,
			MaxOpenConnections:    cfg.Storage.MaxOpenConnections,
			ConnectionMaxLifetime: time.Duration(cfg.Storage.ConnectionMaxLifetimeMinutes) * time.Minute,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

// runServe starts the engine, maintenance scheduler and operational HTTP
// endpoints, then blocks until shutdown.
func runServe(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewFromEnvironment()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting Muster correlation engine",
		"version", getVersionString(),
		"commit", getCommitString(),
		"build_date", getBuildDateString(),
		"environment", logger.GetConfig().Environment,
		"config_file", configFile,
		"storage_type", cfg.Storage.Type,
		"correlation_enabled", cfg.Correlation.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create incident store")
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New()
	if err := engineMetrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	engine, err := correlation.NewEngine(engineConfig(cfg), cfg.Dedup.Window(), store, nil, logger, engineMetrics)
	if err != nil {
		logger.WithError(err).Error("Failed to create correlation engine")
		return err
	}

	scheduler, err := correlation.NewScheduler(maintenanceConfig(cfg),
		engine.GroupManager(), store, engine.DedupIndex(), logger, engineMetrics)
	if err != nil {
		logger.WithError(err).Error("Failed to create maintenance scheduler")
		return err
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Operational endpoints listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.WithError(err).Error("Operational endpoint server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down operational endpoints cleanly")
	}

	scheduler.Stop()
	logger.Info("Shutdown completed")
	return nil
}

// init registers the serve command with the root command.
func init() {
	rootCmd.AddCommand(serveCmd)
}
