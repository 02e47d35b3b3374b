package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/internal/telemetry"
	"github.com/teivault/teivault/pkg/api"
	"github.com/teivault/teivault/pkg/gc"
	"github.com/teivault/teivault/pkg/metrics"
	"github.com/teivault/teivault/pkg/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the teivault server",
	Long: `Run the REST API server, and when a remote replica is configured,
the periodic background synchronization loop.

Examples:
  # Serve with the default config
  teivault serve

  # Serve with a custom config
  teivault serve --config /etc/teivault/config.yaml

  # Override a setting through the environment
  TEIVAULT_LOGGING_LEVEL=DEBUG teivault serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, closeRt, err := openRuntime(GetConfigFile())
	if err != nil {
		return err
	}
	defer closeRt()
	cfg := rt.cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry and profiling are opt-in.
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "teivault",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "teivault",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	var (
		apiMetrics   *metrics.APIMetrics
		syncMetrics  *metrics.SyncMetrics
		storeMetrics *metrics.StoreMetrics
	)
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		apiMetrics = metrics.NewAPIMetrics()
		syncMetrics = metrics.NewSyncMetrics()
		storeMetrics = metrics.NewStoreMetrics()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics collection disabled")
	}

	server := api.NewServer(cfg.API, api.Deps{
		Vault:          rt.vault,
		Sync:           rt.engine,
		GC:             gc.New(rt.catalog, rt.blobs),
		Bus:            rt.bus,
		SchemaCacheDir: cfg.Data.SchemaCacheDir(),
		TmpDir:         cfg.Data.TmpDir(),
		APIMetrics:     apiMetrics,
		SyncMetrics:    syncMetrics,
		StoreMetrics:   storeMetrics,
	})

	serverDone := make(chan error, 2)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	if cfg.Metrics.Enabled {
		go func() {
			serverDone <- serveMetrics(ctx, cfg.Metrics.Port)
		}()
	}

	if rt.engine != nil {
		logger.Info("remote replica configured", "url", cfg.Remote.URL)
		if cfg.Sync.Auto {
			go autoSyncLoop(ctx, rt.engine, syncMetrics, cfg.Sync.Interval, cfg.Sync.LockWait)
		}
	} else {
		logger.Info("no remote replica configured, sync disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("server is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			return err
		}
		logger.Info("server stopped gracefully")
		return nil
	case err := <-serverDone:
		signal.Stop(sigChan)
		return err
	}
}

// serveMetrics runs the Prometheus endpoint on its own port.
func serveMetrics(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: metricsMux(),
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// autoSyncLoop runs periodic background syncs until ctx is cancelled.
// A failed run is logged and retried at the next tick.
func autoSyncLoop(ctx context.Context, engine *sync.Engine, m *metrics.SyncMetrics, interval, lockWait time.Duration) {
	logger.Info("automatic sync enabled", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			summary, err := engine.Perform(ctx, sync.Options{LockWait: lockWait})
			if err != nil {
				m.ObserveRun(metrics.SyncOutcomeFailed, 0, 0, 0, 0, 0, time.Since(start))
				logger.Warn("background sync failed", logger.Err(err))
				continue
			}
			outcome := metrics.SyncOutcomeCompleted
			if summary.Skipped {
				outcome = metrics.SyncOutcomeSkipped
			}
			m.ObserveRun(outcome, summary.Uploads, summary.Downloads,
				summary.Conflicts, summary.Errors, summary.NewVersion, time.Since(start))
		}
	}
}
