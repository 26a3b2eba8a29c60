package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/cloudcached/internal/collector"
	"github.com/marmos91/cloudcached/internal/logger"
	"github.com/marmos91/cloudcached/internal/mountstatus"
	"github.com/marmos91/cloudcached/internal/telemetry"
	"github.com/marmos91/cloudcached/pkg/config"
	"github.com/marmos91/cloudcached/pkg/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Mount the volume and serve until signaled",
	Long: `Mount the logical block device described by the configuration: open
the transactional cache, the object-store frontend, and the three bitmap
stores, replay the write-ahead log if needed, then run the background
collector until SIGINT/SIGTERM.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "cloudcached",
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	if cfg.Telemetry.Profiling.Enabled {
		shutdownProfiling, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
			Enabled:        true,
			ServiceName:    "cloudcached",
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Endpoint:       cfg.Telemetry.Profiling.Endpoint,
			ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
		})
		if err != nil {
			return fmt.Errorf("init profiling: %w", err)
		}
		defer shutdownProfiling()
	}

	status := mountstatus.NewWriter(cfg.Cache.Dir)
	status.Report(mountstatus.StateStarting, nil)

	comps, err := config.Build(ctx, cfg)
	if err != nil {
		status.Report(mountstatus.StateError, err)
		return fmt.Errorf("build components: %w", err)
	}
	comps.Volume.SetStatusReporter(status)
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Errorf("start: close components: %v", err)
			status.Report(mountstatus.StateError, err)
			return
		}
		status.Report(mountstatus.StateStopped, nil)
	}()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("start: metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	coll := collector.New(comps.Catalog, comps.Frontend, config.CDID)
	coll.SetMetrics(metrics.NewCollectorMetrics())

	collectorDone := make(chan error, 1)
	if cfg.Collector.Enabled {
		go func() {
			collectorDone <- coll.Run(ctx, collector.Options{
				BatchSize:    cfg.Collector.BatchSize,
				DryRun:       cfg.Collector.DryRun,
				PollInterval: cfg.Collector.PollInterval,
			})
		}()
	}

	logger.Info("cloudcached mounted", "size", cfg.Volume.Size.String(), "cache_dir", cfg.Cache.Dir, "backend", cfg.Backend.Kind)
	status.Report(mountstatus.StateMounted, nil)

	<-ctx.Done()
	logger.Info("cloudcached: shutdown signal received, checkpointing before exit")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if _, err := comps.Volume.Checkpoint(shutdownCtx, true); err != nil {
		logger.Errorf("start: final checkpoint: %v", err)
	}

	if cfg.Collector.Enabled {
		select {
		case <-collectorDone:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("start: collector did not stop within shutdown timeout")
		}
	}

	return nil
}
