package orchestrator

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/thomsoren/openar-it2901-ntnu/internal/config"
	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
	"github.com/thomsoren/openar-it2901-ntnu/internal/metrics"
)

// RunCommand starts the orchestrator, its watchdog, and (if configured) the
// Prometheus metrics HTTP endpoint, and blocks until SIGINT/SIGTERM.
func RunCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
}

func run(cfg *config.Config) error {
	logger := logging.ForService("orchestrator")

	notifier, err := newNotifier(cfg.Notify)
	if err != nil {
		return errors.New(err).Component("orchestrator").
			Category(errors.CategorySystem).Build()
	}

	reg := prometheus.NewRegistry()
	orch, rec := buildOrchestrator(cfg, reg, notifier)

	orch.StartWatchdog()
	defer orch.StopWatchdog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sampler := metrics.NewHostSampler(rec, 0, logger)
	go sampler.Run(ctx)

	var srv *http.Server
	if cfg.Telemetry.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Telemetry.MetricsListen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped unexpectedly", "error", err)
			}
		}()
		logger.Info("metrics endpoint listening", "addr", cfg.Telemetry.MetricsListen)
	}

	logger.Info("orchestrator started", "max_workers", cfg.Orchestrator.MaxWorkers)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")

	orch.Shutdown()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}

	return nil
}
