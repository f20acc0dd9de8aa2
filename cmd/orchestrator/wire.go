package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/config"
	"github.com/thomsoren/openar-it2901-ntnu/internal/detector"
	"github.com/thomsoren/openar-it2901-ntnu/internal/eventbus"
	"github.com/thomsoren/openar-it2901-ntnu/internal/mediapublisher"
	"github.com/thomsoren/openar-it2901-ntnu/internal/metrics"
	"github.com/thomsoren/openar-it2901-ntnu/internal/notify"
	"github.com/thomsoren/openar-it2901-ntnu/internal/orchestrator"
	"github.com/thomsoren/openar-it2901-ntnu/internal/worker"
)

func newDetectorFactory(cfg config.DetectorConfig) func() (detector.Detector, error) {
	return func() (detector.Detector, error) {
		if cfg.Backend == "noop" {
			return detector.Noop{}, nil
		}
		return detector.NewTFLiteDetector(detector.TFLiteConfig{
			ModelPath:      cfg.ModelPath,
			Threads:        cfg.Threads,
			ScoreThreshold: cfg.ScoreThreshold,
		})
	}
}

func newNotifier(cfg config.NotifyConfig) (*notify.Notifier, error) {
	if cfg.Enabled && cfg.ShoutrrrURL != "" {
		return notify.New(notify.Config{Enabled: true, URLs: []string{cfg.ShoutrrrURL}})
	}
	return notify.New(notify.Config{})
}

// buildOrchestrator wires a Spawner and Orchestrator from cfg, the way both
// the "run" and "streams" subcommands need: same media publisher, event bus,
// detector and notify wiring, only the lifetime differs (run keeps it alive
// under the watchdog until a signal; streams does one bootstrap pass).
func buildOrchestrator(cfg *config.Config, reg *prometheus.Registry, notifier *notify.Notifier) (*orchestrator.Orchestrator, *metrics.PrometheusRecorder) {
	rec := metrics.NewPrometheusRecorder(reg)

	spawner := worker.NewSpawner(worker.SpawnerConfig{
		FFmpegBinaryPath: cfg.MediaPublisher.BinaryPath,
		MediaConfig: mediapublisher.Config{
			BinaryPath:      cfg.MediaPublisher.BinaryPath,
			SinkBaseURL:     cfg.MediaPublisher.SinkBaseURL,
			CodecPreference: cfg.MediaPublisher.CodecPreference,
			RestartBackoff:  cfg.MediaPublisher.RestartBackoff,
			OnDisabled: func(streamID string, cause error) {
				notifier.MediaDisabled(streamID, cause.Error())
			},
		},
		EventBusConfig: eventbus.Config{
			Broker:         cfg.EventBus.Broker,
			ClientID:       cfg.EventBus.ClientID,
			Username:       cfg.EventBus.Username,
			Password:       cfg.EventBus.Password,
			TopicPrefix:    cfg.EventBus.TopicPrefix,
			ConnectTimeout: cfg.EventBus.ConnectTimeout,
		},
		NewDetector:    newDetectorFactory(cfg.Detector),
		Clock:          clock.Real{},
		QueueSize:      cfg.Orchestrator.DetectionQueueSize,
		MaxCatchupSkip: cfg.Orchestrator.MaxCatchupSkip,
		Metrics:        rec,
	})

	orch := orchestrator.New(spawner, orchestrator.Options{
		MaxWorkers:               cfg.Orchestrator.MaxWorkers,
		InitialBackoff:           cfg.Orchestrator.InitialBackoff,
		MaxBackoff:               cfg.Orchestrator.MaxBackoff,
		IdleTimeout:              cfg.Orchestrator.IdleTimeout,
		NoViewerTimeout:          cfg.Orchestrator.NoViewerTimeout,
		WatchdogPeriod:           cfg.Orchestrator.WatchdogPeriod,
		ProtectedStreams:         cfg.ProtectedSet(),
		SnapshotCacheTTL:         cfg.Orchestrator.SnapshotCacheTTL,
		OnRestartBudgetExhausted: notifier.RestartBudgetExhaustedHandler(),
		Clock:                    clock.Real{},
		Metrics:                  rec,
	})

	return orch, rec
}
