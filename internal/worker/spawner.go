package worker

import (
	"context"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/detector"
	"github.com/thomsoren/openar-it2901-ntnu/internal/eventbus"
	"github.com/thomsoren/openar-it2901-ntnu/internal/mediapublisher"
	"github.com/thomsoren/openar-it2901-ntnu/internal/metrics"
	"github.com/thomsoren/openar-it2901-ntnu/internal/orchestrator"
)

// SpawnerConfig bundles the shared dependencies every spawned Runtime
// needs: a fresh mediapublisher.Publisher and eventbus.Bus per stream
// (each owns its own subprocess/connection), but a single FFmpeg binary
// path, detector factory, and clock shared across streams.
type SpawnerConfig struct {
	FFmpegBinaryPath string
	MediaConfig      mediapublisher.Config
	EventBusConfig   eventbus.Config
	NewDetector      func() (detector.Detector, error)
	Clock            clock.Clock
	QueueSize        int
	MaxCatchupSkip   int
	Metrics          *metrics.PrometheusRecorder
}

// Spawner implements orchestrator.WorkerSpawner, constructing a full
// Runtime (source, detector, media publisher, event bus adapter) for each
// StreamConfig. Grounded on how managerImpl.AddSource wires a concrete
// AudioSource into the manager — generalized here to construct the whole
// dependency graph for one stream rather than accepting a pre-built
// source.
type Spawner struct {
	cfg SpawnerConfig
}

func NewSpawner(cfg SpawnerConfig) *Spawner {
	return &Spawner{cfg: cfg}
}

func (s *Spawner) Spawn(cfg orchestrator.StreamConfig) (orchestrator.WorkerProcess, error) {
	source := NewFFmpegSource(s.cfg.FFmpegBinaryPath, cfg.SourceURL)

	det, err := s.cfg.NewDetector()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(s.cfg.EventBusConfig)
	_ = bus.Connect(context.Background()) // best-effort; Publish swallows failures regardless

	media := mediapublisher.New(s.cfg.MediaConfig, cfg.StreamID, false, cfg.Loop)
	_ = media.Start(context.Background()) // failure permanently disables media for this stream; worker still runs

	rt := NewRuntime(RuntimeOptions{
		Config:         cfg,
		Source:         source,
		Detector:       det,
		Bus:            bus,
		Media:          media,
		Clock:          s.cfg.Clock,
		QueueSize:      s.cfg.QueueSize,
		MaxCatchupSkip: s.cfg.MaxCatchupSkip,
		Metrics:        s.cfg.Metrics,
	})
	return rt, nil
}
