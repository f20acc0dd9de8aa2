package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/detector"
	"github.com/thomsoren/openar-it2901-ntnu/internal/eventbus"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
	"github.com/thomsoren/openar-it2901-ntnu/internal/mediapublisher"
	"github.com/thomsoren/openar-it2901-ntnu/internal/metrics"
	"github.com/thomsoren/openar-it2901-ntnu/internal/orchestrator"
	"github.com/thomsoren/openar-it2901-ntnu/internal/queue"
)

// Runtime is the isolated per-stream execution unit: it owns a reader
// goroutine and an inference goroutine, supervised by an errgroup so that
// either one exiting stops the other — the "isolated failure domain with a
// single control channel and a single output channel" design note.
// Implements orchestrator.WorkerProcess.
type Runtime struct {
	streamID string
	out      *queue.DropOldest[orchestrator.DetectionPayload]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	alive    bool
	exitCode int

	media *mediapublisher.Publisher
	bus   *eventbus.Bus
	det   detector.Detector

	logger *slog.Logger
}

// RuntimeOptions bundles everything needed to construct a Runtime for one
// stream.
type RuntimeOptions struct {
	Config         orchestrator.StreamConfig
	Source         Source
	Detector       detector.Detector
	Bus            *eventbus.Bus
	Media          *mediapublisher.Publisher
	Clock          clock.Clock
	QueueSize      int
	MaxCatchupSkip int
	Metrics        *metrics.PrometheusRecorder
}

// NewRuntime constructs and starts a Runtime for one stream. The worker
// runs until Stop is called or its own goroutines exit (e.g. non-looping
// local EOF).
func NewRuntime(opts RuntimeOptions) *Runtime {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	sessionID := uuid.New().String()
	rt := &Runtime{
		streamID: opts.Config.StreamID,
		out:      queue.New[orchestrator.DetectionPayload](queueSize),
		ctx:      ctx,
		cancel:   cancel,
		alive:    true,
		media:    opts.Media,
		bus:      opts.Bus,
		det:      opts.Detector,
		logger:   logging.ForService("worker").With("stream_id", opts.Config.StreamID, "session_id", sessionID),
	}

	slot := &latestFrameSlot{}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer rt.onExit()

		g, gctx := errgroup.WithContext(ctx)
		// errgroup cancels gctx only on an error return; stopPipeline also
		// stops the group when the reader or inference returns nil.
		gctx, stopPipeline := context.WithCancel(gctx)
		defer stopPipeline()
		r := newReader(ReaderConfig{
			StreamID:       opts.Config.StreamID,
			Loop:           opts.Config.Loop,
			MaxCatchupSkip: opts.MaxCatchupSkip,
		}, opts.Source, clk, rt.logger, slot, opts.Bus, opts.Media)

		inf := newInference(opts.Config.StreamID, opts.Detector, slot, opts.Bus, rt.out, clk, rt.logger, opts.Metrics, sessionID)

		g.Go(func() error { defer stopPipeline(); return r.run(gctx) })
		g.Go(func() error { defer stopPipeline(); return inf.run(gctx) })
		g.Go(func() error { return watchMediaPublisher(gctx, clk, opts.Media, rt.logger) })

		if err := g.Wait(); err != nil {
			rt.logger.Error("worker exited with error", "error", err)
			rt.mu.Lock()
			rt.exitCode = 1
			rt.mu.Unlock()
		}
	}()

	return rt
}

func (rt *Runtime) onExit() {
	rt.media.Close()
	rt.bus.Close()
	_ = rt.det.Close()
	rt.out.Close() // terminal sentinel traverses detection_out, per spec.md §4.2

	rt.mu.Lock()
	rt.alive = false
	rt.mu.Unlock()
}

// IsAlive implements orchestrator.WorkerProcess.
func (rt *Runtime) IsAlive() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.alive
}

// ExitCode implements orchestrator.WorkerProcess.
func (rt *Runtime) ExitCode() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.exitCode
}

// DetectionOut implements orchestrator.WorkerProcess.
func (rt *Runtime) DetectionOut() *queue.DropOldest[orchestrator.DetectionPayload] {
	return rt.out
}

// Stop implements orchestrator.WorkerProcess: cancels the reader/inference
// context, waits up to gracefulTimeout for both goroutines to exit, and
// gives up after forceTimeout regardless (there is no OS process to
// force-kill for a goroutine-backed worker, so "force" here just means
// stop waiting and report the handle as no longer alive).
func (rt *Runtime) Stop(gracefulTimeout, forceTimeout time.Duration) {
	rt.cancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(gracefulTimeout + forceTimeout):
		rt.mu.Lock()
		rt.alive = false
		rt.mu.Unlock()
	}
}
