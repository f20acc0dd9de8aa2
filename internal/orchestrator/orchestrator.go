package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	cachelib "github.com/patrickmn/go-cache"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
	"github.com/thomsoren/openar-it2901-ntnu/internal/metrics"
)

// Options configures an Orchestrator. New replaces zero values with
// defaults, except IdleTimeout and NoViewerTimeout: a zero value there is
// kept and disables that timeout.
type Options struct {
	MaxWorkers       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	IdleTimeout      time.Duration
	NoViewerTimeout  time.Duration
	WatchdogPeriod   time.Duration
	ProtectedStreams map[string]struct{}
	SnapshotCacheTTL time.Duration

	// OnRestartBudgetExhausted, if set, is invoked (outside the lock) when a
	// failed watchdog restart spawn raises a stream's backoff from below
	// MaxBackoff to MaxBackoff. It is not invoked again while the backoff
	// stays at MaxBackoff, nor when successful restarts are what doubled the
	// backoff to MaxBackoff. Wired to internal/notify by the CLI entrypoint;
	// nil is a valid no-op.
	OnRestartBudgetExhausted func(streamID string, restartCount int)

	Clock clock.Clock

	// Metrics, if set, receives active-worker/restart/queue-drop/watchdog-
	// tick-duration updates. Nil is valid: every call site guards against it.
	Metrics *metrics.PrometheusRecorder
}

// Orchestrator is the authoritative registry of streams: it enforces
// capacity, uniqueness, and viewer counts, and supervises worker liveness
// via a watchdog loop. Grounded on internal/audiocore.managerImpl, with the
// registry mutex generalized to also guard WorkerHandle's mutable fields
// (the teacher's AudioSource has no analogous mutable supervisory state).
type Orchestrator struct {
	mu       sync.Mutex
	reg      *registry
	spawner  WorkerSpawner
	opts     Options
	clk      clock.Clock
	logger   *slog.Logger

	cache *cachelib.Cache

	watchdogStop   chan struct{}
	watchdogDone   chan struct{}
	watchdogOnce   sync.Once
	shutdownOnce   sync.Once
}

// New constructs an Orchestrator. The watchdog is not started; call
// StartWatchdog explicitly (mirrors managerImpl.Start being distinct from
// NewAudioManager).
func New(spawner WorkerSpawner, opts Options) *Orchestrator {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 16
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.WatchdogPeriod <= 0 {
		opts.WatchdogPeriod = 2 * time.Second
	}
	if opts.ProtectedStreams == nil {
		opts.ProtectedStreams = map[string]struct{}{}
	}
	if opts.SnapshotCacheTTL <= 0 {
		opts.SnapshotCacheTTL = 250 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	logger := logging.ForService("orchestrator")

	return &Orchestrator{
		reg:     newRegistry(),
		spawner: spawner,
		opts:    opts,
		clk:     opts.Clock,
		logger:  logger,
		cache:   cachelib.New(opts.SnapshotCacheTTL, 2*opts.SnapshotCacheTTL),
	}
}

// StartStream registers cfg and spawns a worker for it. Fails with
// ErrAlreadyRunning if a handle already exists, or ErrCapacityExceeded if
// max_workers is already reached. The spawn itself happens outside the
// lock, per spec: "operations that spawn a worker must not hold the lock
// during the spawn itself".
func (o *Orchestrator) StartStream(cfg StreamConfig) (HandleSnapshot, error) {
	o.mu.Lock()
	if _, exists := o.reg.handles[cfg.StreamID]; exists {
		o.mu.Unlock()
		return HandleSnapshot{}, errors.New(ErrAlreadyRunning).
			Component("orchestrator").Category(errors.CategoryConflict).
			Context("stream_id", cfg.StreamID).Build()
	}
	if len(o.reg.handles) >= o.opts.MaxWorkers {
		o.mu.Unlock()
		return HandleSnapshot{}, errors.New(ErrCapacityExceeded).
			Component("orchestrator").Category(errors.CategoryLimit).
			Context("stream_id", cfg.StreamID).
			Context("max_workers", o.opts.MaxWorkers).Build()
	}
	o.mu.Unlock()

	proc, err := o.spawner.Spawn(cfg)
	if err != nil {
		o.logger.Error("worker spawn failed", "stream_id", cfg.StreamID, "error", err)
		return HandleSnapshot{}, errors.New(err).
			Component("orchestrator").Category(errors.CategorySystem).
			Context("stream_id", cfg.StreamID).
			Context("operation", "spawn").Build()
	}

	now := o.clk.Now()
	h := &WorkerHandle{
		Config:         cfg,
		process:        proc,
		startedAt:      now,
		lastHeartbeat:  now,
		backoffSeconds: o.opts.InitialBackoff.Seconds(),
		noViewerSince:  now,
	}

	o.mu.Lock()
	if _, exists := o.reg.handles[cfg.StreamID]; exists {
		o.mu.Unlock()
		proc.Stop(5*time.Second, time.Second)
		return HandleSnapshot{}, errors.New(ErrAlreadyRunning).
			Component("orchestrator").Category(errors.CategoryConflict).
			Context("stream_id", cfg.StreamID).Build()
	}
	if len(o.reg.handles) >= o.opts.MaxWorkers {
		// Concurrent starts filled the registry while this spawn ran.
		o.mu.Unlock()
		proc.Stop(5*time.Second, time.Second)
		return HandleSnapshot{}, errors.New(ErrCapacityExceeded).
			Component("orchestrator").Category(errors.CategoryLimit).
			Context("stream_id", cfg.StreamID).
			Context("max_workers", o.opts.MaxWorkers).Build()
	}
	o.reg.configs[cfg.StreamID] = cfg
	o.reg.handles[cfg.StreamID] = h
	snap := snapshot(h)
	activeCount := len(o.reg.handles)
	o.mu.Unlock()

	o.invalidateCache()
	o.reportActiveWorkers(activeCount)
	o.logger.Info("stream started", "stream_id", cfg.StreamID)
	return snap, nil
}

func (o *Orchestrator) reportActiveWorkers(n int) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.SetActiveWorkers(n)
	}
}

// StopStream terminates the worker for streamID and removes its handle.
// If removeConfig, the config is also dropped; otherwise it survives for a
// later hot-restart via AcquireStreamViewer.
func (o *Orchestrator) StopStream(streamID string, removeConfig bool) error {
	o.mu.Lock()
	h, exists := o.reg.handles[streamID]
	if !exists {
		o.mu.Unlock()
		return errors.New(ErrNotFound).
			Component("orchestrator").Category(errors.CategoryNotFound).
			Context("stream_id", streamID).Build()
	}
	delete(o.reg.handles, streamID)
	if removeConfig {
		delete(o.reg.configs, streamID)
	}
	activeCount := len(o.reg.handles)
	o.mu.Unlock()

	h.process.Stop(5*time.Second, time.Second)
	o.invalidateCache()
	o.reportActiveWorkers(activeCount)
	o.logger.Info("stream stopped", "stream_id", streamID, "remove_config", removeConfig)
	return nil
}

// GetStream returns a snapshot of the current handle for streamID.
func (o *Orchestrator) GetStream(streamID string) (HandleSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, exists := o.reg.handles[streamID]
	if !exists {
		return HandleSnapshot{}, errors.New(ErrNotFound).
			Component("orchestrator").Category(errors.CategoryNotFound).
			Context("stream_id", streamID).Build()
	}
	return snapshot(h), nil
}

const snapshotCacheKey = "list_streams"

// ListStreams returns a snapshot of every registered handle. Reads are
// served from a short-TTL cache (github.com/patrickmn/go-cache) since
// list_streams is expected to be polled frequently by the API layer and a
// few hundred milliseconds of staleness is an acceptable tradeoff for not
// contending the registry lock on every poll.
func (o *Orchestrator) ListStreams() []HandleSnapshot {
	if cached, ok := o.cache.Get(snapshotCacheKey); ok {
		return cached.([]HandleSnapshot)
	}
	o.mu.Lock()
	out := o.reg.snapshotAll()
	o.mu.Unlock()
	o.cache.SetDefault(snapshotCacheKey, out)
	return out
}

func (o *Orchestrator) invalidateCache() {
	o.cache.Delete(snapshotCacheKey)
}

// AcquireStreamViewer increments the viewer count for an already-running
// stream, or hot-restarts a worker if only its config survives (the stream
// was previously idled out for lack of viewers). Fails with ErrNotFound if
// neither a handle nor a config exists, or ErrCapacityExceeded if a
// hot-restart would exceed max_workers.
func (o *Orchestrator) AcquireStreamViewer(streamID string) (HandleSnapshot, error) {
	o.mu.Lock()
	if h, exists := o.reg.handles[streamID]; exists {
		h.viewerCount++
		h.noViewerSince = time.Time{}
		h.lastHeartbeat = o.clk.Now()
		snap := snapshot(h)
		o.mu.Unlock()
		return snap, nil
	}
	cfg, hasConfig := o.reg.configs[streamID]
	if !hasConfig {
		o.mu.Unlock()
		return HandleSnapshot{}, errors.New(ErrNotFound).
			Component("orchestrator").Category(errors.CategoryNotFound).
			Context("stream_id", streamID).Build()
	}
	if len(o.reg.handles) >= o.opts.MaxWorkers {
		o.mu.Unlock()
		return HandleSnapshot{}, errors.New(ErrCapacityExceeded).
			Component("orchestrator").Category(errors.CategoryLimit).
			Context("stream_id", streamID).Build()
	}
	o.mu.Unlock()

	proc, err := o.spawner.Spawn(cfg)
	if err != nil {
		return HandleSnapshot{}, errors.New(err).
			Component("orchestrator").Category(errors.CategorySystem).
			Context("stream_id", streamID).
			Context("operation", "hot-restart-spawn").Build()
	}

	now := o.clk.Now()
	h := &WorkerHandle{
		Config:         cfg,
		process:        proc,
		startedAt:      now,
		lastHeartbeat:  now,
		backoffSeconds: o.opts.InitialBackoff.Seconds(),
		viewerCount:    1,
	}

	o.mu.Lock()
	if existing, exists := o.reg.handles[streamID]; exists {
		// Lost the race to a concurrent AcquireStreamViewer/StartStream;
		// acquire-wins policy (see DESIGN.md) means the survivor is
		// whichever insertion happened first, not this one.
		existing.viewerCount++
		existing.noViewerSince = time.Time{}
		snap := snapshot(existing)
		o.mu.Unlock()
		proc.Stop(5*time.Second, time.Second)
		return snap, nil
	}
	if len(o.reg.handles) >= o.opts.MaxWorkers {
		o.mu.Unlock()
		proc.Stop(5*time.Second, time.Second)
		return HandleSnapshot{}, errors.New(ErrCapacityExceeded).
			Component("orchestrator").Category(errors.CategoryLimit).
			Context("stream_id", streamID).Build()
	}
	o.reg.handles[streamID] = h
	snap := snapshot(h)
	activeCount := len(o.reg.handles)
	o.mu.Unlock()

	o.invalidateCache()
	o.reportActiveWorkers(activeCount)
	o.logger.Info("stream hot-restarted for viewer", "stream_id", streamID)
	return snap, nil
}

// ReleaseStreamViewer decrements the viewer count for streamID, flooring at
// zero. A transition to zero stamps no_viewer_since with the current time.
// Never fails, including on an unknown stream id.
func (o *Orchestrator) ReleaseStreamViewer(streamID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, exists := o.reg.handles[streamID]
	if !exists {
		return
	}
	if h.viewerCount > 0 {
		h.viewerCount--
	}
	if h.viewerCount == 0 && h.noViewerSince.IsZero() {
		h.noViewerSince = o.clk.Now()
	}
}

// TouchStream refreshes last_heartbeat for streamID. No-op on unknown id.
func (o *Orchestrator) TouchStream(streamID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, exists := o.reg.handles[streamID]; exists {
		h.lastHeartbeat = o.clk.Now()
	}
}

// Shutdown stops the watchdog (if running) then terminates every worker.
// Safe to call more than once.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.StopWatchdog()

		o.mu.Lock()
		handles := make([]*WorkerHandle, 0, len(o.reg.handles))
		for id, h := range o.reg.handles {
			handles = append(handles, h)
			delete(o.reg.handles, id)
		}
		o.mu.Unlock()

		var wg sync.WaitGroup
		for _, h := range handles {
			wg.Add(1)
			go func(h *WorkerHandle) {
				defer wg.Done()
				h.process.Stop(5*time.Second, time.Second)
			}(h)
		}
		wg.Wait()
		o.invalidateCache()
		o.reportActiveWorkers(0)
		o.logger.Info("orchestrator shut down")
	})
}
