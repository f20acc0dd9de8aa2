package orchestrator

import (
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/metrics"
	"github.com/thomsoren/openar-it2901-ntnu/internal/queue"
)

// fakeProcess is a minimal WorkerProcess for orchestrator tests.
type fakeProcess struct {
	mu      sync.Mutex
	alive   bool
	stopped int
	out     *queue.DropOldest[DetectionPayload]
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{alive: true, out: queue.New[DetectionPayload](4)}
}

func (p *fakeProcess) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) Stop(time.Duration, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	p.stopped++
}

func (p *fakeProcess) ExitCode() int { return 0 }

func (p *fakeProcess) DetectionOut() *queue.DropOldest[DetectionPayload] { return p.out }

func (p *fakeProcess) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *fakeProcess) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
}

// fakeSpawner spawns fakeProcess instances, optionally failing the next N
// spawns to exercise watchdog backoff-on-failure, or blocking the next
// spawn for a given stream id to exercise the watchdog's identity-abandon
// race against a concurrent registry mutation.
type fakeSpawner struct {
	mu         sync.Mutex
	processes  map[string]*fakeProcess
	history    map[string][]*fakeProcess
	failNext   int32
	spawnCount int32
	blockNext  map[string]chan struct{}
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{processes: make(map[string]*fakeProcess), history: make(map[string][]*fakeProcess)}
}

func (s *fakeSpawner) Spawn(cfg StreamConfig) (WorkerProcess, error) {
	atomic.AddInt32(&s.spawnCount, 1)

	s.mu.Lock()
	ch := s.blockNext[cfg.StreamID]
	delete(s.blockNext, cfg.StreamID)
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}

	if atomic.LoadInt32(&s.failNext) > 0 {
		atomic.AddInt32(&s.failNext, -1)
		return nil, assertErr
	}
	p := newFakeProcess()
	s.mu.Lock()
	s.processes[cfg.StreamID] = p
	s.history[cfg.StreamID] = append(s.history[cfg.StreamID], p)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) process(streamID string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[streamID]
}

// spawnHistory returns every fakeProcess ever produced for streamID, in
// spawn order, so a test can tell the stale spawn from a race apart from
// the one that actually ended up registered.
func (s *fakeSpawner) spawnHistory(streamID string) []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fakeProcess, len(s.history[streamID]))
	copy(out, s.history[streamID])
	return out
}

// blockNextSpawn makes the next Spawn call for streamID block until the
// returned release func is called. Only the very next call blocks;
// subsequent calls proceed immediately.
func (s *fakeSpawner) blockNextSpawn(streamID string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	if s.blockNext == nil {
		s.blockNext = make(map[string]chan struct{})
	}
	s.blockNext[streamID] = ch
	s.mu.Unlock()
	return func() { close(ch) }
}

var assertErr = &spawnErr{}

type spawnErr struct{}

func (*spawnErr) Error() string { return "spawn failed" }

func cfg(id string) StreamConfig {
	c, err := NewStreamConfig(id, "rtsp://host/"+id, false)
	if err != nil {
		panic(err)
	}
	return c
}

func TestStartStreamUniqueness(t *testing.T) {
	o := New(newFakeSpawner(), Options{MaxWorkers: 8})
	_, err := o.StartStream(cfg("cam-1"))
	require.NoError(t, err)

	_, err = o.StartStream(cfg("cam-1"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartStreamCapacity(t *testing.T) {
	o := New(newFakeSpawner(), Options{MaxWorkers: 2})
	_, err := o.StartStream(cfg("s-0"))
	require.NoError(t, err)
	_, err = o.StartStream(cfg("s-1"))
	require.NoError(t, err)

	_, err = o.StartStream(cfg("s-2"))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Len(t, o.ListStreams(), 2)
}

func TestStopStreamIdempotence(t *testing.T) {
	o := New(newFakeSpawner(), Options{MaxWorkers: 8})
	_, err := o.StartStream(cfg("cam-1"))
	require.NoError(t, err)

	require.NoError(t, o.StopStream("cam-1", true))
	err = o.StopStream("cam-1", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseViewerFloorsAtZero(t *testing.T) {
	o := New(newFakeSpawner(), Options{MaxWorkers: 8})
	_, err := o.StartStream(cfg("cam-1"))
	require.NoError(t, err)

	o.ReleaseStreamViewer("cam-1")
	o.ReleaseStreamViewer("cam-1")
	o.ReleaseStreamViewer("cam-1")

	snap, err := o.GetStream("cam-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), snap.ViewerCount)
}

func TestReleaseViewerOnUnknownIDNeverFails(t *testing.T) {
	o := New(newFakeSpawner(), Options{MaxWorkers: 8})
	assert.NotPanics(t, func() { o.ReleaseStreamViewer("ghost") })
}

func TestShutdownIsIdempotent(t *testing.T) {
	o := New(newFakeSpawner(), Options{MaxWorkers: 8})
	_, err := o.StartStream(cfg("cam-1"))
	require.NoError(t, err)

	o.Shutdown()
	assert.NotPanics(t, func() { o.Shutdown() })
	assert.Empty(t, o.ListStreams())
}

func TestAcquireViewerHotRestartsStoppedConfig(t *testing.T) {
	spawner := newFakeSpawner()
	fc := clock.NewFake(time.Unix(0, 0))
	o := New(spawner, Options{MaxWorkers: 8, NoViewerTimeout: 50 * time.Millisecond, Clock: fc, SnapshotCacheTTL: time.Nanosecond})
	o.StartWatchdog()
	defer o.StopWatchdog()

	_, err := o.StartStream(cfg("cam-1"))
	require.NoError(t, err)
	o.ReleaseStreamViewer("cam-1")

	fc.Advance(2 * time.Second) // watchdog period default fires, observes no-viewer expiry
	time.Sleep(20 * time.Millisecond)

	snap, err := o.AcquireStreamViewer("cam-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), snap.ViewerCount)
	assert.True(t, snap.IsAlive)
}

func TestAcquireViewerOnUnknownStreamFails(t *testing.T) {
	o := New(newFakeSpawner(), Options{MaxWorkers: 8})
	_, err := o.AcquireStreamViewer("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatchdogRestartsDeadWorkerWithBackoff(t *testing.T) {
	spawner := newFakeSpawner()
	fc := clock.NewFake(time.Unix(0, 0))
	o := New(spawner, Options{
		MaxWorkers:     8,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		WatchdogPeriod: 100 * time.Millisecond,
		Clock:          fc,
	})
	o.StartWatchdog()
	defer o.StopWatchdog()

	_, err := o.StartStream(cfg("crash"))
	require.NoError(t, err)
	spawner.process("crash").kill()

	// First tick: worker dead, nextRestartAtMonotonic scheduled at +1s.
	fc.Advance(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	snap, err := o.GetStream("crash")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RestartCount)

	// Advance past the 1s backoff deadline; next tick should restart.
	fc.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)

	snap, err = o.GetStream("crash")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.RestartCount, 1)
	assert.GreaterOrEqual(t, snap.BackoffSeconds, 2.0)
}

func TestConcurrentStartStreamRespectsCapacity(t *testing.T) {
	o := New(newFakeSpawner(), Options{MaxWorkers: 3})
	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := cfg(concurrentStreamID(i)).StreamID
			_, err := o.StartStream(cfg(id))
			if err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), successes)
	assert.Len(t, o.ListStreams(), 3)
}

func concurrentStreamID(i int) string {
	return "conc-" + string(rune('a'+i))
}

func TestNewStreamConfigRejectsInvalidInput(t *testing.T) {
	_, err := NewStreamConfig("bad..id", "rtsp://host/bad", false)
	require.Error(t, err)
	var ee *errors.EnhancedError
	require.True(t, stderrors.As(err, &ee))
	assert.Equal(t, errors.CategoryValidation, ee.Category)

	_, err = NewStreamConfig("valid-id", "", false)
	require.Error(t, err)
	require.True(t, stderrors.As(err, &ee))
	assert.Equal(t, errors.CategoryValidation, ee.Category)

	c, err := NewStreamConfig("valid-id", "rtsp://host/valid-id", false)
	require.NoError(t, err)
	assert.Equal(t, "valid-id", c.StreamID)
}

func TestTouchStreamRefreshesHeartbeat(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	o := New(newFakeSpawner(), Options{MaxWorkers: 8, Clock: fc})

	_, err := o.StartStream(cfg("cam-1"))
	require.NoError(t, err)

	fc.Advance(time.Minute)
	o.TouchStream("cam-1")

	snap, err := o.GetStream("cam-1")
	require.NoError(t, err)
	assert.Equal(t, fc.Now(), snap.LastHeartbeat)

	assert.NotPanics(t, func() { o.TouchStream("ghost") })
}

func TestWatchdogRemovesConfigOnIdleTimeout(t *testing.T) {
	spawner := newFakeSpawner()
	fc := clock.NewFake(time.Unix(0, 0))
	o := New(spawner, Options{
		MaxWorkers:     8,
		IdleTimeout:    50 * time.Millisecond,
		WatchdogPeriod: 20 * time.Millisecond,
		Clock:          fc,
	})
	o.StartWatchdog()
	defer o.StopWatchdog()

	_, err := o.StartStream(cfg("idle-cam"))
	require.NoError(t, err)

	fc.Advance(100 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, err = o.GetStream("idle-cam")
	assert.ErrorIs(t, err, ErrNotFound)

	// IdleTimeout removal drops the config too, so a later viewer acquire
	// has nothing left to hot-restart.
	_, err = o.AcquireStreamViewer("idle-cam")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestWatchdogAbandonsRestartWhenHandleReplacedMidSpawn exercises the race
// spec.md §4.1 calls out: a handle can be replaced (stopped and
// restarted) while the watchdog's own restart spawn for the old handle is
// still in flight. The watchdog must detect this by identity on the
// post-spawn registry lookup, stop the now-orphaned process it just
// spawned, and never install it over the replacement.
func TestWatchdogAbandonsRestartWhenHandleReplacedMidSpawn(t *testing.T) {
	spawner := newFakeSpawner()
	fc := clock.NewFake(time.Unix(0, 0))
	o := New(spawner, Options{
		MaxWorkers:     8,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		WatchdogPeriod: 100 * time.Millisecond,
		Clock:          fc,
	})
	o.StartWatchdog()
	defer o.StopWatchdog()

	_, err := o.StartStream(cfg("race"))
	require.NoError(t, err)
	spawner.process("race").kill()

	// First tick: worker observed dead, restart deadline scheduled at +1s.
	fc.Advance(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	release := spawner.blockNextSpawn("race")

	// Second tick crosses the backoff deadline: the watchdog calls Spawn
	// and blocks inside it, holding no lock while it waits.
	fc.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)

	// While that restart spawn is in flight, replace the handle out from
	// under it, simulating a concurrent stop+restart racing the watchdog.
	require.NoError(t, o.StopStream("race", true))
	_, err = o.StartStream(cfg("race"))
	require.NoError(t, err)

	release() // let the stale watchdog-driven spawn complete
	time.Sleep(30 * time.Millisecond)

	history := spawner.spawnHistory("race")
	require.Len(t, history, 3, "expected: initial spawn, replacement spawn, stale watchdog spawn")
	replacement, stale := history[1], history[2]

	assert.True(t, replacement.IsAlive(), "the replacement process must survive untouched")
	assert.False(t, stale.IsAlive(), "the orphaned watchdog spawn must be stopped")
	assert.GreaterOrEqual(t, stale.stopCount(), 1)

	snap, err := o.GetStream("race")
	require.NoError(t, err)
	assert.True(t, snap.IsAlive)
}

func TestActiveWorkerGaugeTracksRegistrySize(t *testing.T) {
	rec := metrics.NewPrometheusRecorder(prometheus.NewRegistry())
	o := New(newFakeSpawner(), Options{MaxWorkers: 8, Metrics: rec})

	_, err := o.StartStream(cfg("cam-1"))
	require.NoError(t, err)
	_, err = o.StartStream(cfg("cam-2"))
	require.NoError(t, err)

	var m dto.Metric
	require.NoError(t, rec.ActiveWorkersGauge().Write(&m))
	assert.Equal(t, 2.0, m.GetGauge().GetValue())

	require.NoError(t, o.StopStream("cam-1", true))
	require.NoError(t, rec.ActiveWorkersGauge().Write(&m))
	assert.Equal(t, 1.0, m.GetGauge().GetValue())
}
