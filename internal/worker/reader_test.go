package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/eventbus"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
	"github.com/thomsoren/openar-it2901-ntnu/internal/mediapublisher"
)

// fakeSource is a deterministic in-memory Source for reader tests: it
// serves frameCount frames then reports EOF, optionally failing reads
// after a configured number of successful reads to exercise the reconnect
// path, and counts Seek0 calls to exercise the loop path.
type fakeSource struct {
	mu         sync.Mutex
	remote     bool
	frameCount int
	served     int
	failAfter  int // -1 disables
	failedOnce bool
	seekCount  int
	opens      int
}

func (s *fakeSource) Open(context.Context) (int, int, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return 4, 4, 1000.0, nil // absurdly high fps keeps the test fast
}

func (s *fakeSource) ReadFrame() (DecodedFrame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && s.served == s.failAfter && !s.failedOnce {
		s.failedOnce = true
		return DecodedFrame{}, false, assertErr
	}
	if s.served >= s.frameCount {
		return DecodedFrame{}, false, nil
	}
	s.served++
	return DecodedFrame{Width: 4, Height: 4, Pixels: make([]byte, 48)}, true, nil
}

func (s *fakeSource) SkipFrame() error { return nil }

func (s *fakeSource) Seek0() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seekCount++
	s.served = 0
	return nil
}

func (s *fakeSource) IsRemote() bool { return s.remote }
func (s *fakeSource) Close() error   { return nil }

var assertErr = &testReadErr{}

type testReadErr struct{}

func (*testReadErr) Error() string { return "read failed" }

func newTestReaderDeps(t *testing.T) (*eventbus.Bus, *mediapublisher.Publisher) {
	t.Helper()
	bus := eventbus.New(eventbus.Config{TopicPrefix: "detections"})
	media := mediapublisher.New(mediapublisher.Config{BinaryPath: "/nonexistent/binary"}, "cam-1", false, false)
	return bus, media
}

func TestReaderNonLoopingLocalExitsOnEOF(t *testing.T) {
	logging.Init(logging.Options{})
	src := &fakeSource{frameCount: 5, failAfter: -1}
	slot := &latestFrameSlot{}
	bus, media := newTestReaderDeps(t)

	r := newReader(ReaderConfig{StreamID: "cam-1", Loop: false}, src, clock.Real{}, logging.ForService("test"), slot, bus, media)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- r.run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not exit on EOF")
	}

	_, frameIndex, _, ok := slot.load()
	require.True(t, ok)
	assert.Equal(t, int64(5), frameIndex)
}

func TestReaderLoopsOnEOFForLocalSource(t *testing.T) {
	logging.Init(logging.Options{})
	src := &fakeSource{frameCount: 3, failAfter: -1}
	slot := &latestFrameSlot{}
	bus, media := newTestReaderDeps(t)

	r := newReader(ReaderConfig{StreamID: "cam-1", Loop: true}, src, clock.Real{}, logging.ForService("test"), slot, bus, media)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	src.mu.Lock()
	seeks := src.seekCount
	src.mu.Unlock()
	assert.Greater(t, seeks, 0)
}

func TestReaderReconnectsOnRemoteReadFailure(t *testing.T) {
	logging.Init(logging.Options{})
	src := &fakeSource{remote: true, frameCount: 100, failAfter: 2}
	slot := &latestFrameSlot{}
	bus, media := newTestReaderDeps(t)

	r := newReader(ReaderConfig{StreamID: "cam-1"}, src, clock.Real{}, logging.ForService("test"), slot, bus, media)
	r.cfg.ReconnectInitialBackoff = time.Millisecond
	r.cfg.ReconnectMaxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.run(ctx) }()

	time.Sleep(100 * time.Millisecond)

	src.mu.Lock()
	opens := src.opens
	src.mu.Unlock()
	assert.GreaterOrEqual(t, opens, 2, "reader should have reopened the source after the induced failure")

	_, frameIndex, _, ok := slot.load()
	require.True(t, ok)
	assert.GreaterOrEqual(t, frameIndex, int64(1))
}

func TestReaderPersistsDiscoveredFPSToSlot(t *testing.T) {
	logging.Init(logging.Options{})
	src := &fakeSource{frameCount: 5, failAfter: -1}
	slot := &latestFrameSlot{}
	bus, media := newTestReaderDeps(t)

	r := newReader(ReaderConfig{StreamID: "cam-1", Loop: false}, src, clock.Real{}, logging.ForService("test"), slot, bus, media)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- r.run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not exit on EOF")
	}

	assert.Equal(t, 1000.0, slot.getFPS(), "reader must persist the fps discovered from Source.Open, not leave it at zero")
}

func TestMonotonicFrameIndexWithinSession(t *testing.T) {
	logging.Init(logging.Options{})
	src := &fakeSource{frameCount: 20, failAfter: -1}
	slot := &latestFrameSlot{}
	bus, media := newTestReaderDeps(t)

	r := newReader(ReaderConfig{StreamID: "cam-1"}, src, clock.Real{}, logging.ForService("test"), slot, bus, media)

	var seen []int64

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.run(ctx) }()

	last := int64(0)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, idx, _, ok := slot.load()
		if ok && idx > last {
			seen = append(seen, idx)
			assert.Greater(t, idx, last)
			last = idx
		}
		if last >= 20 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	assert.NotEmpty(t, seen)
}
