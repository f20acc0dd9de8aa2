package worker

import (
	"sync"
	"time"
)

// latestFrameSlot is the single mutex-guarded (frame, frame_index,
// timestamp) 3-tuple shared between the reader and inference threads,
// per spec.md §5 ("Latest frame slot (worker) — single mutex guarding a
// 3-tuple"). The reader overwrites it every decoded frame; the inference
// thread polls it and only acts once the frame index has advanced,
// yielding skip-to-latest semantics naturally.
type latestFrameSlot struct {
	mu         sync.Mutex
	frame      DecodedFrame
	frameIndex int64
	timestamp  time.Duration
	set        bool
	fps        float64
}

func (s *latestFrameSlot) store(frame DecodedFrame, frameIndex int64, timestamp time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = frame
	s.frameIndex = frameIndex
	s.timestamp = timestamp
	s.set = true
}

func (s *latestFrameSlot) load() (frame DecodedFrame, frameIndex int64, timestamp time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.frameIndex, s.timestamp, s.set
}

// setFPS records the source fps once the reader has discovered it from
// Source.Open. Shared with inference through the same mutex so the
// "detections" payload can echo the real rate instead of a value fixed at
// construction time, before the reader has opened anything.
func (s *latestFrameSlot) setFPS(fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps = fps
}

func (s *latestFrameSlot) getFPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}
