package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/eventbus"
	"github.com/thomsoren/openar-it2901-ntnu/internal/mediapublisher"
)

// ReaderConfig configures a reader loop.
type ReaderConfig struct {
	StreamID      string
	Loop          bool
	MaxCatchupSkip int

	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
}

// reader owns one Source and drives spec.md §4.2's reader thread: frame
// decode, timestamp derivation, catch-up on local files, loop on EOF,
// reconnect-with-backoff on remote read failure. Grounded on
// internal/audiocore/manager.go's processSource (read-then-publish loop,
// select on ctx.Done) with the audio-specific parts replaced by the
// source/timestamp/catch-up/loop/reconnect policy from spec.md §4.2.
type reader struct {
	cfg    ReaderConfig
	source Source
	clk    clock.Clock
	logger *slog.Logger

	slot  *latestFrameSlot
	bus   *eventbus.Bus
	media *mediapublisher.Publisher

	frameIndex int64
	startMono  time.Time
	lastTS     time.Duration
	fps        float64
}

func newReader(cfg ReaderConfig, source Source, clk clock.Clock, logger *slog.Logger, slot *latestFrameSlot, bus *eventbus.Bus, media *mediapublisher.Publisher) *reader {
	if cfg.ReconnectInitialBackoff <= 0 {
		cfg.ReconnectInitialBackoff = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxBackoff <= 0 {
		cfg.ReconnectMaxBackoff = 8 * time.Second
	}
	if cfg.MaxCatchupSkip <= 0 {
		cfg.MaxCatchupSkip = 5
	}
	return &reader{cfg: cfg, source: source, clk: clk, logger: logger, slot: slot, bus: bus, media: media}
}

// run decodes frames until ctx is cancelled or the source permanently
// exhausts (non-looping local EOF). Returns the exit error, if any.
func (r *reader) run(ctx context.Context) error {
	width, height, fps, err := r.source.Open(ctx)
	if err != nil {
		return err
	}
	r.startMono = r.clk.Now()
	r.fps = fps
	r.slot.setFPS(fps)

	if raw, merr := eventbus.NewReady(width, height, fps); merr == nil {
		r.bus.Publish(r.cfg.StreamID, raw)
	}

	frameInterval := time.Duration(float64(time.Second) / fps)
	ticker := r.clk.NewTicker(frameInterval)
	defer ticker.Stop()

	backoff := r.cfg.ReconnectInitialBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}

		if !r.source.IsRemote() {
			if behind := r.computeBehind(frameInterval); behind > 0 {
				skip := behind
				if skip > r.cfg.MaxCatchupSkip {
					skip = r.cfg.MaxCatchupSkip
				}
				for i := 0; i < skip; i++ {
					if err := r.source.SkipFrame(); err != nil {
						break
					}
				}
			}
		}

		frame, ok, err := r.source.ReadFrame()
		if err != nil {
			if r.source.IsRemote() {
				r.logger.Warn("reader read failure, reconnecting", "stream_id", r.cfg.StreamID, "error", err, "backoff", backoff)
				r.clk.Sleep(backoff)
				_, _, reopenFPS, reopenErr := r.source.Open(ctx)
				if reopenErr != nil {
					backoff *= 2
					if backoff > r.cfg.ReconnectMaxBackoff {
						backoff = r.cfg.ReconnectMaxBackoff
					}
					continue
				}
				backoff = r.cfg.ReconnectInitialBackoff
				r.frameIndex = 0
				r.lastTS = 0
				r.fps = reopenFPS
				r.slot.setFPS(reopenFPS)
				continue
			}
			return err
		}
		if !ok {
			if r.cfg.Loop && !r.source.IsRemote() {
				if serr := r.source.Seek0(); serr != nil {
					return serr
				}
				r.frameIndex = 0
				r.lastTS = 0
				continue
			}
			return nil
		}

		ts := r.deriveTimestamp(frame)
		r.publishFrame(frame, ts)
	}
}

// computeBehind estimates, in whole frames, how far wall-clock has drifted
// ahead of the reader's own pacing — only meaningful for local sources
// whose decode can outrun or fall behind real time depending on I/O.
func (r *reader) computeBehind(frameInterval time.Duration) int {
	elapsed := r.clk.Now().Sub(r.startMono)
	expectedFrame := int64(elapsed / frameInterval)
	behind := int(expectedFrame - r.frameIndex)
	if behind < 0 {
		return 0
	}
	return behind
}

// deriveTimestamp prefers the decoder's own PTS when present and positive;
// otherwise falls back to monotonic_now - start_mono. Either way the
// result is clamped to be non-decreasing.
func (r *reader) deriveTimestamp(frame DecodedFrame) time.Duration {
	var ts time.Duration
	if frame.HasPTS && frame.PTS > 0 {
		ts = frame.PTS
	} else {
		ts = r.clk.Now().Sub(r.startMono)
	}
	if ts < r.lastTS {
		ts = r.lastTS
	}
	r.lastTS = ts
	return ts
}

func (r *reader) publishFrame(frame DecodedFrame, ts time.Duration) {
	r.frameIndex++

	r.media.WriteFrame(frame.Pixels)

	sentAt := r.clk.Now().Sub(r.startMono)
	if raw, err := eventbus.NewFrameMeta(r.frameIndex, float64(ts.Milliseconds()), float64(sentAt.Milliseconds()), r.fps); err == nil {
		r.bus.Publish(r.cfg.StreamID, raw)
	}

	// Stored after frame_meta is published so inference cannot publish
	// detections for this index ahead of it.
	r.slot.store(frame, r.frameIndex, ts)
}
