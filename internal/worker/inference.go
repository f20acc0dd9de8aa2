package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/detector"
	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/eventbus"
	"github.com/thomsoren/openar-it2901-ntnu/internal/metrics"
	"github.com/thomsoren/openar-it2901-ntnu/internal/orchestrator"
	"github.com/thomsoren/openar-it2901-ntnu/internal/queue"
)

const pollInterval = 5 * time.Millisecond

// inference owns the skip-to-latest polling loop of spec.md §4.2: it
// repeatedly samples the shared latest-frame slot, runs detection only
// when the frame index has advanced since the last run, and offers the
// result to detectionOut with drop-oldest semantics. Grounded on
// managerImpl.processSource's read-process-emit loop, adapted from a
// channel-fed consumer to a polling consumer because the producer here
// (the reader) only ever holds the single freshest frame, not a queue.
type inference struct {
	streamID string
	det      detector.Detector
	slot     *latestFrameSlot
	bus      *eventbus.Bus
	out      *queue.DropOldest[orchestrator.DetectionPayload]
	clk      clock.Clock
	logger   *slog.Logger
	metrics  *metrics.PrometheusRecorder

	lastSeenIndex int64
	sessionID     string
}

func newInference(streamID string, det detector.Detector, slot *latestFrameSlot, bus *eventbus.Bus, out *queue.DropOldest[orchestrator.DetectionPayload], clk clock.Clock, logger *slog.Logger, rec *metrics.PrometheusRecorder, sessionID string) *inference {
	return &inference{streamID: streamID, det: det, slot: slot, bus: bus, out: out, clk: clk, logger: logger, metrics: rec, lastSeenIndex: -1, sessionID: sessionID}
}

func (inf *inference) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, frameIndex, ts, ok := inf.slot.load()
		if !ok || frameIndex == inf.lastSeenIndex {
			inf.clk.Sleep(pollInterval)
			continue
		}
		inf.lastSeenIndex = frameIndex

		start := inf.clk.Now()
		boxes, err := inf.det.Detect(ctx, detector.Frame{Width: frame.Width, Height: frame.Height, Pixels: frame.Pixels})
		elapsed := inf.clk.Now().Sub(start)
		if err != nil {
			_ = errors.New(err).Component("worker").Category(errors.CategoryProcessing).
				Context("stream_id", inf.streamID).Context("frame_index", frameIndex).Build()
			continue
		}

		inferenceFPS := 0.0
		if elapsed > 0 {
			inferenceFPS = float64(time.Second) / float64(elapsed)
		}

		payload := orchestrator.DetectionPayload{
			Type:         "detections",
			FrameIndex:   frameIndex,
			TimestampMs:  float64(ts.Milliseconds()),
			FPS:          inf.slot.getFPS(),
			InferenceFPS: inferenceFPS,
			Vessels:      toVessels(boxes),
			SessionID:    inf.sessionID,
		}

		if inf.out.Put(payload) {
			inf.logger.Debug("detection_out dropped oldest entry", "stream_id", inf.streamID)
			if inf.metrics != nil {
				inf.metrics.AddQueueDropped(inf.streamID, 1)
			}
		}

		if raw, merr := marshalDetections(payload); merr == nil {
			inf.bus.Publish(inf.streamID, raw)
		}
	}
}

func toVessels(boxes []detector.Box) []orchestrator.Vessel {
	out := make([]orchestrator.Vessel, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, orchestrator.Vessel{
			Detection: orchestrator.Detection{
				X: b.X, Y: b.Y, Width: b.Width, Height: b.Height,
				Confidence: b.Confidence, ClassID: b.ClassID,
				ClassName: b.ClassName, TrackID: b.TrackID,
			},
		})
	}
	return out
}
