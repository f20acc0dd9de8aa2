package worker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/detector"
	"github.com/thomsoren/openar-it2901-ntnu/internal/eventbus"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
	"github.com/thomsoren/openar-it2901-ntnu/internal/metrics"
	"github.com/thomsoren/openar-it2901-ntnu/internal/orchestrator"
	"github.com/thomsoren/openar-it2901-ntnu/internal/queue"
)

func TestInferenceSkipsToLatestFrame(t *testing.T) {
	logging.Init(logging.Options{})
	slot := &latestFrameSlot{}
	det := &detector.Scripted{Results: [][]detector.Box{{{Confidence: 0.9}}}}
	bus := eventbus.New(eventbus.Config{TopicPrefix: "detections"})
	out := queue.New[orchestrator.DetectionPayload](4)
	slot.setFPS(25.0)

	inf := newInference("cam-1", det, slot, bus, out, clock.Real{}, logging.ForService("test"), nil, "test-session")

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = inf.run(ctx) }()

	slot.store(DecodedFrame{Width: 2, Height: 2, Pixels: make([]byte, 12)}, 1, 10*time.Millisecond)
	slot.store(DecodedFrame{Width: 2, Height: 2, Pixels: make([]byte, 12)}, 2, 20*time.Millisecond)
	slot.store(DecodedFrame{Width: 2, Height: 2, Pixels: make([]byte, 12)}, 5, 50*time.Millisecond)

	var payload orchestrator.DetectionPayload
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		v, ok := out.TryGet()
		if ok {
			payload = v
			if payload.FrameIndex == 5 {
				break
			}
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	assert.Equal(t, int64(5), payload.FrameIndex)
	require.Len(t, payload.Vessels, 1)
	assert.Equal(t, 0.9, payload.Vessels[0].Detection.Confidence)
}

func TestInferenceDropOldestWhenConsumerIsSlow(t *testing.T) {
	logging.Init(logging.Options{})
	slot := &latestFrameSlot{}
	det := &detector.Noop{}
	bus := eventbus.New(eventbus.Config{TopicPrefix: "detections"})
	out := queue.New[orchestrator.DetectionPayload](1)
	slot.setFPS(25.0)

	inf := newInference("cam-1", det, slot, bus, out, clock.Real{}, logging.ForService("test"), nil, "test-session")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = inf.run(ctx) }()

	for i := int64(1); i <= 10; i++ {
		slot.store(DecodedFrame{Width: 1, Height: 1, Pixels: []byte{0, 0, 0}}, i, time.Duration(i)*time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	assert.LessOrEqual(t, out.Len(), 1)
	assert.GreaterOrEqual(t, out.Dropped(), uint64(1))
}

func TestInferenceReportsQueueDropsToMetrics(t *testing.T) {
	logging.Init(logging.Options{})
	slot := &latestFrameSlot{}
	det := &detector.Noop{}
	bus := eventbus.New(eventbus.Config{TopicPrefix: "detections"})
	out := queue.New[orchestrator.DetectionPayload](1)
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	slot.setFPS(25.0)

	inf := newInference("cam-1", det, slot, bus, out, clock.Real{}, logging.ForService("test"), rec, "test-session")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = inf.run(ctx); close(done) }()

	for i := int64(1); i <= 10; i++ {
		slot.store(DecodedFrame{Width: 1, Height: 1, Pixels: []byte{0, 0, 0}}, i, time.Duration(i)*time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	families, err := reg.Gather()
	require.NoError(t, err)
	var reported float64
	for _, mf := range families {
		if mf.GetName() == "orchestrator_detection_queue_dropped_total" {
			for _, m := range mf.GetMetric() {
				reported += m.GetCounter().GetValue()
			}
		}
	}

	assert.GreaterOrEqual(t, out.Dropped(), uint64(1))
	assert.Equal(t, float64(out.Dropped()), reported)
}
