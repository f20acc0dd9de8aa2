package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicNaming(t *testing.T) {
	b := New(Config{TopicPrefix: "detections"})
	assert.Equal(t, "detections/cam-1", b.Topic("cam-1"))
}

func TestPublishWithoutConnectionIsSwallowed(t *testing.T) {
	b := New(Config{TopicPrefix: "detections"})
	assert.NotPanics(t, func() { b.Publish("cam-1", []byte(`{"type":"ready"}`)) })
}

func TestNewReadyPayloadShape(t *testing.T) {
	raw, err := NewReady(1920, 1080, 29.97)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "ready", decoded["type"])
	assert.Equal(t, float64(1920), decoded["width"])
	assert.Equal(t, float64(1080), decoded["height"])
}

func TestNewFrameMetaPayloadShape(t *testing.T) {
	raw, err := NewFrameMeta(42, 1000.5, 1000.8, 25.0)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "frame_meta", decoded["type"])
	assert.Equal(t, float64(42), decoded["frame_index"])
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(Config{TopicPrefix: "detections"})
	assert.NotPanics(t, func() {
		b.Close()
		b.Close()
	})
}
