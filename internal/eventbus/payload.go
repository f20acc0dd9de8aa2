package eventbus

import "encoding/json"

// ReadyPayload is the "ready" event bus schema: emitted once a worker's
// reader thread has detected the source's true dimensions/fps.
type ReadyPayload struct {
	Type   string  `json:"type"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

// FrameMetaPayload is the "frame_meta" schema, published once per decoded
// frame ahead of any detections event for the same frame_index.
type FrameMetaPayload struct {
	Type          string  `json:"type"`
	FrameIndex    int64   `json:"frame_index"`
	TimestampMs   float64 `json:"timestamp_ms"`
	FrameSentAtMs float64 `json:"frame_sent_at_ms"`
	FPS           float64 `json:"fps"`
}

// NewReady marshals a ready payload.
func NewReady(width, height int, fps float64) ([]byte, error) {
	return json.Marshal(ReadyPayload{Type: "ready", Width: width, Height: height, FPS: fps})
}

// NewFrameMeta marshals a frame_meta payload.
func NewFrameMeta(frameIndex int64, timestampMs, frameSentAtMs, fps float64) ([]byte, error) {
	return json.Marshal(FrameMetaPayload{
		Type:          "frame_meta",
		FrameIndex:    frameIndex,
		TimestampMs:   timestampMs,
		FrameSentAtMs: frameSentAtMs,
		FPS:           fps,
	})
}
