package worker

import (
	"encoding/json"

	"github.com/thomsoren/openar-it2901-ntnu/internal/orchestrator"
)

// marshalDetections serializes a detections payload using orchestrator's
// json-tagged DetectionPayload struct directly, so the wire shape defined
// in spec.md §6 and the struct shared with API-side queue consumers never
// drift apart.
func marshalDetections(p orchestrator.DetectionPayload) ([]byte, error) {
	return json.Marshal(p)
}
