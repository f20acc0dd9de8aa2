// Package orchestrator implements the authoritative stream registry and its
// watchdog-driven worker supervision. Grounded on internal/audiocore's
// managerImpl (map+mutex registry, spawn-outside-lock discipline) and
// AudioHealthMonitor's ticker-driven check loop.
package orchestrator

import (
	"regexp"
	"time"

	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/queue"
)

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// StreamConfig is immutable once constructed; NewStreamConfig is the only
// valid constructor and enforces the stream id grammar.
type StreamConfig struct {
	StreamID  string
	SourceURL string
	Loop      bool
}

// NewStreamConfig validates streamID against the stream id grammar and
// requires a non-empty sourceURL, returning a ValidationError-categorized
// error otherwise.
func NewStreamConfig(streamID, sourceURL string, loop bool) (StreamConfig, error) {
	if !streamIDPattern.MatchString(streamID) {
		return StreamConfig{}, errors.Newf("invalid stream_id %q", streamID).
			Category(errors.CategoryValidation).
			Component("orchestrator").
			Context("stream_id", streamID).
			Build()
	}
	if sourceURL == "" {
		return StreamConfig{}, errors.New(nil).
			Category(errors.CategoryValidation).
			Component("orchestrator").
			Context("stream_id", streamID).
			Context("reason", "empty source_url").
			Build()
	}
	return StreamConfig{StreamID: streamID, SourceURL: sourceURL, Loop: loop}, nil
}

// DetectionPayload is the "detections" variant of the event bus schema,
// also used as the element type of a WorkerHandle's detection_out queue so
// the API layer can forward the same payload without re-deserializing it.
type DetectionPayload struct {
	Type           string   `json:"type"`
	FrameIndex     int64    `json:"frame_index"`
	TimestampMs    float64  `json:"timestamp_ms"`
	FrameSentAtMs  float64  `json:"frame_sent_at_ms"`
	FPS            float64  `json:"fps"`
	InferenceFPS   float64  `json:"inference_fps"`
	Vessels        []Vessel `json:"vessels"`

	// SessionID correlates this payload with the worker incarnation that
	// produced it (one per spawn or watchdog restart), for log correlation
	// only. Never part of the wire schema.
	SessionID string `json:"-"`
}

type Vessel struct {
	Detection Detection `json:"detection"`
	Vessel    any       `json:"vessel"` // always null on the wire; reserved
}

type Detection struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	ClassID   *int    `json:"class_id"`
	ClassName string  `json:"class_name"`
	TrackID   *int    `json:"track_id"`
}

// WorkerProcess abstracts the isolated execution unit that decodes, infers,
// and publishes for exactly one stream. In this runtime it is backed by a
// goroutine group (internal/worker.Runtime) rather than a forked OS
// process, per the "process spawning expresses the worker boundary, and in
// languages without forkable processes the worker may be a dedicated
// thread" design note — the orchestrator only depends on this interface,
// never on the concrete worker package, mirroring managerImpl's dependence
// on the AudioSource interface rather than a concrete source type.
type WorkerProcess interface {
	// IsAlive reports whether the worker's goroutines are still running.
	IsAlive() bool
	// Stop requests graceful shutdown, escalating to forced termination if
	// the worker has not exited within gracefulTimeout, and returns once
	// the worker is confirmed stopped (or forceTimeout has also elapsed).
	Stop(gracefulTimeout, forceTimeout time.Duration)
	// ExitCode returns the last observed exit code (0 if never exited).
	ExitCode() int
	// DetectionOut is the bounded drop-oldest queue of detection payloads
	// produced by this worker for API-side forwarding.
	DetectionOut() *queue.DropOldest[DetectionPayload]
}

// WorkerSpawner spawns a new WorkerProcess for a StreamConfig. Supplied by
// the caller (normally internal/worker.Spawner) so the orchestrator stays
// testable with a fake spawner.
type WorkerSpawner interface {
	Spawn(cfg StreamConfig) (WorkerProcess, error)
}

// WorkerHandle is the orchestrator's mutable supervisory record for a
// running (or restart-pending) worker. Every mutating field is only ever
// touched while the registry mutex is held.
type WorkerHandle struct {
	Config StreamConfig

	process WorkerProcess

	startedAt     time.Time
	lastHeartbeat time.Time

	restartCount          int
	lastExitCode          int
	backoffSeconds        float64
	nextRestartAtMonotonic time.Time // zero means "no restart scheduled"

	viewerCount   uint32
	noViewerSince time.Time // zero means "has viewers (or never released)"
}

// IsAlive reports whether the handle's worker process is currently running.
func (h *WorkerHandle) IsAlive() bool {
	return h.process != nil && h.process.IsAlive()
}

// HandleSnapshot is an immutable, externally-returned copy of a
// WorkerHandle's state at the instant it was taken.
type HandleSnapshot struct {
	StreamID               string
	SourceURL              string
	Loop                   bool
	IsAlive                bool
	StartedAt              time.Time
	LastHeartbeat          time.Time
	RestartCount           int
	LastExitCode           int
	BackoffSeconds         float64
	NextRestartAtMonotonic time.Time
	ViewerCount            uint32
	NoViewerSince          time.Time
}

func snapshot(h *WorkerHandle) HandleSnapshot {
	return HandleSnapshot{
		StreamID:               h.Config.StreamID,
		SourceURL:              h.Config.SourceURL,
		Loop:                   h.Config.Loop,
		IsAlive:                h.IsAlive(),
		StartedAt:              h.startedAt,
		LastHeartbeat:          h.lastHeartbeat,
		RestartCount:           h.restartCount,
		LastExitCode:           h.lastExitCode,
		BackoffSeconds:         h.backoffSeconds,
		NextRestartAtMonotonic: h.nextRestartAtMonotonic,
		ViewerCount:            h.viewerCount,
		NoViewerSince:          h.noViewerSince,
	}
}

// Sentinel errors, matched by category via errors.Is (see internal/errors).
var (
	ErrAlreadyRunning  = errors.New(nil).Category(errors.CategoryConflict).Component("orchestrator").Build()
	ErrNotFound        = errors.New(nil).Category(errors.CategoryNotFound).Component("orchestrator").Build()
	ErrCapacityExceeded = errors.New(nil).Category(errors.CategoryLimit).Component("orchestrator").Build()
)

