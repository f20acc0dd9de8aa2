package mediapublisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	orcherrors "github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
)

// Config configures a Publisher.
type Config struct {
	BinaryPath      string   // e.g. "ffmpeg"
	SinkBaseURL     string   // media server RTSP sink base, stream path appended
	CodecPreference []string // ordered fallback list, e.g. ["h264_nvenc","h264_vaapi","libx264"]
	RestartBackoff  time.Duration

	// OnDisabled, if set, is invoked (outside any lock) the moment this
	// Publisher permanently disables itself — missing encoder binary or
	// codec fallback list exhaustion. Wired to internal/notify by the CLI
	// entrypoint; nil is a valid no-op.
	OnDisabled func(streamID string, cause error)
}

// state is the publisher's internal disposition, exposed read-only via
// State() for metrics/diagnostics.
type state int

const (
	stateIdle state = iota
	stateRunning
	stateDisabled
)

// Publisher publishes decoded frames for one stream to an external media
// server, transcoding or remuxing through an os/exec subprocess. Grounded
// on internal/audiocore/utils/ffmpeg/manager.go's managedProcess restart
// bookkeeping, generalized from audio-only restart policy to the video
// copy-mode/codec-fallback state machine in spec.md §4.3.
type Publisher struct {
	mu       sync.Mutex
	cfg      Config
	streamID string
	sourceIsTargetCodec bool
	loop                bool

	current      *encoderProcess
	codecIdx     int
	st           state
	restartCount int
	logger       *slog.Logger
}

// New constructs a Publisher for streamID. sourceIsTargetCodec and loop
// gate copy-mode eligibility: copy mode requires the source already be in
// the target codec and the stream must not be looping a local file.
func New(cfg Config, streamID string, sourceIsTargetCodec, loop bool) *Publisher {
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	return &Publisher{
		cfg:                 cfg,
		streamID:            streamID,
		sourceIsTargetCodec: sourceIsTargetCodec,
		loop:                loop,
		logger:              logging.ForService("mediapublisher").With("stream_id", streamID),
	}
}

// sinkURL returns the media server publish URL for this publisher's
// stream, whose path mirrors stream_id per spec.md §6.
func (p *Publisher) sinkURL() string {
	return strings.TrimRight(p.cfg.SinkBaseURL, "/") + "/" + p.streamID
}

// Start attempts spawn(copy) if eligible, then each codec in
// CodecPreference in order, until one succeeds or all fail — at which
// point the publisher is permanently disabled for this stream.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st == stateDisabled {
		return fmt.Errorf("publisher permanently disabled for stream %s", p.streamID)
	}

	copyEligible := p.sourceIsTargetCodec && !p.loop
	if copyEligible {
		if ep, err := p.trySpawnLocked(ctx, "copy"); err == nil {
			p.current = ep
			p.st = stateRunning
			return nil
		} else if isBinaryMissing(err) {
			p.disableLocked(err)
			return err
		}
	}

	for i, codec := range p.cfg.CodecPreference {
		ep, err := p.trySpawnLocked(ctx, codec)
		if err == nil {
			p.current = ep
			p.codecIdx = i
			p.st = stateRunning
			return nil
		}
		if isBinaryMissing(err) {
			p.disableLocked(err)
			return err
		}
		p.logger.Warn("codec candidate failed, trying next", "codec", codec, "error", err)
	}

	err := fmt.Errorf("all codec candidates exhausted for stream %s", p.streamID)
	p.disableLocked(err)
	return err
}

func (p *Publisher) trySpawnLocked(ctx context.Context, codec string) (*encoderProcess, error) {
	args := p.buildArgs(codec)
	return startEncoder(ctx, p.cfg.BinaryPath, args, codec)
}

// buildArgs constructs the encoder subprocess arguments. Copy mode remuxes
// without re-encoding; otherwise the selected codec is passed to the
// encoder's video codec flag.
func (p *Publisher) buildArgs(codec string) []string {
	args := []string{"-f", "rawvideo", "-i", "pipe:0"}
	if codec == "copy" {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args, "-c:v", codec)
	}
	args = append(args, "-f", "rtsp", p.sinkURL())
	return args
}

func isBinaryMissing(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || strings.Contains(err.Error(), "executable file not found")
}

func (p *Publisher) disableLocked(cause error) {
	p.st = stateDisabled
	p.logger.Error("media publishing permanently disabled", "error", cause)
	_ = orcherrors.New(cause).
		Component("mediapublisher").
		Category(orcherrors.CategorySystem).
		Context("stream_id", p.streamID).
		Build()

	if p.cfg.OnDisabled != nil {
		go p.cfg.OnDisabled(p.streamID, cause)
	}
}

// WriteFrame stages a decoded frame's bytes for the active encoder. A
// no-op if the publisher is disabled or has no running encoder.
func (p *Publisher) WriteFrame(b []byte) {
	p.mu.Lock()
	ep := p.current
	st := p.st
	p.mu.Unlock()
	if st != stateRunning || ep == nil {
		return
	}
	if err := ep.WriteFrame(b); err != nil {
		p.logger.Debug("frame write to encoder failed", "error", err)
	}
}

// OnEncoderCrash is invoked by the caller's liveness check when the active
// encoder has died unexpectedly. It performs one in-place restart attempt
// for the same codec; on repeated failure for that codec it advances to
// the next codec; on exhaustion the publisher disables permanently.
func (p *Publisher) OnEncoderCrash(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st != stateRunning {
		return
	}

	codec := p.current.codec
	time.Sleep(p.cfg.RestartBackoff)

	if ep, err := p.trySpawnLocked(ctx, codec); err == nil {
		p.current = ep
		p.restartCount++
		p.logger.Info("encoder restarted in place", "codec", codec, "restart_count", p.restartCount)
		return
	}

	p.codecIdx++
	if p.codecIdx >= len(p.cfg.CodecPreference) {
		p.disableLocked(fmt.Errorf("encoder %s crashed and no further codec candidates remain", codec))
		return
	}
	nextCodec := p.cfg.CodecPreference[p.codecIdx]
	ep, err := p.trySpawnLocked(ctx, nextCodec)
	if err != nil {
		p.disableLocked(err)
		return
	}
	p.current = ep
	p.logger.Info("advanced to next codec after encoder crash", "codec", nextCodec)
}

// IsAlive reports whether the active encoder subprocess is running.
func (p *Publisher) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == stateRunning && p.current != nil && p.current.IsAlive()
}

// Disabled reports whether the publisher has permanently stopped trying.
func (p *Publisher) Disabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == stateDisabled
}

// Close stops the active encoder. Idempotent: calling Close on an already
// stopped or disabled publisher is a no-op.
func (p *Publisher) Close() {
	p.mu.Lock()
	ep := p.current
	p.current = nil
	if p.st != stateDisabled {
		p.st = stateIdle
	}
	p.mu.Unlock()
	if ep != nil {
		ep.Stop(5*time.Second, time.Second)
	}
}
