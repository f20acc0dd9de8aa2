// Package mediapublisher re-publishes decoded frames to an external media
// server under a stream path equal to the stream id. Grounded on
// internal/audiocore/utils/ffmpeg/process.go's os/exec subprocess wrapper
// (stdin pipe feed, graceful-then-forced Stop, single running flag) with
// the encoder binary generalized from audio-only FFmpeg args to a
// frame-feeding re-encode/remux command.
package mediapublisher

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
)

// encoderProcess wraps one running encoder subprocess (ffmpeg or compatible
// binary) feeding frame bytes to it over stdin. At most one is alive per
// Publisher at a time.
type encoderProcess struct {
	codec string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// staging is a byte ring buffer absorbing bursts between the decoded
	// frame writer and the subprocess's stdin pipe, grounded on the
	// teacher's use of github.com/smallnest/ringbuffer as the byte-shaped
	// staging buffer in its audio capture path — reused here for the
	// analogous video byte-stream staging role.
	staging *ringbuffer.RingBuffer

	running  atomic.Bool
	stopOnce sync.Once
	exited   chan struct{} // closed once cmd.Wait returns, whether crashed or stopped
}

const stagingBufferSize = 4 * 1024 * 1024 // 4MiB

func startEncoder(ctx context.Context, binaryPath string, args []string, codec string) (*encoderProcess, error) {
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.New(err).Component("mediapublisher").
			Category(errors.CategoryConfiguration).
			Context("operation", "create-stdin-pipe").Build()
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.New(err).Component("mediapublisher").
			Category(errors.CategorySystem).
			Context("operation", "start-encoder").
			Context("binary", binaryPath).
			Context("codec", codec).Build()
	}

	ep := &encoderProcess{
		codec: codec,
		cmd:   cmd,
		stdin: stdin,
		// Non-blocking: WriteFrame runs synchronously on the reader's decode
		// loop and must never stall on a slow subprocess, per the drop-oldest
		// queue policy. Blocking mode would turn a slow encoder into a
		// stalled reader (and, downstream, a stalled inference thread).
		staging: ringbuffer.New(stagingBufferSize).SetBlocking(false),
		exited:  make(chan struct{}),
	}
	ep.running.Store(true)
	go ep.pumpStaging()
	go ep.waitExit()
	return ep, nil
}

// waitExit blocks until the subprocess exits, whether from a deliberate
// Stop or an unexpected crash, and is the single caller of cmd.Wait — Stop
// observes the same exited channel rather than calling cmd.Wait again,
// since exec.Cmd.Wait may only be called once. This is what makes IsAlive
// observe a crash at all: without it, running would only ever flip to
// false from Stop.
func (ep *encoderProcess) waitExit() {
	_ = ep.cmd.Wait()
	ep.running.Store(false)
	close(ep.exited)
}

// pumpStaging drains the staging ring buffer into the encoder's stdin pipe,
// so WriteFrame never blocks on a slow subprocess beyond the ring's
// capacity.
func (ep *encoderProcess) pumpStaging() {
	buf := make([]byte, 64*1024)
	for {
		n, err := ep.staging.Read(buf)
		if n > 0 {
			if _, werr := ep.stdin.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// WriteFrame stages raw decoded frame bytes for the encoder subprocess. It
// never blocks: when the staging ring is full it drops the oldest staged
// bytes to make room for the new frame, the byte-level analogue of the
// drop-oldest queue policy used elsewhere in the pipeline.
func (ep *encoderProcess) WriteFrame(b []byte) error {
	if !ep.running.Load() {
		return fmt.Errorf("encoder not running")
	}

	n, err := ep.staging.Write(b)
	if err == nil {
		return nil
	}
	if !stderrors.Is(err, ringbuffer.ErrIsFull) {
		return err
	}

	remaining := b[n:]
	if need := len(remaining) - ep.staging.Free(); need > 0 {
		discard := make([]byte, need)
		_, _ = ep.staging.Read(discard)
	}
	_, err = ep.staging.Write(remaining)
	return err
}

// Stop terminates the encoder: close stdin, wait up to gracefulTimeout,
// then force-kill and wait up to forceTimeout. Idempotent.
func (ep *encoderProcess) Stop(gracefulTimeout, forceTimeout time.Duration) {
	ep.stopOnce.Do(func() {
		if !ep.running.Load() {
			return
		}
		_ = ep.stdin.Close()
		_ = ep.staging.CloseWriter()

		select {
		case <-ep.exited:
		case <-time.After(gracefulTimeout):
			if ep.cmd.Process != nil {
				_ = ep.cmd.Process.Kill()
			}
			select {
			case <-ep.exited:
			case <-time.After(forceTimeout):
			}
		}
	})
}

func (ep *encoderProcess) IsAlive() bool { return ep.running.Load() }
