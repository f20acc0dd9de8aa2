package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/thomsoren/openar-it2901-ntnu/internal/clock"
	"github.com/thomsoren/openar-it2901-ntnu/internal/mediapublisher"
)

const mediaLivenessInterval = time.Second

// watchMediaPublisher polls the media publisher's encoder liveness and
// drives spec.md §4.3's crash recovery state machine: without this loop
// OnEncoderCrash is never invoked, and an encoder that dies after a
// successful start stays dead for the rest of the stream's life.
func watchMediaPublisher(ctx context.Context, clk clock.Clock, media *mediapublisher.Publisher, logger *slog.Logger) error {
	ticker := clk.NewTicker(mediaLivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}

		if media.Disabled() {
			return nil
		}
		if !media.IsAlive() {
			logger.Warn("media publisher encoder not alive, triggering crash recovery")
			media.OnEncoderCrash(ctx)
		}
	}
}
