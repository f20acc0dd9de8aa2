// Package notify dispatches operator alerts (restart-budget exhaustion,
// permanent media-publisher disable) through whatever push services the
// operator has configured, grounded on the teacher's push_shoutrrr.go
// retry/backoff constants (testMaxRetries, testRetryDelay in
// push_shoutrrr_test.go) even though that file's implementation was not
// retrievable — this package rebuilds the same retry policy shape against
// the shoutrrr library directly.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
)

// Config configures the Notifier. Zero-value Enabled=false disables sending
// entirely (Dispatch becomes a no-op), so a deployment without any push
// service configured can still construct and use a Notifier unconditionally.
type Config struct {
	Enabled     bool
	URLs        []string
	MaxRetries  int
	RetryDelay  time.Duration
	SendTimeout time.Duration
}

// Notifier wraps a shoutrrr ServiceRouter with the retry-with-backoff policy
// this system expects for operator alerts: a transient provider failure
// (rate limit, transient 5xx) should not silently drop an alert about a
// restart-budget exhaustion or a permanently disabled media publisher.
type Notifier struct {
	cfg    Config
	router *router.ServiceRouter
	logger *slog.Logger
}

// New constructs a Notifier. If cfg.Enabled is false or cfg.URLs is empty,
// the returned Notifier's Dispatch is a no-op — callers never need to branch
// on whether notifications are configured.
func New(cfg Config) (*Notifier, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	n := &Notifier{cfg: cfg, logger: logging.ForService("notify")}
	if !cfg.Enabled || len(cfg.URLs) == 0 {
		return n, nil
	}

	sender, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		return nil, errors.New(err).Component("notify").
			Category(errors.CategoryConfiguration).Build()
	}
	n.router = sender
	return n, nil
}

// Dispatch sends title/message to every configured provider, retrying up to
// MaxRetries times with a fixed RetryDelay between attempts on total
// failure. A no-op (returns nil immediately) when notifications are
// disabled or unconfigured.
func (n *Notifier) Dispatch(ctx context.Context, title, message string) error {
	if n.router == nil {
		return nil
	}

	var lastErrs []error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		errs := n.router.Send(message, &types.Params{"title": title})
		if !anyFailed(errs) {
			return nil
		}
		lastErrs = errs
		n.logger.Warn("notification dispatch failed, retrying", "attempt", attempt, "max_retries", n.cfg.MaxRetries, "errors", errs)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.cfg.RetryDelay):
		}
	}

	return errors.New(firstNonNil(lastErrs)).Component("notify").
		Category(errors.CategorySystem).Context("title", title).Build()
}

func anyFailed(errs []error) bool {
	for _, e := range errs {
		if e != nil {
			return true
		}
	}
	return false
}

func firstNonNil(errs []error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// RestartBudgetExhaustedHandler returns an orchestrator.Options.OnRestartBudgetExhausted
// callback that dispatches an alert through n. Named to match the watchdog
// callback signature directly, so wiring it is a one-line assignment at the
// CLI entrypoint.
func (n *Notifier) RestartBudgetExhaustedHandler() func(streamID string, restartCount int) {
	return func(streamID string, restartCount int) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout*time.Duration(n.cfg.MaxRetries+1)+n.cfg.RetryDelay*time.Duration(n.cfg.MaxRetries))
			defer cancel()
			if err := n.Dispatch(ctx, "worker restart budget exhausted",
				streamID+" failed a watchdog restart spawn and is now backing off at its maximum interval (successful restarts so far: "+strconv.Itoa(restartCount)+")"); err != nil {
				n.logger.Error("failed to dispatch restart-budget-exhausted alert", "stream_id", streamID, "error", err)
			}
		}()
	}
}

// MediaDisabled dispatches an alert that a stream's media publisher has
// permanently disabled itself (e.g. missing encoder binary, codec list
// exhausted). The CLI entrypoint calls it from the mediapublisher
// Config.OnDisabled callback it wires for each stream.
func (n *Notifier) MediaDisabled(streamID, cause string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout*time.Duration(n.cfg.MaxRetries+1)+n.cfg.RetryDelay*time.Duration(n.cfg.MaxRetries))
		defer cancel()
		if err := n.Dispatch(ctx, "media publisher disabled", streamID+": "+cause); err != nil {
			n.logger.Error("failed to dispatch media-disabled alert", "stream_id", streamID, "error", err)
		}
	}()
}
