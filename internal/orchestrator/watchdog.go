package orchestrator

import "time"

// StartWatchdog launches the single supervisor goroutine that snapshots the
// registry every WatchdogPeriod and runs the idle/no-viewer/liveness state
// machine. Grounded on AudioHealthMonitor.Start's ticker loop
// (internal/audiocore/health_monitor.go), generalized from silence
// detection to worker liveness + timeout policy.
func (o *Orchestrator) StartWatchdog() {
	o.watchdogOnce.Do(func() {
		o.watchdogStop = make(chan struct{})
		o.watchdogDone = make(chan struct{})
		go o.watchdogLoop()
	})
}

// StopWatchdog stops the watchdog goroutine and waits for it to exit. Safe
// to call when the watchdog was never started, or more than once.
func (o *Orchestrator) StopWatchdog() {
	if o.watchdogStop == nil {
		return
	}
	select {
	case <-o.watchdogStop:
		// already closed
	default:
		close(o.watchdogStop)
	}
	<-o.watchdogDone
}

func (o *Orchestrator) watchdogLoop() {
	defer close(o.watchdogDone)
	ticker := o.clk.NewTicker(o.opts.WatchdogPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-o.watchdogStop:
			return
		case <-ticker.C():
			o.watchdogTick()
		}
	}
}

// watchdogTick snapshots the current handle set, then evaluates each
// handle's idle timeout, no-viewer timeout, and liveness/backoff policy in
// turn, per spec.md §4.1. A handle removed during the tick is observed via
// its absence from the registry on the next lookup and skipped for
// subsequent steps on that handle.
func (o *Orchestrator) watchdogTick() {
	tickStart := o.clk.Now()
	defer func() {
		if o.opts.Metrics != nil {
			o.opts.Metrics.ObserveWatchdogTick(o.clk.Now().Sub(tickStart))
		}
	}()

	o.mu.Lock()
	handles := o.reg.snapshotHandles()
	o.mu.Unlock()

	now := o.clk.Now()

	for _, h := range handles {
		streamID := h.Config.StreamID
		_, protected := o.opts.ProtectedStreams[streamID]

		if !protected && o.opts.IdleTimeout > 0 {
			o.mu.Lock()
			current, stillPresent := o.reg.handles[streamID]
			idle := stillPresent && current == h && now.Sub(h.lastHeartbeat) > o.opts.IdleTimeout
			if idle {
				delete(o.reg.handles, streamID)
				delete(o.reg.configs, streamID)
			}
			activeCount := len(o.reg.handles)
			o.mu.Unlock()
			if idle {
				h.process.Stop(5*time.Second, time.Second)
				o.invalidateCache()
				o.reportActiveWorkers(activeCount)
				o.logger.Info("stream idle timeout, config removed", "stream_id", streamID)
				continue
			}
			if !stillPresent {
				continue
			}
		}

		if !protected && o.opts.NoViewerTimeout > 0 {
			o.mu.Lock()
			current, stillPresent := o.reg.handles[streamID]
			noViewerExpired := stillPresent && current == h && h.viewerCount == 0 &&
				!h.noViewerSince.IsZero() && now.Sub(h.noViewerSince) >= o.opts.NoViewerTimeout
			if noViewerExpired {
				delete(o.reg.handles, streamID)
			}
			activeCount := len(o.reg.handles)
			o.mu.Unlock()
			if noViewerExpired {
				h.process.Stop(5*time.Second, time.Second)
				o.invalidateCache()
				o.reportActiveWorkers(activeCount)
				o.logger.Info("stream stopped on no-viewer timeout, config retained", "stream_id", streamID)
				continue
			}
			if !stillPresent {
				continue
			}
		}

		o.evaluateLiveness(h, now)
	}
}

// evaluateLiveness implements the restart-on-death branch of the watchdog
// state machine: reset backoff on observed health, else schedule and then
// execute a replacement spawn once the backoff deadline passes, doubling
// backoff on every restart (success or failure) up to MaxBackoff. Grounded
// on ffmpeg/manager.go's handleProcessRestart.
func (o *Orchestrator) evaluateLiveness(h *WorkerHandle, now time.Time) {
	if h.IsAlive() {
		o.mu.Lock()
		h.backoffSeconds = o.opts.InitialBackoff.Seconds()
		h.nextRestartAtMonotonic = time.Time{}
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	if h.nextRestartAtMonotonic.IsZero() {
		h.nextRestartAtMonotonic = now.Add(time.Duration(h.backoffSeconds * float64(time.Second)))
		o.mu.Unlock()
		return
	}
	ready := !now.Before(h.nextRestartAtMonotonic)
	o.mu.Unlock()
	if !ready {
		return
	}

	streamID := h.Config.StreamID
	o.mu.Lock()
	cfg, hasConfig := o.reg.configs[streamID]
	current, stillCurrent := o.reg.handles[streamID]
	o.mu.Unlock()
	if !hasConfig || !stillCurrent || current != h {
		// Handle was replaced or removed between snapshot and action;
		// nothing to restart.
		return
	}

	proc, err := o.spawner.Spawn(cfg)
	if err != nil {
		o.mu.Lock()
		prev := h.backoffSeconds
		next := h.backoffSeconds * 2
		if max := o.opts.MaxBackoff.Seconds(); next > max {
			next = max
		}
		h.backoffSeconds = next
		h.nextRestartAtMonotonic = time.Time{}
		restartCount := h.restartCount
		o.mu.Unlock()
		o.logger.Warn("watchdog restart spawn failed, rescheduling", "stream_id", streamID, "error", err, "next_backoff_seconds", next)
		if prev < o.opts.MaxBackoff.Seconds() && next >= o.opts.MaxBackoff.Seconds() && o.opts.OnRestartBudgetExhausted != nil {
			o.opts.OnRestartBudgetExhausted(streamID, restartCount)
		}
		return
	}

	o.mu.Lock()
	current, stillCurrent = o.reg.handles[streamID]
	if !stillCurrent || current != h {
		// A concurrent acquire/stop replaced or removed the handle while we
		// were spawning; abandon the replacement to avoid leaking it.
		o.mu.Unlock()
		proc.Stop(5*time.Second, time.Second)
		return
	}
	h.process = proc
	h.restartCount++
	next := h.backoffSeconds * 2
	if max := o.opts.MaxBackoff.Seconds(); next > max {
		next = max
	}
	h.backoffSeconds = next
	h.nextRestartAtMonotonic = time.Time{}
	h.lastHeartbeat = now
	o.mu.Unlock()

	o.invalidateCache()
	if o.opts.Metrics != nil {
		o.opts.Metrics.IncRestart(streamID)
	}
	o.logger.Info("watchdog restarted worker", "stream_id", streamID, "restart_count", h.restartCount)
}
