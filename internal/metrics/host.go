package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler periodically samples host CPU and memory utilization into a
// PrometheusRecorder, the same "tick, snapshot, log/export" shape as
// logProcessMetrics's periodic ticker loop — generalized from per-process
// metrics to whole-host resource sampling, since this system's operators
// care about capacity headroom across all workers sharing one machine.
type HostSampler struct {
	recorder *PrometheusRecorder
	interval time.Duration
	logger   *slog.Logger
}

func NewHostSampler(recorder *PrometheusRecorder, interval time.Duration, logger *slog.Logger) *HostSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HostSampler{recorder: recorder, interval: interval, logger: logger}
}

// Run samples on a ticker until ctx is cancelled.
func (h *HostSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sampleOnce(ctx)
		}
	}
}

func (h *HostSampler) sampleOnce(ctx context.Context) {
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		h.recorder.SetHostCPUPercent(pcts[0])
	} else if err != nil {
		h.logger.Debug("cpu sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.recorder.SetHostMemPercent(vm.UsedPercent)
	} else {
		h.logger.Debug("memory sample failed", "error", err)
	}
}
