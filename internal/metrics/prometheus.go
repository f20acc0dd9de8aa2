package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder plus a set of domain-specific
// gauges/counters the orchestrator and worker runtime update directly
// (active worker count, restart count, queue drops, watchdog tick
// duration) — the generic Recorder trio covers ad hoc operation/duration/
// error bookkeeping, the named fields below cover the metrics that have a
// natural single time series rather than an operation/status pair.
type PrometheusRecorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	errors     *prometheus.CounterVec

	activeWorkers   prometheus.Gauge
	restartsTotal   *prometheus.CounterVec
	queueDropped    *prometheus.CounterVec
	watchdogTick    prometheus.Histogram
	hostCPUPercent  prometheus.Gauge
	hostMemPercent  prometheus.Gauge
}

// NewPrometheusRecorder registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across test runs.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "operations_total",
			Help:      "Count of operations by name and status.",
		}, []string{"operation", "status"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "errors_total",
			Help:      "Count of errors by operation and error type.",
		}, []string{"operation", "error_type"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "active_workers",
			Help:      "Number of worker processes currently registered.",
		}),
		restartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "worker_restarts_total",
			Help:      "Count of worker restarts performed by the watchdog, by stream_id.",
		}, []string{"stream_id"}),
		queueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "detection_queue_dropped_total",
			Help:      "Count of detection payloads evicted from detection_out under backpressure, by stream_id.",
		}, []string{"stream_id"}),
		watchdogTick: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "watchdog_tick_duration_seconds",
			Help:      "Duration of one watchdog evaluation pass across all registered workers.",
			Buckets:   prometheus.DefBuckets,
		}),
		hostCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilization percentage, sampled periodically.",
		}),
		hostMemPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "host_memory_percent",
			Help:      "Host memory utilization percentage, sampled periodically.",
		}),
	}
}

func (p *PrometheusRecorder) RecordOperation(operation, status string) {
	p.operations.WithLabelValues(operation, status).Inc()
}

func (p *PrometheusRecorder) RecordDuration(operation string, seconds float64) {
	p.durations.WithLabelValues(operation).Observe(seconds)
}

func (p *PrometheusRecorder) RecordError(operation, errorType string) {
	p.errors.WithLabelValues(operation, errorType).Inc()
}

// SetActiveWorkers reports the current size of the orchestrator's registry.
func (p *PrometheusRecorder) SetActiveWorkers(n int) {
	p.activeWorkers.Set(float64(n))
}

// ActiveWorkersGauge exposes the underlying gauge for assertions in tests;
// production callers should use SetActiveWorkers.
func (p *PrometheusRecorder) ActiveWorkersGauge() prometheus.Gauge {
	return p.activeWorkers
}

// IncRestart records one watchdog-initiated restart for streamID.
func (p *PrometheusRecorder) IncRestart(streamID string) {
	p.restartsTotal.WithLabelValues(streamID).Inc()
}

// AddQueueDropped records n detection_out evictions for streamID.
func (p *PrometheusRecorder) AddQueueDropped(streamID string, n float64) {
	p.queueDropped.WithLabelValues(streamID).Add(n)
}

// ObserveWatchdogTick records how long one watchdog evaluation pass took.
func (p *PrometheusRecorder) ObserveWatchdogTick(d time.Duration) {
	p.watchdogTick.Observe(d.Seconds())
}

// SetHostCPUPercent and SetHostMemPercent are updated by a HostSampler.
func (p *PrometheusRecorder) SetHostCPUPercent(pct float64) { p.hostCPUPercent.Set(pct) }
func (p *PrometheusRecorder) SetHostMemPercent(pct float64) { p.hostMemPercent.Set(pct) }
