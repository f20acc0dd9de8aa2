// Package metrics provides custom Prometheus metrics for the orchestrator
// and worker runtime.
package metrics

// Recorder abstracts metric recording so callers depend on an interface
// rather than a concrete Prometheus type, matching how the rest of this
// codebase threads a Recorder through components that need metrics without
// coupling them to a specific backend in tests.
type Recorder interface {
	// RecordOperation counts one occurrence of operation reaching status
	// (e.g. "spawn"/"success", "spawn"/"error").
	RecordOperation(operation, status string)
	// RecordDuration observes how long operation took, in seconds.
	RecordDuration(operation string, seconds float64)
	// RecordError counts one occurrence of errorType within operation.
	RecordError(operation, errorType string)
}

// NoOpRecorder discards every call. Used where a Recorder is required by a
// constructor but metrics are not wired (tests, or a deployment without
// Prometheus scraping configured).
type NoOpRecorder struct{}

func (NoOpRecorder) RecordOperation(string, string) {}
func (NoOpRecorder) RecordDuration(string, float64) {}
func (NoOpRecorder) RecordError(string, string)     {}
