package orchestrator

// registry is the plain map store of configs and handles. It holds no lock
// of its own: per spec, a single mutex (owned by Orchestrator) guards both
// maps and every mutating field of WorkerHandle, so lock scope can span a
// read-modify-write across config and handle in one critical section.
// Grounded on managerImpl's sources/processorChains maps in
// internal/audiocore/manager.go. Configs and handles are tracked
// separately because a config may outlive its handle (hot-restart path).
type registry struct {
	configs map[string]StreamConfig
	handles map[string]*WorkerHandle
}

func newRegistry() *registry {
	return &registry{
		configs: make(map[string]StreamConfig),
		handles: make(map[string]*WorkerHandle),
	}
}

// snapshotHandles returns a stable slice of the current handle pointers,
// taken while the caller holds the orchestrator's lock, so the watchdog can
// release the lock and iterate without blocking other operations for the
// whole tick (manager.go's ListSources does the equivalent for sources).
func (r *registry) snapshotHandles() []*WorkerHandle {
	out := make([]*WorkerHandle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// snapshotAll returns HandleSnapshot copies of every handle, for
// list_streams().
func (r *registry) snapshotAll() []HandleSnapshot {
	out := make([]HandleSnapshot, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, snapshot(h))
	}
	return out
}
