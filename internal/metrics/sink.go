package metrics

import (
	"sync"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

// MultiSink fans a single Snapshot out to every attached
// dispatcher.MetricsSink, so the Prometheus Collector and the control
// API's in-memory SnapshotCache can both observe the same export tick
// without the dispatcher knowing about either.
type MultiSink struct {
	sinks []dispatcher.MetricsSink
}

// NewMultiSink returns a MetricsSink that forwards Observe to each of sinks
// in order.
func NewMultiSink(sinks ...dispatcher.MetricsSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Observe implements dispatcher.MetricsSink.
func (m *MultiSink) Observe(snap dispatcher.Snapshot) {
	for _, s := range m.sinks {
		s.Observe(snap)
	}
}

// SnapshotCache retains the most recent Snapshot for the control API's
// GET /v1/metrics/snapshot route, which has no other way to reach the
// dispatcher's private metrics-export state.
type SnapshotCache struct {
	mu   sync.RWMutex
	last dispatcher.Snapshot
	set  bool
}

// NewSnapshotCache returns an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{}
}

// Observe implements dispatcher.MetricsSink.
func (c *SnapshotCache) Observe(snap dispatcher.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = snap
	c.set = true
}

// Latest returns the most recently observed Snapshot and whether any
// snapshot has been observed yet.
func (c *SnapshotCache) Latest() (dispatcher.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.set
}
