package tributary

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricEntry is a single recorded engine event.
type MetricEntry struct {
	Name      string
	Value     float64
	Timestamp time.Time
}

// metricRing is a fixed-size circular buffer of recent entries.
type metricRing struct {
	mu      sync.RWMutex
	entries []MetricEntry
	size    int
	head    int
	count   int
}

func newMetricRing(size int) *metricRing {
	if size <= 0 {
		size = 1024
	}
	return &metricRing{entries: make([]MetricEntry, size), size: size}
}

func (rb *metricRing) push(e MetricEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()
}

// recent returns up to n most recent entries, newest first.
func (rb *metricRing) recent(n int) []MetricEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]MetricEntry, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		out[i] = rb.entries[idx]
	}
	return out
}

// metrics holds the engine's internal counters. Counters are atomic so
// domains update them without coordination; the ring buffer keeps a trail of
// notable events for inspection.
type metrics struct {
	writes       atomic.Int64
	staleWrites  atomic.Int64
	readHits     atomic.Int64
	readMisses   atomic.Int64
	dropped      atomic.Int64
	evictions    atomic.Int64
	replays      atomic.Int64
	replayReject atomic.Int64
	fills        atomic.Int64
	backfills    atomic.Int64
	migrations   atomic.Int64
	migFailed    atomic.Int64

	ring *metricRing
}

func newMetrics(ringSize int) *metrics {
	return &metrics{ring: newMetricRing(ringSize)}
}

func (m *metrics) event(name string, value float64) {
	m.ring.push(MetricEntry{Name: name, Value: value, Timestamp: time.Now()})
}

func (m *metrics) incWrites()      { m.writes.Add(1) }
func (m *metrics) incReadHits()    { m.readHits.Add(1) }
func (m *metrics) incReadMisses()  { m.readMisses.Add(1) }
func (m *metrics) incDropped()     { m.dropped.Add(1) }
func (m *metrics) incReplays()     { m.replays.Add(1) }
func (m *metrics) incFills()       { m.fills.Add(1) }
func (m *metrics) incBackfills()   { m.backfills.Add(1) }

func (m *metrics) incStaleWrites() {
	m.staleWrites.Add(1)
	m.event("write.stale", 1)
}

func (m *metrics) incReplaysRejected() {
	m.replayReject.Add(1)
	m.event("replay.rejected", 1)
}

func (m *metrics) addEvictions(n int) {
	m.evictions.Add(int64(n))
	m.event("state.evicted_keys", float64(n))
}

func (m *metrics) incMigrations() {
	m.migrations.Add(1)
	m.event("migration.started", 1)
}

func (m *metrics) incMigrationsFailed() {
	m.migFailed.Add(1)
	m.event("migration.failed", 1)
}

// MetricsSnapshot is a point-in-time view of the engine's counters.
type MetricsSnapshot struct {
	Writes           int64
	StaleWrites      int64
	ReadHits         int64
	ReadMisses       int64
	DroppedRecords   int64
	EvictedKeys      int64
	Replays          int64
	ReplaysRejected  int64
	Fills            int64
	Backfills        int64
	Migrations       int64
	MigrationsFailed int64
}

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Writes:           m.writes.Load(),
		StaleWrites:      m.staleWrites.Load(),
		ReadHits:         m.readHits.Load(),
		ReadMisses:       m.readMisses.Load(),
		DroppedRecords:   m.dropped.Load(),
		EvictedKeys:      m.evictions.Load(),
		Replays:          m.replays.Load(),
		ReplaysRejected:  m.replayReject.Load(),
		Fills:            m.fills.Load(),
		Backfills:        m.backfills.Load(),
		Migrations:       m.migrations.Load(),
		MigrationsFailed: m.migFailed.Load(),
	}
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.snapshot()
}

// RecentEvents returns up to n recent notable events, newest first.
func (e *Engine) RecentEvents(n int) []MetricEntry {
	return e.metrics.ring.recent(n)
}
