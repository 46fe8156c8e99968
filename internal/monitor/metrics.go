package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"broker-core/pkg/exchanges/common"
)

// Metrics tracks order round trips and stream traffic.
type Metrics struct {
	mu sync.RWMutex

	// OrderLatency is submit-to-outcome time of executor intents.
	OrderLatency *LatencyHistogram

	ticks           atomic.Uint64
	orderUpdates    atomic.Uint64
	ordersSubmitted atomic.Uint64
	ordersAccepted  atomic.Uint64
	ordersRejected  atomic.Uint64
	connects        atomic.Uint64
	disconnects     atomic.Uint64
	refreshes       atomic.Uint64

	rejectsByKind  map[common.ErrorKind]uint64
	lastDisconnect time.Time
	instruments    int
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		OrderLatency:  NewLatencyHistogram(1000),
		rejectsByKind: make(map[common.ErrorKind]uint64),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputed only after new
// samples arrive.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) recordReject(kind common.ErrorKind) {
	m.ordersRejected.Add(1)
	m.mu.Lock()
	m.rejectsByKind[kind]++
	m.mu.Unlock()
}

func (m *Metrics) recordDisconnect(at time.Time) {
	m.disconnects.Add(1)
	m.mu.Lock()
	m.lastDisconnect = at
	m.mu.Unlock()
}

func (m *Metrics) recordRefresh(count int) {
	m.refreshes.Add(1)
	m.mu.Lock()
	m.instruments = count
	m.mu.Unlock()
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	OrderLatency      LatencyStats                `json:"order_latency_ms"`
	OrdersSubmitted   uint64                      `json:"orders_submitted"`
	OrdersAccepted    uint64                      `json:"orders_accepted"`
	OrdersRejected    uint64                      `json:"orders_rejected"`
	RejectsByKind     map[common.ErrorKind]uint64 `json:"rejects_by_kind"`
	Ticks             uint64                      `json:"ticks"`
	OrderUpdates      uint64                      `json:"order_updates"`
	StreamConnects    uint64                      `json:"stream_connects"`
	StreamDisconnects uint64                      `json:"stream_disconnects"`
	LastDisconnect    time.Time                   `json:"last_disconnect,omitempty"`
	InstrumentRefresh uint64                      `json:"instrument_refreshes"`
	InstrumentsLoaded int                         `json:"instruments_loaded"`
	GoroutineCount    int                         `json:"goroutine_count"`
	HeapAlloc         uint64                      `json:"heap_alloc_bytes"`
	Timestamp         time.Time                   `json:"timestamp"`
}

// Snapshot returns current counters and runtime figures.
func (m *Metrics) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	kinds := make(map[common.ErrorKind]uint64, len(m.rejectsByKind))
	for k, v := range m.rejectsByKind {
		kinds[k] = v
	}
	lastDisconnect := m.lastDisconnect
	instruments := m.instruments
	m.mu.RUnlock()

	return Snapshot{
		OrderLatency:      m.OrderLatency.Stats(),
		OrdersSubmitted:   m.ordersSubmitted.Load(),
		OrdersAccepted:    m.ordersAccepted.Load(),
		OrdersRejected:    m.ordersRejected.Load(),
		RejectsByKind:     kinds,
		Ticks:             m.ticks.Load(),
		OrderUpdates:      m.orderUpdates.Load(),
		StreamConnects:    m.connects.Load(),
		StreamDisconnects: m.disconnects.Load(),
		LastDisconnect:    lastDisconnect,
		InstrumentRefresh: m.refreshes.Load(),
		InstrumentsLoaded: instruments,
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		Timestamp:         time.Now(),
	}
}
