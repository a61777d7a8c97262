package response

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks request counters and a bounded trailing window of
// durations for rolling average and approximate p95.
type Metrics struct {
	total    atomic.Int64
	parallel atomic.Int64
	batched  atomic.Int64
	cached   atomic.Int64
	streamed atomic.Int64
	lazy     atomic.Int64

	mu        sync.Mutex
	durations []time.Duration
	window    int
	startedAt time.Time
}

// NewMetrics creates a metrics tracker keeping the last window durations.
func NewMetrics(window int) *Metrics {
	if window <= 0 {
		window = 512
	}
	return &Metrics{
		durations: make([]time.Duration, 0, window),
		window:    window,
		startedAt: time.Now(),
	}
}

// Record counts one completed request under its strategy.
func (m *Metrics) Record(strategy Strategy, duration time.Duration) {
	m.total.Add(1)
	switch strategy {
	case StrategyCache:
		m.cached.Add(1)
	case StrategyBatch:
		m.batched.Add(1)
	case StrategyStream:
		m.streamed.Add(1)
	case StrategyParallel:
		m.parallel.Add(1)
	case StrategyLazy:
		m.lazy.Add(1)
	}

	m.mu.Lock()
	m.durations = append(m.durations, duration)
	if len(m.durations) > m.window {
		m.durations = m.durations[len(m.durations)-m.window:]
	}
	m.mu.Unlock()
}

// MetricsSnapshot is an immutable view for callers.
type MetricsSnapshot struct {
	TotalRequests    int64         `json:"total_requests"`
	ParallelRequests int64         `json:"parallel_requests"`
	BatchedRequests  int64         `json:"batched_requests"`
	CachedRequests   int64         `json:"cached_requests"`
	StreamedRequests int64         `json:"streamed_requests"`
	LazyRequests     int64         `json:"lazy_requests"`
	AvgResponseTime  time.Duration `json:"avg_response_time"`
	P95ResponseTime  time.Duration `json:"p95_response_time"`
	ThroughputPerSec float64       `json:"throughput_per_sec"`
}

// Snapshot computes the rolling average and the sorted-window p95 over the
// trailing durations.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TotalRequests:    m.total.Load(),
		ParallelRequests: m.parallel.Load(),
		BatchedRequests:  m.batched.Load(),
		CachedRequests:   m.cached.Load(),
		StreamedRequests: m.streamed.Load(),
		LazyRequests:     m.lazy.Load(),
	}

	m.mu.Lock()
	window := make([]time.Duration, len(m.durations))
	copy(window, m.durations)
	started := m.startedAt
	m.mu.Unlock()

	if len(window) > 0 {
		var sum time.Duration
		for _, d := range window {
			sum += d
		}
		snap.AvgResponseTime = sum / time.Duration(len(window))

		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
		idx := int(float64(len(window)-1) * 0.95)
		snap.P95ResponseTime = window[idx]
	}

	if elapsed := time.Since(started).Seconds(); elapsed > 0 {
		snap.ThroughputPerSec = float64(snap.TotalRequests) / elapsed
	}
	return snap
}
