package cache

import (
	"sync/atomic"
	"time"
)

// Tier identifies one layer of the cache hierarchy.
type Tier int

const (
	// TierLocal is the in-process, byte-budgeted tier.
	TierLocal Tier = iota
	// TierShared is the networked Redis tier.
	TierShared
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierShared:
		return "shared"
	default:
		return "unknown"
	}
}

// DefaultTiers is the lookup order used when callers do not name tiers.
var DefaultTiers = []Tier{TierLocal, TierShared}

// Entry is a cached item together with its bookkeeping metadata.
type Entry struct {
	Key          string      `json:"key"`
	Value        interface{} `json:"value"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"` // zero value means never
	AccessCount  int64       `json:"access_count"`
	LastAccessed time.Time   `json:"last_accessed"`
	SizeBytes    int64       `json:"size_bytes"`
	Tier         Tier        `json:"tier"`
	Tags         []string    `json:"tags,omitempty"`
}

// Expired reports whether the entry is past its TTL at the given instant.
// Entries with a zero ExpiresAt never expire.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// touch updates access metadata on a hit.
func (e *Entry) touch(now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

// TierMetrics tracks per-tier counters. All mutation is atomic so hot paths
// never take a lock just to count.
type TierMetrics struct {
	hits          int64
	misses        int64
	evictions     int64
	memoryUsage   int64
	entries       int64
	totalAccessUs int64
	accessCount   int64
}

// NewTierMetrics creates an empty metrics tracker.
func NewTierMetrics() *TierMetrics {
	return &TierMetrics{}
}

// Hit records a cache hit with its access latency.
func (m *TierMetrics) Hit(latency time.Duration) {
	atomic.AddInt64(&m.hits, 1)
	atomic.AddInt64(&m.totalAccessUs, latency.Microseconds())
	atomic.AddInt64(&m.accessCount, 1)
}

// Miss records a cache miss.
func (m *TierMetrics) Miss() {
	atomic.AddInt64(&m.misses, 1)
}

// Evict records n evicted entries.
func (m *TierMetrics) Evict(n int) {
	atomic.AddInt64(&m.evictions, int64(n))
}

// SetUsage records current memory usage and entry count.
func (m *TierMetrics) SetUsage(bytes, entries int64) {
	atomic.StoreInt64(&m.memoryUsage, bytes)
	atomic.StoreInt64(&m.entries, entries)
}

// TierStats is an immutable snapshot of tier metrics.
type TierStats struct {
	Tier            string  `json:"tier"`
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	Evictions       int64   `json:"evictions"`
	MemoryUsageBytes int64  `json:"memory_usage_bytes"`
	EntriesCount    int64   `json:"entries_count"`
	AvgAccessTimeMs float64 `json:"avg_access_time_ms"`
	HitRate         float64 `json:"hit_rate"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *TierMetrics) Snapshot(tier Tier) TierStats {
	hits := atomic.LoadInt64(&m.hits)
	misses := atomic.LoadInt64(&m.misses)

	stats := TierStats{
		Tier:             tier.String(),
		Hits:             hits,
		Misses:           misses,
		Evictions:        atomic.LoadInt64(&m.evictions),
		MemoryUsageBytes: atomic.LoadInt64(&m.memoryUsage),
		EntriesCount:     atomic.LoadInt64(&m.entries),
	}

	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if count := atomic.LoadInt64(&m.accessCount); count > 0 {
		stats.AvgAccessTimeMs = float64(atomic.LoadInt64(&m.totalAccessUs)) / float64(count) / 1000
	}
	return stats
}
