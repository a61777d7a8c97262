package cache

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// LocalTier is the in-process cache tier. It holds entries inside a fixed
// byte budget and evicts by a combined recency/frequency score when an
// insertion would overflow the budget.
type LocalTier struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	usedBytes int64
	maxBytes  int64
	metrics   *TierMetrics
	now       func() time.Time
}

// NewLocalTier creates a local tier with the given byte budget.
func NewLocalTier(maxBytes int64) *LocalTier {
	return &LocalTier{
		entries:  make(map[string]*Entry),
		maxBytes: maxBytes,
		metrics:  NewTierMetrics(),
		now:      time.Now,
	}
}

// estimateSize approximates the serialized size of a value. The JSON length
// is used so the budget tracks what the shared tier would store for the
// same value.
func estimateSize(key string, value interface{}) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return int64(len(key)) + 64
	}
	return int64(len(key) + len(data))
}

// Get returns the value for key, or (nil, false) on miss. Expired entries
// are treated as absent and removed eagerly.
func (t *LocalTier) Get(key string) (interface{}, bool) {
	start := t.now()

	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		t.metrics.Miss()
		return nil, false
	}
	if entry.Expired(start) {
		t.removeLocked(key, entry)
		t.mu.Unlock()
		t.metrics.Miss()
		return nil, false
	}
	entry.touch(start)
	value := entry.Value
	t.mu.Unlock()

	t.metrics.Hit(t.now().Sub(start))
	return value, true
}

// Set inserts a value, evicting low-value entries if needed. It returns
// false when eviction cannot free enough space; the tier is left unchanged
// in that case.
func (t *LocalTier) Set(key string, value interface{}, ttl time.Duration, tags []string) bool {
	now := t.now()
	size := estimateSize(key, value)

	t.mu.Lock()
	defer t.mu.Unlock()

	if size > t.maxBytes {
		return false
	}

	// Replacing an entry frees its budget first.
	if old, ok := t.entries[key]; ok {
		t.removeLocked(key, old)
	}

	if t.usedBytes+size > t.maxBytes {
		t.evictLocked(t.usedBytes + size - t.maxBytes)
	}
	if t.usedBytes+size > t.maxBytes {
		return false
	}

	entry := &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		SizeBytes:    size,
		Tier:         TierLocal,
		Tags:         tags,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	t.entries[key] = entry
	t.usedBytes += size
	t.metrics.SetUsage(t.usedBytes, int64(len(t.entries)))
	return true
}

// Delete removes a key, reporting whether it was present.
func (t *LocalTier) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	t.removeLocked(key, entry)
	return true
}

// DeleteMatching removes entries whose key satisfies match and returns the
// count removed.
func (t *LocalTier) DeleteMatching(match func(*Entry) bool) int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.entries {
		if entry.Expired(now) {
			t.removeLocked(key, entry)
			continue
		}
		if match(entry) {
			t.removeLocked(key, entry)
			removed++
		}
	}
	return removed
}

// UsedBytes returns the budget currently consumed.
func (t *LocalTier) UsedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedBytes
}

// MaxBytes returns the configured byte budget.
func (t *LocalTier) MaxBytes() int64 {
	return t.maxBytes
}

// Len returns the number of resident entries, expired ones included until
// the next sweep.
func (t *LocalTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Metrics returns the tier's metrics tracker.
func (t *LocalTier) Metrics() *TierMetrics {
	return t.metrics
}

// Compact drops expired entries, then evicts down to targetBytes using the
// same ordering as Set's eviction. It returns (expired, evicted) counts.
func (t *LocalTier) Compact(targetBytes int64) (int, int) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for key, entry := range t.entries {
		if entry.Expired(now) {
			t.removeLocked(key, entry)
			expired++
		}
	}

	evicted := 0
	if t.usedBytes > targetBytes {
		evicted = t.evictLocked(t.usedBytes - targetBytes)
	}
	return expired, evicted
}

// evictLocked frees at least wantBytes by removing the lowest-value entries
// first. Value combines idle time and access frequency: rarely used entries
// that have sat idle the longest go first. Returns the number evicted.
// Caller must hold t.mu.
func (t *LocalTier) evictLocked(wantBytes int64) int {
	now := t.now()

	candidates := make([]*Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return evictionScore(candidates[i], now) > evictionScore(candidates[j], now)
	})

	freed := int64(0)
	evicted := 0
	for _, entry := range candidates {
		if freed >= wantBytes {
			break
		}
		t.removeLocked(entry.Key, entry)
		freed += entry.SizeBytes
		evicted++
	}
	if evicted > 0 {
		t.metrics.Evict(evicted)
	}
	return evicted
}

// evictionScore ranks entries for eviction: higher means evict sooner.
// Idle seconds are dampened by access count so frequently used entries
// survive longer than equally idle one-shot entries.
func evictionScore(e *Entry, now time.Time) float64 {
	idle := now.Sub(e.LastAccessed).Seconds()
	if idle < 0 {
		idle = 0
	}
	return idle / float64(1+e.AccessCount)
}

// removeLocked deletes an entry and releases its budget. Caller must hold t.mu.
func (t *LocalTier) removeLocked(key string, entry *Entry) {
	delete(t.entries, key)
	t.usedBytes -= entry.SizeBytes
	if t.usedBytes < 0 {
		t.usedBytes = 0
	}
	t.metrics.SetUsage(t.usedBytes, int64(len(t.entries)))
}

// matchKeyPattern reports whether key matches pattern. Patterns support at
// most one '*' wildcard segment (prefix*suffix); richer globs are rejected
// by validatePattern before this is called.
func matchKeyPattern(pattern, key string) bool {
	idx := strings.IndexByte(pattern, '*')
	if idx < 0 {
		return pattern == key
	}
	prefix, suffix := pattern[:idx], pattern[idx+1:]
	return len(key) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix)
}

// validatePattern rejects patterns outside the documented single-wildcard
// subset.
func validatePattern(pattern string) error {
	if strings.Count(pattern, "*") > 1 {
		return ErrInvalidPattern
	}
	return nil
}

// hasAnyTag reports whether the entry carries at least one of the tags.
func hasAnyTag(entry *Entry, tags []string) bool {
	for _, want := range tags {
		for _, have := range entry.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}
