package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ManagerConfig holds the tunables for the cache manager. The promotion and
// watermark defaults are starting points, not validated optima; deployments
// tune them per workload.
type ManagerConfig struct {
	MaxLocalBytes      int64         `yaml:"max_local_bytes"`
	HighWatermark      float64       `yaml:"high_watermark"`
	LowWatermark       float64       `yaml:"low_watermark"`
	PromotionMinHits   int           `yaml:"promotion_min_hits"`
	PromotionWindow    time.Duration `yaml:"promotion_window"`
	PromotionMinRate   float64       `yaml:"promotion_min_rate_per_min"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	SharedTimeout      time.Duration `yaml:"shared_timeout"`
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		MaxLocalBytes:      64 * 1024 * 1024,
		HighWatermark:      0.8,
		LowWatermark:       0.6,
		PromotionMinHits:   5,
		PromotionWindow:    time.Minute,
		PromotionMinRate:   10,
		CompactionInterval: 30 * time.Second,
		SharedTimeout:      2 * time.Second,
	}
}

// Manager orchestrates reads and writes across the local and shared tiers.
// It owns promotion and eviction policy. Tier unavailability never surfaces
// as an error from Get or Set; the affected tier is skipped and logged.
type Manager struct {
	config *ManagerConfig
	local  *LocalTier
	shared *RedisClient // nil when the shared tier is not configured
	logger *logrus.Logger

	sharedMetrics *TierMetrics

	// Shared-tier hit timestamps per key, pruned to the promotion window.
	promoMu   sync.Mutex
	promoHits map[string][]time.Time

	now func() time.Time

	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	startMu    sync.Mutex
	started    bool
}

// NewManager creates a cache manager. shared may be nil to run local-only.
func NewManager(config *ManagerConfig, shared *RedisClient, logger *logrus.Logger) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		config:        config,
		local:         NewLocalTier(config.MaxLocalBytes),
		shared:        shared,
		logger:        logger,
		sharedMetrics: NewTierMetrics(),
		promoHits:     make(map[string][]time.Time),
		now:           time.Now,
	}
}

// Start launches the background compaction loop. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	m.wg.Add(1)
	go m.compactionLoop(loopCtx)
	m.started = true
}

// Close stops the compaction loop and releases the shared client. Idempotent.
func (m *Manager) Close() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		m.loopCancel()
		m.wg.Wait()
		m.started = false
	}
	if m.shared != nil {
		return m.shared.Close()
	}
	return nil
}

// Get looks the key up tier by tier. On a hit from the shared tier it
// records the access for promotion and may copy the value into the local
// tier. A miss across all tiers returns (nil, false), never an error.
func (m *Manager) Get(ctx context.Context, key string, tiers ...Tier) (interface{}, bool) {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}

	for _, tier := range tiers {
		switch tier {
		case TierLocal:
			if value, ok := m.local.Get(key); ok {
				return value, true
			}
		case TierShared:
			if m.shared == nil {
				continue
			}
			start := m.now()
			sctx, cancel := context.WithTimeout(ctx, m.config.SharedTimeout)
			value, ok, err := m.shared.Get(sctx, key)
			cancel()
			if err != nil {
				m.logger.WithError(err).WithField("key", key).Warn("Shared tier degraded on get")
				m.sharedMetrics.Miss()
				continue
			}
			if !ok {
				m.sharedMetrics.Miss()
				continue
			}
			m.sharedMetrics.Hit(m.now().Sub(start))
			m.maybePromote(ctx, key, value)
			return value, true
		}
	}
	return nil, false
}

// maybePromote records a shared-tier hit and copies the value into the
// local tier once the key has seen enough accesses inside the rolling
// window at a high enough rate. The promoted copy keeps the remaining
// shared-tier TTL rather than getting a fresh one.
func (m *Manager) maybePromote(ctx context.Context, key string, value interface{}) {
	now := m.now()

	m.promoMu.Lock()
	hits := append(m.promoHits[key], now)
	cutoff := now.Add(-m.config.PromotionWindow)
	for len(hits) > 0 && hits[0].Before(cutoff) {
		hits = hits[1:]
	}
	m.promoHits[key] = hits
	count := len(hits)
	var span time.Duration
	if count > 1 {
		span = hits[count-1].Sub(hits[0])
	}
	m.promoMu.Unlock()

	if count < m.config.PromotionMinHits {
		return
	}
	// Zero span means every hit landed at the same instant, an unboundedly
	// high rate; only gate on rate when the hits actually spread out.
	if span > 0 {
		ratePerMin := float64(count) / span.Minutes()
		if ratePerMin <= m.config.PromotionMinRate {
			return
		}
	}

	ttl := time.Duration(0)
	if m.shared != nil {
		sctx, cancel := context.WithTimeout(ctx, m.config.SharedTimeout)
		remaining, err := m.shared.TTL(sctx, key)
		cancel()
		if err == nil {
			ttl = remaining
		}
	}

	if m.local.Set(key, value, ttl, nil) {
		m.promoMu.Lock()
		delete(m.promoHits, key)
		m.promoMu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"key":  key,
			"hits": count,
		}).Debug("Promoted entry to local tier")
	}
}

// Set writes the value into each requested tier and reports per-tier
// success. A shared-tier failure degrades that tier to false without
// affecting the others; partial success is expected behavior.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags []string, tiers ...Tier) map[Tier]bool {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}

	results := make(map[Tier]bool, len(tiers))
	for _, tier := range tiers {
		switch tier {
		case TierLocal:
			ok := m.local.Set(key, value, ttl, tags)
			if !ok {
				m.logger.WithError(ErrBudgetExceeded).WithFields(logrus.Fields{
					"key":  key,
					"tier": tier.String(),
				}).Warn("Local insertion rejected")
			}
			results[tier] = ok
		case TierShared:
			if m.shared == nil {
				results[tier] = false
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, m.config.SharedTimeout)
			err := m.shared.Set(sctx, key, value, ttl, tags)
			cancel()
			if err != nil {
				m.logger.WithError(err).WithField("key", key).Warn("Shared tier degraded on set")
			}
			results[tier] = err == nil
		}
	}
	return results
}

// Delete removes the key from every tier. Returns true if any tier held it.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	removed := m.local.Delete(key)
	if m.shared != nil {
		sctx, cancel := context.WithTimeout(ctx, m.config.SharedTimeout)
		n, err := m.shared.Delete(sctx, key)
		cancel()
		if err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Shared tier degraded on delete")
		} else if n > 0 {
			removed = true
		}
	}
	return removed
}

// InvalidateByPattern removes entries whose key matches the pattern from
// both tiers and returns the total count removed. Patterns support exactly
// one '*' wildcard (prefix*suffix); richer globs return ErrInvalidPattern.
func (m *Manager) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	if err := validatePattern(pattern); err != nil {
		return 0, err
	}

	removed := m.local.DeleteMatching(func(e *Entry) bool {
		return matchKeyPattern(pattern, e.Key)
	})

	if m.shared != nil {
		sctx, cancel := context.WithTimeout(ctx, m.config.SharedTimeout)
		n, err := m.shared.DeleteByPattern(sctx, pattern)
		cancel()
		if err != nil {
			m.logger.WithError(err).WithField("pattern", pattern).Warn("Shared tier degraded on invalidation")
		}
		removed += n
	}
	return removed, nil
}

// InvalidateByTags removes entries carrying any of the tags from both tiers
// and returns the total count removed. Keys the shared tier reports are also
// dropped locally, covering promoted copies whose tags never crossed tiers.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) int {
	removed := m.local.DeleteMatching(func(e *Entry) bool {
		return hasAnyTag(e, tags)
	})

	if m.shared != nil {
		sctx, cancel := context.WithTimeout(ctx, m.config.SharedTimeout)
		n, affected, err := m.shared.DeleteByTags(sctx, tags)
		cancel()
		if err != nil {
			m.logger.WithError(err).WithField("tags", tags).Warn("Shared tier degraded on tag invalidation")
		}
		removed += n
		for _, key := range affected {
			if m.local.Delete(key) {
				removed++
			}
		}
	}
	return removed
}

// Stats returns a per-tier metrics snapshot.
func (m *Manager) Stats() map[string]TierStats {
	stats := map[string]TierStats{
		TierLocal.String(): m.local.Metrics().Snapshot(TierLocal),
	}
	if m.shared != nil {
		stats[TierShared.String()] = m.sharedMetrics.Snapshot(TierShared)
	}
	return stats
}

// Local exposes the local tier for compaction triggers and tests.
func (m *Manager) Local() *LocalTier {
	return m.local
}

// CompactIfNeeded runs one compaction pass when local usage exceeds the
// high watermark: expired entries go first, then eviction down to the low
// watermark with the same ordering Set uses.
func (m *Manager) CompactIfNeeded() (int, int) {
	used := m.local.UsedBytes()
	high := int64(float64(m.config.MaxLocalBytes) * m.config.HighWatermark)
	if used <= high {
		return 0, 0
	}

	target := int64(float64(m.config.MaxLocalBytes) * m.config.LowWatermark)
	expired, evicted := m.local.Compact(target)
	m.logger.WithFields(logrus.Fields{
		"expired": expired,
		"evicted": evicted,
		"used":    m.local.UsedBytes(),
		"target":  target,
	}).Debug("Local tier compacted")
	return expired, evicted
}

func (m *Manager) compactionLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CompactIfNeeded()
		}
	}
}
