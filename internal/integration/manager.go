package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"digital.vasic.performance/internal/cache"
	"digital.vasic.performance/internal/concurrency"
	"digital.vasic.performance/internal/resource"
	"digital.vasic.performance/internal/response"
)

// ManagerConfig configures how the subsystems are coordinated.
type ManagerConfig struct {
	// CoordinationInterval is how often cross-subsystem pressure checks run.
	CoordinationInterval time.Duration `yaml:"coordination_interval"`
	// DefaultCacheTTL applies to cache fills without an explicit TTL.
	DefaultCacheTTL time.Duration `yaml:"default_cache_ttl"`
	// LowValuePatterns are invalidated first under memory pressure, in order.
	LowValuePatterns []string `yaml:"low_value_patterns"`
	// ThrottleRate, when set, bounds executions per second at all times.
	// Zero disables the static limiter.
	ThrottleRate int `yaml:"throttle_rate"`
	// EmergencyThrottleRate bounds executions per second while a CPU
	// emergency is in effect. Zero disables emergency throttling.
	EmergencyThrottleRate int `yaml:"emergency_throttle_rate"`
	// EmergencyWorkerFraction scales the response worker pool during a CPU
	// emergency, e.g. 0.5 halves it.
	EmergencyWorkerFraction float64 `yaml:"emergency_worker_fraction"`
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		CoordinationInterval:    15 * time.Second,
		DefaultCacheTTL:         5 * time.Minute,
		LowValuePatterns:        []string{"tmp:*", "derived:*"},
		EmergencyThrottleRate:   100,
		EmergencyWorkerFraction: 0.5,
	}
}

// Manager wires the cache, resource, and response subsystems together and
// owns their lifecycles.
type Manager struct {
	config    *ManagerConfig
	cache     *cache.Manager
	resources *resource.Optimizer
	responses *response.Optimizer
	logger    *logrus.Logger

	limiter          *concurrency.RateLimiter
	emergencyLimiter *concurrency.RateLimiter
	throttling       atomic.Bool

	executions atomic.Int64
	cacheHits  atomic.Int64
	cacheMiss  atomic.Int64
	failures   atomic.Int64

	startMu  sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	baseWork int
}

// NewManager assembles the subsystems. All three subsystem arguments are
// required; the manager starts and stops them as a unit.
func NewManager(config *ManagerConfig, cacheMgr *cache.Manager, resources *resource.Optimizer, responses *response.Optimizer, logger *logrus.Logger) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		config:    config,
		cache:     cacheMgr,
		resources: resources,
		responses: responses,
		logger:    logger,
		baseWork:  responses.Workers().Cap(),
	}
	if config.ThrottleRate > 0 {
		m.limiter = concurrency.NewRateLimiter(config.ThrottleRate)
	}
	if config.EmergencyThrottleRate > 0 {
		m.emergencyLimiter = concurrency.NewRateLimiter(config.EmergencyThrottleRate)
	}
	m.registerEmergencyHandlers()
	return m
}

// Start launches the subsystem loops and the coordination loop. Calling it
// again while running is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.cache.Start(runCtx)
	m.resources.Start(runCtx)

	m.wg.Add(1)
	go m.coordinationLoop(runCtx)

	m.logger.Info("Performance engine started")
}

// Shutdown stops all loops and releases subsystem resources. Safe to call
// more than once.
func (m *Manager) Shutdown() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	m.cancel()
	m.wg.Wait()

	m.resources.Stop()
	m.responses.Close()
	if m.limiter != nil {
		m.limiter.Stop()
	}
	if m.emergencyLimiter != nil {
		m.emergencyLimiter.Stop()
	}
	err := m.cache.Close()

	m.logger.Info("Performance engine stopped")
	return err
}

// OptimizedExecute runs one unit of work through the full path: cache check,
// strategy-selected execution, cache fill, metrics.
func (m *Manager) OptimizedExecute(ctx context.Context, req *response.WorkRequest, fn response.WorkFunc) (interface{}, error) {
	m.executions.Add(1)

	if m.limiter != nil {
		if err := m.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("throttled: %w", err)
		}
	}
	if m.throttling.Load() && m.emergencyLimiter != nil {
		if err := m.emergencyLimiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("throttled: %w", err)
		}
	}

	key := ""
	if req.Cacheable() {
		key = executionKey(req.Operation, req.Params)
		if value, ok := m.cache.Get(ctx, key); ok {
			m.cacheHits.Add(1)
			return value, nil
		}
		m.cacheMiss.Add(1)
	}

	value, err := m.responses.Process(ctx, req, fn)
	if err != nil {
		m.failures.Add(1)
		return value, err
	}

	if key != "" && value != nil {
		outcome := m.cache.Set(ctx, key, value, m.config.DefaultCacheTTL, req.Tags)
		if !outcome[cache.TierLocal] && !outcome[cache.TierShared] {
			m.logger.WithField("operation", req.Operation).Debug("Cache fill skipped by both tiers")
		}
	}
	return value, nil
}

// InvalidateCache removes entries matching the pattern from every tier.
func (m *Manager) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	return m.cache.InvalidateByPattern(ctx, pattern)
}

// InvalidateCacheByTags removes entries carrying any of the tags.
func (m *Manager) InvalidateCacheByTags(ctx context.Context, tags []string) int {
	return m.cache.InvalidateByTags(ctx, tags)
}

// PerformanceStats aggregates the state of all subsystems.
type PerformanceStats struct {
	Executions  int64                      `json:"executions"`
	CacheHits   int64                      `json:"cache_hits"`
	CacheMisses int64                      `json:"cache_misses"`
	Failures    int64                      `json:"failures"`
	Cache       map[string]cache.TierStats `json:"cache"`
	Resources   *resource.Stats            `json:"resources"`
	Responses   response.MetricsSnapshot   `json:"responses"`
}

// Stats returns a point-in-time aggregate across subsystems.
func (m *Manager) Stats() *PerformanceStats {
	return &PerformanceStats{
		Executions:  m.executions.Load(),
		CacheHits:   m.cacheHits.Load(),
		CacheMisses: m.cacheMiss.Load(),
		Failures:    m.failures.Load(),
		Cache:       m.cache.Stats(),
		Resources:   m.resources.GetStats(),
		Responses:   m.responses.Stats(),
	}
}

// coordinationLoop reacts to resource pressure by shedding cache weight and
// restoring concurrency once pressure clears.
func (m *Manager) coordinationLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CoordinationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.coordinate(ctx)
		}
	}
}

func (m *Manager) coordinate(ctx context.Context) {
	memState := m.resources.StateFor(resource.TypeMemory)
	if memState != resource.StateNormal {
		m.shedCache(ctx, memState)
	}

	// Restore the worker pool and lift the intake throttle once CPU
	// pressure is back to normal.
	if m.resources.StateFor(resource.TypeCPU) == resource.StateNormal {
		if m.responses.Workers().Cap() < m.baseWork {
			m.responses.Workers().Resize(m.baseWork)
			m.logger.WithField("workers", m.baseWork).Info("Restored worker pool")
		}
		if m.throttling.Swap(false) {
			m.logger.Info("Lifted emergency throttle")
		}
	}
}

// shedCache invalidates low-value entries and compacts the local tier.
func (m *Manager) shedCache(ctx context.Context, state resource.State) {
	removed := 0
	for _, pattern := range m.config.LowValuePatterns {
		n, err := m.cache.InvalidateByPattern(ctx, pattern)
		if err != nil {
			m.logger.WithError(err).WithField("pattern", pattern).Warn("Pressure invalidation failed")
			continue
		}
		removed += n
	}
	expired, evicted := m.cache.CompactIfNeeded()

	m.logger.WithFields(logrus.Fields{
		"state":       state.String(),
		"invalidated": removed,
		"expired":     expired,
		"evicted":     evicted,
	}).Info("Shed cache weight under memory pressure")
}

// registerEmergencyHandlers wires resource emergencies to immediate relief:
// memory reclaims cache, CPU shrinks the response worker pool.
func (m *Manager) registerEmergencyHandlers() {
	m.resources.OnEmergency(func(ctx context.Context, t resource.Type, snapshot *resource.Snapshot) {
		switch t {
		case resource.TypeMemory:
			for _, pattern := range m.config.LowValuePatterns {
				if _, err := m.cache.InvalidateByPattern(ctx, pattern); err != nil {
					m.logger.WithError(err).Warn("Emergency invalidation failed")
				}
			}
			expired, evicted := m.cache.CompactIfNeeded()
			m.logger.WithFields(logrus.Fields{
				"memory_percent": snapshot.MemoryPercent,
				"expired":        expired,
				"evicted":        evicted,
			}).Warn("Memory emergency: reclaimed cache")
		case resource.TypeCPU:
			reduced := int(float64(m.baseWork) * m.config.EmergencyWorkerFraction)
			m.responses.Workers().Resize(reduced)
			m.throttling.Store(true)
			m.logger.WithFields(logrus.Fields{
				"cpu_percent":   snapshot.CPUPercent,
				"workers":       reduced,
				"throttle_rate": m.config.EmergencyThrottleRate,
			}).Warn("CPU emergency: reduced worker pool and throttled intake")
		}
	})
}

// executionKey derives a stable cache key from the operation name and its
// parameters. JSON marshaling sorts map keys and delimits every key and
// value, so equal inputs always hash the same and adjacent fields can never
// run together.
func executionKey(operation string, params map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	if raw, err := json.Marshal(params); err == nil {
		h.Write(raw)
	}
	return "exec:" + operation + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}
