package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func setupManagerWithRedis(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	shared := NewRedisClientFromExisting(client, "perf:")

	config := DefaultManagerConfig()
	config.MaxLocalBytes = 1024 * 1024
	mgr := NewManager(config, shared, testLogger())

	t.Cleanup(func() {
		_ = mgr.Close()
		mr.Close()
	})
	return mgr, mr
}

func TestManager_SetGet_BothTiers(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	results := mgr.Set(ctx, "key1", "value1", time.Minute, nil)
	assert.True(t, results[TierLocal])
	assert.True(t, results[TierShared])

	value, found := mgr.Get(ctx, "key1")
	assert.True(t, found)
	assert.Equal(t, "value1", value)
}

func TestManager_Get_MissIsNotAnError(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)

	value, found := mgr.Get(context.Background(), "absent")
	assert.False(t, found)
	assert.Nil(t, value)
}

func TestManager_Get_FallsBackToSharedTier(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	// Present only in the shared tier.
	results := mgr.Set(ctx, "key1", "value1", time.Minute, nil, TierShared)
	require.True(t, results[TierShared])

	value, found := mgr.Get(ctx, "key1")
	assert.True(t, found)
	assert.Equal(t, "value1", value)

	stats := mgr.Stats()
	assert.Equal(t, int64(1), stats["shared"].Hits)
	assert.Equal(t, int64(1), stats["local"].Misses)
}

func TestManager_Set_PartialSuccessWhenSharedDown(t *testing.T) {
	mgr, mr := setupManagerWithRedis(t)
	ctx := context.Background()

	mr.Close()

	results := mgr.Set(ctx, "key1", "value1", time.Minute, nil)
	assert.True(t, results[TierLocal], "local tier should still accept the write")
	assert.False(t, results[TierShared], "shared tier should degrade to false")

	// The local copy still serves reads.
	value, found := mgr.Get(ctx, "key1")
	assert.True(t, found)
	assert.Equal(t, "value1", value)
}

func TestManager_Get_SharedOutageDegradesSilently(t *testing.T) {
	mgr, mr := setupManagerWithRedis(t)
	ctx := context.Background()

	mr.Close()

	value, found := mgr.Get(ctx, "anything")
	assert.False(t, found)
	assert.Nil(t, value)
}

func TestManager_Promotion(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	// Value lives only in the shared tier.
	results := mgr.Set(ctx, "hotkey", "hotvalue", time.Minute, nil, TierShared)
	require.True(t, results[TierShared])

	// Five shared-tier hits inside the rolling window at well over the
	// configured rate trip promotion.
	for i := 0; i < 5; i++ {
		value, found := mgr.Get(ctx, "hotkey")
		require.True(t, found)
		require.Equal(t, "hotvalue", value)
	}

	_, found := mgr.local.Get("hotkey")
	assert.True(t, found, "key should have been promoted to the local tier")
}

func TestManager_NoPromotionBelowThreshold(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	results := mgr.Set(ctx, "warmkey", "warmvalue", time.Minute, nil, TierShared)
	require.True(t, results[TierShared])

	for i := 0; i < 3; i++ {
		_, found := mgr.Get(ctx, "warmkey")
		require.True(t, found)
	}

	_, found := mgr.local.Get("warmkey")
	assert.False(t, found)
}

func TestManager_Promotion_SimultaneousHits(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	// Freeze time so every hit carries the same timestamp.
	clock := newFakeClock()
	mgr.now = clock.Now
	mgr.local.now = clock.Now

	results := mgr.Set(ctx, "burstkey", "burstvalue", time.Minute, nil, TierShared)
	require.True(t, results[TierShared])

	for i := 0; i < 5; i++ {
		_, found := mgr.Get(ctx, "burstkey")
		require.True(t, found)
	}

	_, found := mgr.local.Get("burstkey")
	assert.True(t, found, "hits in the same instant are the fastest rate, not a zero rate")
}

func TestManager_InvalidateByTags_DropsPromotedCopies(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	results := mgr.Set(ctx, "report:weekly", "v1", time.Minute, []string{"reports"}, TierShared)
	require.True(t, results[TierShared])

	for i := 0; i < 5; i++ {
		_, found := mgr.Get(ctx, "report:weekly")
		require.True(t, found)
	}
	_, promoted := mgr.local.Get("report:weekly")
	require.True(t, promoted, "key should have been promoted first")

	removed := mgr.InvalidateByTags(ctx, []string{"reports"})
	assert.Equal(t, 2, removed, "shared entry plus its promoted local copy")

	_, found := mgr.Get(ctx, "report:weekly")
	assert.False(t, found, "no tier serves the value after tag invalidation")
}

func TestManager_InvalidateByPattern(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	mgr.Set(ctx, "user:1:prefs", "a", time.Minute, nil)
	mgr.Set(ctx, "user:2:prefs", "b", time.Minute, nil)
	mgr.Set(ctx, "session:1", "c", time.Minute, nil)

	count, err := mgr.InvalidateByPattern(ctx, "user:*")
	require.NoError(t, err)
	// Two keys removed from each tier.
	assert.Equal(t, 4, count)

	_, found := mgr.Get(ctx, "user:1:prefs")
	assert.False(t, found)
	_, found = mgr.Get(ctx, "session:1")
	assert.True(t, found)
}

func TestManager_InvalidateByPattern_ZeroMatches(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	mgr.Set(ctx, "key1", "value1", time.Minute, nil)

	count, err := mgr.InvalidateByPattern(ctx, "nomatch:*")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// No side effects.
	_, found := mgr.Get(ctx, "key1")
	assert.True(t, found)
}

func TestManager_InvalidateByPattern_RejectsMultipleWildcards(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)

	_, err := mgr.InvalidateByPattern(context.Background(), "*both*")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestManager_InvalidateByTags(t *testing.T) {
	mgr, _ := setupManagerWithRedis(t)
	ctx := context.Background()

	mgr.Set(ctx, "a", 1, time.Minute, []string{"reports"})
	mgr.Set(ctx, "b", 2, time.Minute, []string{"reports", "daily"})
	mgr.Set(ctx, "c", 3, time.Minute, []string{"other"})

	count := mgr.InvalidateByTags(ctx, []string{"reports"})
	assert.Equal(t, 4, count)

	_, found := mgr.Get(ctx, "a")
	assert.False(t, found)
	_, found = mgr.Get(ctx, "c")
	assert.True(t, found)
}

func TestManager_UserPrefsScenario(t *testing.T) {
	mgr, mr := setupManagerWithRedis(t)
	ctx := context.Background()

	clock := newFakeClock()
	mgr.now = clock.Now
	mgr.local.now = clock.Now

	prefs := map[string]interface{}{"theme": "dark"}
	results := mgr.Set(ctx, "user:42:prefs", prefs, 60*time.Second, nil)
	require.True(t, results[TierLocal])
	require.True(t, results[TierShared])

	value, found := mgr.Get(ctx, "user:42:prefs")
	require.True(t, found)
	assert.Equal(t, prefs, value)

	// Simulated 61s advance on both clocks.
	clock.Advance(61 * time.Second)
	mr.FastForward(61 * time.Second)

	_, found = mgr.Get(ctx, "user:42:prefs")
	assert.False(t, found, "entry must miss after its TTL elapses")
}

func TestManager_CompactIfNeeded(t *testing.T) {
	config := DefaultManagerConfig()
	config.MaxLocalBytes = 2048
	mgr := NewManager(config, nil, testLogger())
	ctx := context.Background()

	// Fill past the 80% watermark.
	for i := 0; i < 40; i++ {
		mgr.Set(ctx, key(i), "0123456789012345678901234567890123456789", time.Hour, nil, TierLocal)
	}
	require.Greater(t, mgr.local.UsedBytes(), int64(float64(config.MaxLocalBytes)*config.HighWatermark))

	_, evicted := mgr.CompactIfNeeded()
	assert.Greater(t, evicted, 0)
	assert.LessOrEqual(t, mgr.local.UsedBytes(),
		int64(float64(config.MaxLocalBytes)*config.LowWatermark))
}

func TestManager_CompactIfNeeded_BelowWatermarkIsNoop(t *testing.T) {
	mgr := NewManager(nil, nil, testLogger())
	mgr.Set(context.Background(), "key1", "value1", time.Hour, nil, TierLocal)

	expired, evicted := mgr.CompactIfNeeded()
	assert.Equal(t, 0, expired)
	assert.Equal(t, 0, evicted)
}

func TestManager_StartClose_Idempotent(t *testing.T) {
	mgr := NewManager(nil, nil, testLogger())
	ctx := context.Background()

	mgr.Start(ctx)
	mgr.Start(ctx)
	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())
}

func TestManager_LocalOnly_SharedSetReportsFalse(t *testing.T) {
	mgr := NewManager(nil, nil, testLogger())

	results := mgr.Set(context.Background(), "key1", "value1", time.Minute, nil)
	assert.True(t, results[TierLocal])
	assert.False(t, results[TierShared])
}
