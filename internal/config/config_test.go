package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Empty(t, cfg.Redis.Host, "shared tier defaults to disabled")
	assert.Empty(t, cfg.Redis.Addr())
	assert.Equal(t, int64(64<<20), cfg.Cache.MaxLocalBytes)
	assert.Equal(t, 0.8, cfg.Cache.HighWatermark)
	assert.Equal(t, 5*time.Second, cfg.Resource.MonitorInterval)
	assert.True(t, cfg.Response.EnableBatching)
	assert.Equal(t, []string{"tmp:*", "derived:*"}, cfg.Integration.LowValuePatterns)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("CACHE_MAX_LOCAL_BYTES", "1048576")
	t.Setenv("CACHE_HIGH_WATERMARK", "0.9")
	t.Setenv("RESOURCE_MONITOR_INTERVAL", "250ms")
	t.Setenv("RESPONSE_ENABLE_BATCHING", "false")
	t.Setenv("LOW_VALUE_PATTERNS", "scratch:*, preview:*")

	cfg := Load()
	assert.Equal(t, "cache.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, int64(1<<20), cfg.Cache.MaxLocalBytes)
	assert.Equal(t, 0.9, cfg.Cache.HighWatermark)
	assert.Equal(t, 250*time.Millisecond, cfg.Resource.MonitorInterval)
	assert.False(t, cfg.Response.EnableBatching)
	assert.Equal(t, []string{"scratch:*", "preview:*"}, cfg.Integration.LowValuePatterns)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("CACHE_MAX_LOCAL_BYTES", "lots")
	t.Setenv("RESOURCE_MONITOR_INTERVAL", "soon")
	t.Setenv("RESPONSE_ENABLE_BATCHING", "yep")

	cfg := Load()
	assert.Equal(t, int64(64<<20), cfg.Cache.MaxLocalBytes)
	assert.Equal(t, 5*time.Second, cfg.Resource.MonitorInterval)
	assert.True(t, cfg.Response.EnableBatching)
}
