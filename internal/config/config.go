package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full engine configuration, loaded from the environment
// with sensible defaults for local development.
type Config struct {
	Redis       RedisConfig
	Cache       CacheConfig
	Resource    ResourceConfig
	Response    ResponseConfig
	Integration IntegrationConfig
	LogLevel    string
}

// RedisConfig configures the shared cache tier. Leaving Host empty runs the
// engine local-only.
type RedisConfig struct {
	Host      string
	Port      string
	Password  string
	DB        int
	KeyPrefix string
}

// Addr returns host:port, or empty when the shared tier is disabled.
func (r *RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

// CacheConfig tunes the local tier and promotion behavior.
type CacheConfig struct {
	MaxLocalBytes      int64
	HighWatermark      float64
	LowWatermark       float64
	PromotionMinHits   int
	PromotionWindow    time.Duration
	PromotionMinRate   float64
	CompactionInterval time.Duration
	SharedTimeout      time.Duration
}

// ResourceConfig tunes monitoring cadence and thresholds.
type ResourceConfig struct {
	MonitorInterval   time.Duration
	OptimizeInterval  time.Duration
	HistoryRetention  time.Duration
	ScaleDownWindow   int
	EmergencyCooldown time.Duration
	CPUSoftPercent    float64
	CPUHardPercent    float64
	MemorySoftPercent float64
	MemoryHardPercent float64
}

// ResponseConfig tunes strategy selection and execution.
type ResponseConfig struct {
	EnableBatching          bool
	BatchMaxSize            int
	BatchMaxWait            time.Duration
	StreamSizeThreshold     int64
	StreamDurationThreshold time.Duration
	MaxWorkers              int
}

// IntegrationConfig tunes cross-subsystem coordination.
type IntegrationConfig struct {
	CoordinationInterval  time.Duration
	DefaultCacheTTL       time.Duration
	LowValuePatterns      []string
	ThrottleRate          int
	EmergencyThrottleRate int
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", ""),
			Port:      getEnv("REDIS_PORT", "6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "perf:"),
		},
		Cache: CacheConfig{
			MaxLocalBytes:      int64(getEnvInt("CACHE_MAX_LOCAL_BYTES", 64<<20)),
			HighWatermark:      getEnvFloat("CACHE_HIGH_WATERMARK", 0.8),
			LowWatermark:       getEnvFloat("CACHE_LOW_WATERMARK", 0.6),
			PromotionMinHits:   getEnvInt("CACHE_PROMOTION_MIN_HITS", 5),
			PromotionWindow:    getEnvDuration("CACHE_PROMOTION_WINDOW", time.Minute),
			PromotionMinRate:   getEnvFloat("CACHE_PROMOTION_MIN_RATE", 10),
			CompactionInterval: getEnvDuration("CACHE_COMPACTION_INTERVAL", 30*time.Second),
			SharedTimeout:      getEnvDuration("CACHE_SHARED_TIMEOUT", 2*time.Second),
		},
		Resource: ResourceConfig{
			MonitorInterval:   getEnvDuration("RESOURCE_MONITOR_INTERVAL", 5*time.Second),
			OptimizeInterval:  getEnvDuration("RESOURCE_OPTIMIZE_INTERVAL", 30*time.Second),
			HistoryRetention:  getEnvDuration("RESOURCE_HISTORY_RETENTION", 24*time.Hour),
			ScaleDownWindow:   getEnvInt("RESOURCE_SCALE_DOWN_WINDOW", 6),
			EmergencyCooldown: getEnvDuration("RESOURCE_EMERGENCY_COOLDOWN", time.Minute),
			CPUSoftPercent:    getEnvFloat("RESOURCE_CPU_SOFT_PERCENT", 75),
			CPUHardPercent:    getEnvFloat("RESOURCE_CPU_HARD_PERCENT", 90),
			MemorySoftPercent: getEnvFloat("RESOURCE_MEMORY_SOFT_PERCENT", 75),
			MemoryHardPercent: getEnvFloat("RESOURCE_MEMORY_HARD_PERCENT", 90),
		},
		Response: ResponseConfig{
			EnableBatching:          getEnvBool("RESPONSE_ENABLE_BATCHING", true),
			BatchMaxSize:            getEnvInt("RESPONSE_BATCH_MAX_SIZE", 16),
			BatchMaxWait:            getEnvDuration("RESPONSE_BATCH_MAX_WAIT", 100*time.Millisecond),
			StreamSizeThreshold:     int64(getEnvInt("RESPONSE_STREAM_SIZE_THRESHOLD", 1<<20)),
			StreamDurationThreshold: getEnvDuration("RESPONSE_STREAM_DURATION_THRESHOLD", 5*time.Second),
			MaxWorkers:              getEnvInt("RESPONSE_MAX_WORKERS", 0),
		},
		Integration: IntegrationConfig{
			CoordinationInterval:  getEnvDuration("COORDINATION_INTERVAL", 15*time.Second),
			DefaultCacheTTL:       getEnvDuration("DEFAULT_CACHE_TTL", 5*time.Minute),
			LowValuePatterns:      getEnvSlice("LOW_VALUE_PATTERNS", []string{"tmp:*", "derived:*"}),
			ThrottleRate:          getEnvInt("THROTTLE_RATE", 0),
			EmergencyThrottleRate: getEnvInt("EMERGENCY_THROTTLE_RATE", 100),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
