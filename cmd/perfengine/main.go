package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"digital.vasic.performance/internal/cache"
	"digital.vasic.performance/internal/config"
	"digital.vasic.performance/internal/integration"
	"digital.vasic.performance/internal/resource"
	"digital.vasic.performance/internal/response"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	manager, err := buildEngine(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to assemble performance engine")
	}

	ctx := context.Background()
	manager.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	if err := manager.Shutdown(); err != nil {
		logger.WithError(err).Warn("Shutdown finished with errors")
	}
}

func buildEngine(cfg *config.Config, logger *logrus.Logger) (*integration.Manager, error) {
	var shared *cache.RedisClient
	if addr := cfg.Redis.Addr(); addr != "" {
		shared = cache.NewRedisClient(&cache.RedisOptions{
			Addr:      addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err := shared.Ping(context.Background()); err != nil {
			logger.WithError(err).Warn("Shared cache tier unreachable, continuing degraded")
		}
		logger.WithField("addr", addr).Info("Shared cache tier enabled")
	} else {
		logger.Info("Shared cache tier disabled, running local-only")
	}

	cacheCfg := cache.DefaultManagerConfig()
	cacheCfg.MaxLocalBytes = cfg.Cache.MaxLocalBytes
	cacheCfg.HighWatermark = cfg.Cache.HighWatermark
	cacheCfg.LowWatermark = cfg.Cache.LowWatermark
	cacheCfg.PromotionMinHits = cfg.Cache.PromotionMinHits
	cacheCfg.PromotionWindow = cfg.Cache.PromotionWindow
	cacheCfg.PromotionMinRate = cfg.Cache.PromotionMinRate
	cacheCfg.CompactionInterval = cfg.Cache.CompactionInterval
	cacheCfg.SharedTimeout = cfg.Cache.SharedTimeout
	cacheMgr := cache.NewManager(cacheCfg, shared, logger)

	resCfg := resource.DefaultOptimizerConfig()
	resCfg.MonitorInterval = cfg.Resource.MonitorInterval
	resCfg.OptimizeInterval = cfg.Resource.OptimizeInterval
	resCfg.HistoryRetention = cfg.Resource.HistoryRetention
	resCfg.ScaleDownWindow = cfg.Resource.ScaleDownWindow
	resCfg.EmergencyCooldown = cfg.Resource.EmergencyCooldown
	resources := resource.NewOptimizer(resCfg, resource.NewSystemCollector("/", 0), logger)
	if err := resources.UpdateLimits(resource.TypeCPU, cfg.Resource.CPUSoftPercent, cfg.Resource.CPUHardPercent, cfg.Resource.CPUSoftPercent-5); err != nil {
		return nil, err
	}
	if err := resources.UpdateLimits(resource.TypeMemory, cfg.Resource.MemorySoftPercent, cfg.Resource.MemoryHardPercent, cfg.Resource.MemorySoftPercent-5); err != nil {
		return nil, err
	}

	respCfg := response.DefaultOptimizerConfig()
	respCfg.Selection.EnableBatching = cfg.Response.EnableBatching
	respCfg.Selection.StreamSizeThreshold = cfg.Response.StreamSizeThreshold
	respCfg.Selection.StreamDurationThreshold = cfg.Response.StreamDurationThreshold
	respCfg.Batcher.MaxSize = cfg.Response.BatchMaxSize
	respCfg.Batcher.MaxWait = cfg.Response.BatchMaxWait
	if cfg.Response.MaxWorkers > 0 {
		respCfg.MaxWorkers = cfg.Response.MaxWorkers
	}
	responses := response.NewOptimizer(respCfg, logger)

	intCfg := integration.DefaultManagerConfig()
	intCfg.CoordinationInterval = cfg.Integration.CoordinationInterval
	intCfg.DefaultCacheTTL = cfg.Integration.DefaultCacheTTL
	intCfg.LowValuePatterns = cfg.Integration.LowValuePatterns
	intCfg.ThrottleRate = cfg.Integration.ThrottleRate
	intCfg.EmergencyThrottleRate = cfg.Integration.EmergencyThrottleRate

	return integration.NewManager(intCfg, cacheMgr, resources, responses, logger), nil
}
