package response

import "time"

// Strategy is the closed set of execution strategies. SelectStrategy is the
// only producer, so switches over it can be exhaustive.
type Strategy int

const (
	// StrategyCache executes directly and marks the result for caching.
	StrategyCache Strategy = iota
	// StrategyBatch joins same-type requests into one shared execution.
	StrategyBatch
	// StrategyStream executes work expected to produce large or slow
	// output; the caller consumes the result incrementally.
	StrategyStream
	// StrategyParallel decomposes into independent sub-operations run
	// concurrently.
	StrategyParallel
	// StrategyLazy executes the essential part synchronously and defers
	// background parts.
	StrategyLazy
)

func (s Strategy) String() string {
	switch s {
	case StrategyCache:
		return "cache"
	case StrategyBatch:
		return "batch"
	case StrategyStream:
		return "stream"
	case StrategyParallel:
		return "parallel"
	case StrategyLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

// SelectionConfig holds the thresholds SelectStrategy consults.
type SelectionConfig struct {
	EnableBatching          bool          `yaml:"enable_batching"`
	StreamSizeThreshold     int64         `yaml:"stream_size_threshold"`
	StreamDurationThreshold time.Duration `yaml:"stream_duration_threshold"`
}

// SelectStrategy picks the execution strategy for a request. First match
// wins, evaluated in a fixed order: cacheable, batchable, streaming,
// parallel, lazy. Pure function; no side effects.
func SelectStrategy(req *WorkRequest, cfg *SelectionConfig) Strategy {
	if req.Cacheable() {
		return StrategyCache
	}
	if req.GroupKey != "" && cfg.EnableBatching {
		return StrategyBatch
	}
	if (cfg.StreamSizeThreshold > 0 && req.EstimatedBytes > cfg.StreamSizeThreshold) ||
		(cfg.StreamDurationThreshold > 0 && req.EstimatedDuration > cfg.StreamDurationThreshold) {
		return StrategyStream
	}
	if len(req.SubOperations) > 0 {
		return StrategyParallel
	}
	return StrategyLazy
}
