package response

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"digital.vasic.performance/internal/concurrency"
)

// OptimizerConfig configures strategy selection and execution.
type OptimizerConfig struct {
	Selection  SelectionConfig `yaml:"selection"`
	Batcher    *BatcherConfig  `yaml:"batcher"`
	MaxWorkers int             `yaml:"max_workers"`
	// MetricsWindow bounds the trailing duration window.
	MetricsWindow int `yaml:"metrics_window"`
}

// DefaultOptimizerConfig returns sensible defaults.
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		Selection: SelectionConfig{
			EnableBatching:          true,
			StreamSizeThreshold:     1 << 20, // 1 MiB
			StreamDurationThreshold: 5 * time.Second,
		},
		Batcher:       DefaultBatcherConfig(),
		MaxWorkers:    runtime.NumCPU() * 2,
		MetricsWindow: 512,
	}
}

// Result pairs one outcome with its per-item error for ProcessBatch.
type Result struct {
	Value interface{}
	Err   error
}

// Optimizer selects and runs an execution strategy per unit of work.
type Optimizer struct {
	config  *OptimizerConfig
	batcher *Batcher
	workers *concurrency.Semaphore
	metrics *Metrics
	logger  *logrus.Logger

	bgWg    sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewOptimizer creates a response optimizer with its own batcher and
// bounded worker pool.
func NewOptimizer(config *OptimizerConfig, logger *logrus.Logger) *Optimizer {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Optimizer{
		config:  config,
		batcher: NewBatcher(config.Batcher, nil, logger),
		workers: concurrency.NewSemaphore(config.MaxWorkers),
		metrics: NewMetrics(config.MetricsWindow),
		logger:  logger,
	}
}

// Workers exposes the worker semaphore so emergency handling can reduce
// concurrency.
func (o *Optimizer) Workers() *concurrency.Semaphore {
	return o.workers
}

// Process runs one unit of work under the strategy selected for it.
func (o *Optimizer) Process(ctx context.Context, req *WorkRequest, fn WorkFunc) (interface{}, error) {
	strategy := SelectStrategy(req, &o.config.Selection)
	return o.processWith(ctx, strategy, req, fn)
}

func (o *Optimizer) processWith(ctx context.Context, strategy Strategy, req *WorkRequest, fn WorkFunc) (interface{}, error) {
	tracker := newRequest(req.Priority, req.Timeout)
	tracker.start()
	defer func() {
		tracker.complete()
		o.metrics.Record(strategy, tracker.ProcessingTime())
	}()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	switch strategy {
	case StrategyCache, StrategyStream:
		// Cache fill and stream consumption happen at the caller; here
		// both reduce to direct execution under the request deadline.
		return fn(ctx)
	case StrategyBatch:
		return o.batcher.Submit(ctx, req.GroupKey, BatchItem{Payload: req, Fn: fn})
	case StrategyParallel:
		return o.runParallel(ctx, req)
	case StrategyLazy:
		value, err := fn(ctx)
		if err == nil {
			o.scheduleBackground(req)
		}
		return value, err
	default:
		return nil, fmt.Errorf("unknown strategy %d", strategy)
	}
}

// runParallel executes the request's sub-operations concurrently under the
// worker pool. Failures are captured per slot; the combined result of the
// successful slots is returned alongside an aggregated ErrSubTaskFailed so
// partial results stay usable.
func (o *Optimizer) runParallel(ctx context.Context, req *WorkRequest) (interface{}, error) {
	subs := req.SubOperations
	values := make([]interface{}, len(subs))
	errs := make([]error, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(slot int, sub SubOperation) {
			defer wg.Done()
			if err := o.workers.Acquire(ctx); err != nil {
				errs[slot] = fmt.Errorf("%w: %s: %v", ErrSubTaskFailed, sub.Name, err)
				return
			}
			defer o.workers.Release()

			value, err := sub.Fn(ctx)
			if err != nil {
				errs[slot] = fmt.Errorf("%w: %s: %v", ErrSubTaskFailed, sub.Name, err)
				return
			}
			values[slot] = value
		}(i, sub)
	}
	wg.Wait()

	var failures []string
	ok := make([]interface{}, 0, len(values))
	for i, err := range errs {
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		ok = append(ok, values[i])
	}

	combined := combineResults(ok)
	if len(failures) > 0 {
		return combined, fmt.Errorf("%w: %s", ErrSubTaskFailed, strings.Join(failures, "; "))
	}
	return combined, nil
}

// combineResults merges sub-results by type: maps union, slices
// concatenate preserving submission order, anything else comes back as the
// raw slice.
func combineResults(results []interface{}) interface{} {
	if len(results) == 0 {
		return nil
	}
	if len(results) == 1 {
		return results[0]
	}

	allMaps := true
	allSlices := true
	for _, r := range results {
		if _, ok := r.(map[string]interface{}); !ok {
			allMaps = false
		}
		if _, ok := r.([]interface{}); !ok {
			allSlices = false
		}
	}

	if allMaps {
		merged := make(map[string]interface{})
		for _, r := range results {
			for k, v := range r.(map[string]interface{}) {
				merged[k] = v
			}
		}
		return merged
	}
	if allSlices {
		var merged []interface{}
		for _, r := range results {
			merged = append(merged, r.([]interface{})...)
		}
		return merged
	}
	return results
}

// scheduleBackground runs the request's lazy parts on the worker pool.
// Errors are logged, never surfaced; the synchronous response already left.
func (o *Optimizer) scheduleBackground(req *WorkRequest) {
	o.closeMu.Lock()
	if o.closed {
		o.closeMu.Unlock()
		return
	}
	for _, fn := range req.Background {
		o.bgWg.Add(1)
		go func(fn WorkFunc) {
			defer o.bgWg.Done()
			ctx := context.Background()
			if err := o.workers.Acquire(ctx); err != nil {
				return
			}
			defer o.workers.Release()

			if _, err := fn(ctx); err != nil {
				o.logger.WithError(err).WithField("operation", req.Operation).Debug("Background part failed")
			}
		}(fn)
	}
	o.closeMu.Unlock()
}

// ProcessBatch runs a set of independent work items, concurrently when
// parallel is true, and returns per-item results in submission order.
func (o *Optimizer) ProcessBatch(ctx context.Context, reqs []*WorkRequest, fns []WorkFunc, parallel bool) ([]Result, error) {
	if len(reqs) != len(fns) {
		return nil, fmt.Errorf("got %d requests and %d work functions", len(reqs), len(fns))
	}

	results := make([]Result, len(reqs))
	if !parallel {
		for i := range reqs {
			value, err := o.Process(ctx, reqs[i], fns[i])
			results[i] = Result{Value: value, Err: err}
		}
		return results, nil
	}

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			value, err := o.Process(ctx, reqs[slot], fns[slot])
			results[slot] = Result{Value: value, Err: err}
		}(i)
	}
	wg.Wait()
	return results, nil
}

// Stats returns the optimizer's metrics snapshot.
func (o *Optimizer) Stats() MetricsSnapshot {
	return o.metrics.Snapshot()
}

// Close flushes the batcher and waits for background parts. Idempotent.
func (o *Optimizer) Close() {
	o.closeMu.Lock()
	if o.closed {
		o.closeMu.Unlock()
		return
	}
	o.closed = true
	o.closeMu.Unlock()

	o.batcher.Close()
	o.bgWg.Wait()
}
