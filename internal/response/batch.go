package response

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BatchItem is one member's payload and work function.
type BatchItem struct {
	Payload interface{}
	Fn      WorkFunc
}

// BatchHandler processes a closed batch in one shot, returning one result
// per member in submission order. A handler error fails every member.
type BatchHandler func(ctx context.Context, items []BatchItem) ([]interface{}, error)

// BatcherConfig holds batching limits.
type BatcherConfig struct {
	MaxSize       int           `yaml:"max_size"`
	MaxWait       time.Duration `yaml:"max_wait"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
}

// DefaultBatcherConfig returns sensible defaults.
func DefaultBatcherConfig() *BatcherConfig {
	return &BatcherConfig{
		MaxSize:       16,
		MaxWait:       100 * time.Millisecond,
		SubmitTimeout: 10 * time.Second,
	}
}

type memberResult struct {
	value interface{}
	err   error
}

type batchMember struct {
	item BatchItem
	// Buffered so dispatch never blocks on a member that timed out and
	// walked away.
	result chan memberResult
	// Set when the waiter gave up; dispatch skips departed members.
	departed atomic.Bool
}

type batch struct {
	id        string
	kind      string
	members   []*batchMember
	createdAt time.Time
	timer     *time.Timer
	closed    bool
}

// Batcher groups same-type requests into shared executions. A batch closes
// at MaxSize members or MaxWait after creation, whichever comes first, and
// accepts no members after closing.
type Batcher struct {
	config  *BatcherConfig
	logger  *logrus.Logger
	handler BatchHandler

	mu     sync.Mutex
	open   map[string]*batch
	closed bool

	wg sync.WaitGroup

	dispatched int64
}

// NewBatcher creates a batcher. handler may be nil, in which case each
// member's own work function runs in submission order; the first failure
// aborts the batch and fails every member uniformly.
func NewBatcher(config *BatcherConfig, handler BatchHandler, logger *logrus.Logger) *Batcher {
	if config == nil {
		config = DefaultBatcherConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	b := &Batcher{
		config:  config,
		logger:  logger,
		handler: handler,
		open:    make(map[string]*batch),
	}
	if b.handler == nil {
		b.handler = runMembersSequentially
	}
	return b
}

// runMembersSequentially is the default handler: it executes each member's
// function in order and treats the first error as a batch-level failure.
func runMembersSequentially(ctx context.Context, items []BatchItem) ([]interface{}, error) {
	results := make([]interface{}, len(items))
	for i, item := range items {
		value, err := item.Fn(ctx)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		results[i] = value
	}
	return results, nil
}

// Submit joins the open batch for kind (creating one if needed) and blocks
// until the batch result arrives or the caller's deadline passes. A
// deadline produces ErrBatchTimeout, never a generic error, and releases
// the membership: the member leaves the still-open batch, no longer counts
// toward MaxSize, and its work function does not run at dispatch.
func (b *Batcher) Submit(ctx context.Context, kind string, item BatchItem) (interface{}, error) {
	member := &batchMember{
		item:   item,
		result: make(chan memberResult, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBatchClosed
	}

	current, ok := b.open[kind]
	if !ok {
		current = &batch{
			id:        uuid.NewString(),
			kind:      kind,
			createdAt: time.Now(),
		}
		b.open[kind] = current
		closing := current
		closing.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.closeBatch(kind, closing)
		})
	}
	current.members = append(current.members, member)
	if len(current.members) >= b.config.MaxSize {
		b.closeBatchLocked(kind, current)
	}
	b.mu.Unlock()

	timeout := b.config.SubmitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-member.result:
		return res.value, res.err
	case <-ctx.Done():
		b.abandon(current, member)
		return nil, fmt.Errorf("%w: %v", ErrBatchTimeout, ctx.Err())
	case <-timer.C:
		b.abandon(current, member)
		return nil, ErrBatchTimeout
	}
}

// abandon releases a timed-out member's bookkeeping. If the batch is still
// open the member is removed outright; if it already closed, the departed
// flag makes dispatch skip it.
func (b *Batcher) abandon(target *batch, member *batchMember) {
	b.mu.Lock()
	defer b.mu.Unlock()

	member.departed.Store(true)
	if target.closed {
		return
	}
	for i, m := range target.members {
		if m == member {
			target.members = append(target.members[:i], target.members[i+1:]...)
			return
		}
	}
}

// closeBatch closes and dispatches if the batch is still open. Invoked by
// the max-wait timer.
func (b *Batcher) closeBatch(kind string, target *batch) {
	b.mu.Lock()
	if target.closed {
		b.mu.Unlock()
		return
	}
	b.closeBatchLocked(kind, target)
	b.mu.Unlock()
}

// closeBatchLocked marks the batch closed, removes it from the open set,
// and hands it to a dispatch goroutine. Caller must hold b.mu.
func (b *Batcher) closeBatchLocked(kind string, target *batch) {
	if target.closed {
		return
	}
	target.closed = true
	if target.timer != nil {
		target.timer.Stop()
	}
	if b.open[kind] == target {
		delete(b.open, kind)
	}

	b.wg.Add(1)
	go b.dispatch(target)
}

// dispatch runs the batch handler and delivers per-member results. A
// handler error or a result-count mismatch fails every member with the
// same ErrBatchFailed.
func (b *Batcher) dispatch(target *batch) {
	defer b.wg.Done()

	// Members whose waiter departed between close and dispatch have no
	// reader; their work is dropped with them.
	live := make([]*batchMember, 0, len(target.members))
	for _, m := range target.members {
		if !m.departed.Load() {
			live = append(live, m)
		}
	}
	target.members = live
	if len(live) == 0 {
		return
	}

	items := make([]BatchItem, len(target.members))
	for i, m := range target.members {
		items[i] = m.item
	}

	ctx := context.Background()
	results, err := b.handler(ctx, items)
	if err == nil && len(results) != len(items) {
		err = fmt.Errorf("handler returned %d results for %d members", len(results), len(items))
	}

	if err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"batch_id": target.id,
			"kind":     target.kind,
			"members":  len(items),
		}).Warn("Batch failed; failing all pending members")
		failure := fmt.Errorf("%w: %v", ErrBatchFailed, err)
		for _, m := range target.members {
			m.result <- memberResult{err: failure}
		}
		return
	}

	for i, m := range target.members {
		m.result <- memberResult{value: results[i]}
	}

	b.mu.Lock()
	b.dispatched++
	b.mu.Unlock()
}

// DispatchedBatches returns how many batches completed successfully.
func (b *Batcher) DispatchedBatches() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatched
}

// Close flushes open batches and waits for in-flight dispatches.
// Idempotent.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for kind, open := range b.open {
		b.closeBatchLocked(kind, open)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
