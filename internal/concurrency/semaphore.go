package concurrency

import (
	"context"
	"sync"
	"time"
)

// Semaphore bounds concurrent work. Acquire blocks until a slot frees or
// the context is done.
type Semaphore struct {
	mu      sync.Mutex
	ch      chan struct{}
	resized chan struct{}
	max     int
}

// NewSemaphore creates a semaphore with max slots.
func NewSemaphore(max int) *Semaphore {
	if max < 1 {
		max = 1
	}
	return &Semaphore{
		ch:      make(chan struct{}, max),
		resized: make(chan struct{}),
		max:     max,
	}
}

// Acquire takes a slot, blocking until one frees or ctx is done. A Resize
// wakes blocked acquirers so a slot is never taken against a stale capacity.
func (s *Semaphore) Acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch, resized := s.ch, s.resized
		s.mu.Unlock()

		select {
		case ch <- struct{}{}:
			return nil
		case <-resized:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	select {
	case <-ch:
	default:
	}
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ch)
}

// Cap returns the current slot capacity.
func (s *Semaphore) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// Resize replaces the capacity. Held slots carry over up to the new cap;
// used by emergency concurrency reduction.
func (s *Semaphore) Resize(max int) {
	if max < 1 {
		max = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	held := len(s.ch)
	if held > max {
		held = max
	}
	next := make(chan struct{}, max)
	for i := 0; i < held; i++ {
		next <- struct{}{}
	}
	s.ch = next
	s.max = max

	// Wake acquirers blocked on the old channel so they retry against the
	// new capacity.
	close(s.resized)
	s.resized = make(chan struct{})
}

// RateLimiter refills permits at a fixed rate. Used to throttle request
// intake while a resource is in emergency.
type RateLimiter struct {
	sem      *Semaphore
	interval time.Duration
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows roughly requestsPerSecond acquisitions per second.
func NewRateLimiter(requestsPerSecond int) *RateLimiter {
	if requestsPerSecond < 1 {
		requestsPerSecond = 1
	}
	rl := &RateLimiter{
		sem:      NewSemaphore(requestsPerSecond),
		interval: time.Second / time.Duration(requestsPerSecond),
		stopCh:   make(chan struct{}),
	}
	rl.ticker = time.NewTicker(rl.interval)
	go rl.refill()
	return rl
}

func (rl *RateLimiter) refill() {
	for {
		select {
		case <-rl.ticker.C:
			rl.sem.Release()
		case <-rl.stopCh:
			return
		}
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	return rl.sem.Acquire(ctx)
}

// Stop halts the refill loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.ticker.Stop()
		close(rl.stopCh)
	})
}
