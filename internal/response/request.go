package response

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WorkFunc is the unit of work supplied by callers. The engine never looks
// inside the payload it produces.
type WorkFunc func(ctx context.Context) (interface{}, error)

// SubOperation is one independent piece of a decomposable operation.
type SubOperation struct {
	Name string
	Fn   WorkFunc
}

// WorkRequest describes a unit of work so a strategy can be selected for
// it. Callers supply plain data; no transport framing is interpreted here.
type WorkRequest struct {
	Operation string
	Params    map[string]interface{}
	Priority  int
	Timeout   time.Duration

	// Sensitivity flags. A request with none of these set is cacheable.
	UserScoped    bool
	SessionScoped bool
	TimeSensitive bool

	// GroupKey marks the request as batchable with same-key requests.
	GroupKey string

	// Tags label any cached result for group invalidation.
	Tags []string

	// Streaming hints.
	EstimatedBytes    int64
	EstimatedDuration time.Duration

	// SubOperations, when present, decompose the work for parallel
	// execution.
	SubOperations []SubOperation

	// Background holds lazy parts deferred past the synchronous response.
	Background []WorkFunc
}

// Cacheable reports whether the request carries no user, session, or
// time-sensitive data.
func (r *WorkRequest) Cacheable() bool {
	return !r.UserScoped && !r.SessionScoped && !r.TimeSensitive
}

// Request tracks one request's execution lifecycle.
type Request struct {
	ID          string
	Priority    int
	Timeout     time.Duration
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// newRequest creates lifecycle bookkeeping for one execution.
func newRequest(priority int, timeout time.Duration) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Priority:  priority,
		Timeout:   timeout,
		CreatedAt: time.Now(),
	}
}

func (r *Request) start() {
	r.StartedAt = time.Now()
}

func (r *Request) complete() {
	r.CompletedAt = time.Now()
}

// ProcessingTime returns the executed duration, zero while still pending.
func (r *Request) ProcessingTime() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Expired reports whether the request outlived its timeout before
// completing.
func (r *Request) Expired(now time.Time) bool {
	if r.Timeout <= 0 || !r.CompletedAt.IsZero() {
		return false
	}
	return now.Sub(r.CreatedAt) > r.Timeout
}
