package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidLimits indicates a limits update where soft >= hard or a
	// threshold falls outside 0..100. Rejected at configuration time.
	ErrInvalidLimits = errors.New("invalid resource limits")
)

// Predicate decides whether a rule applies to a snapshot.
type Predicate func(*Snapshot) bool

// Action is the corrective step a rule runs. Actions must be idempotent and
// order-independent within one tick.
type Action func(ctx context.Context) error

// Rule is one priority-ordered optimization rule. Rules are static for the
// process lifetime; only the firing bookkeeping mutates.
type Rule struct {
	Name      string
	Resource  Type
	Predicate Predicate
	Action    Action
	Priority  int
	Cooldown  time.Duration

	lastFired      atomic.Int64 // unix nanos, 0 = never
	executionCount atomic.Int64
}

// ReadyAt reports whether the cooldown has elapsed at the given instant.
func (r *Rule) ReadyAt(now time.Time) bool {
	last := r.lastFired.Load()
	if last == 0 {
		return true
	}
	return !now.Before(time.Unix(0, last).Add(r.Cooldown))
}

// markFired records a firing.
func (r *Rule) markFired(now time.Time) {
	r.lastFired.Store(now.UnixNano())
	r.executionCount.Add(1)
}

// ExecutionCount returns how many times the rule has fired.
func (r *Rule) ExecutionCount() int64 {
	return r.executionCount.Load()
}

// LastFired returns the last firing time, zero if never.
func (r *Rule) LastFired() time.Time {
	last := r.lastFired.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

// Limits bounds one resource type. Soft must stay strictly below Hard.
type Limits struct {
	Soft               float64 `json:"soft_limit"`
	Hard               float64 `json:"hard_limit"`
	Target             float64 `json:"target_usage"`
	ScaleUpThreshold   float64 `json:"scale_up_threshold"`
	ScaleDownThreshold float64 `json:"scale_down_threshold"`
}

// Validate rejects inconsistent limits.
func (l Limits) Validate() error {
	if l.Soft >= l.Hard {
		return ErrInvalidLimits
	}
	for _, v := range []float64{l.Soft, l.Hard, l.Target, l.ScaleUpThreshold, l.ScaleDownThreshold} {
		if v < 0 || v > 100 {
			return ErrInvalidLimits
		}
	}
	return nil
}

// DefaultLimits returns the standard limits applied to every resource type
// until overridden.
func DefaultLimits() Limits {
	return Limits{
		Soft:               75,
		Hard:               90,
		Target:             70,
		ScaleUpThreshold:   80,
		ScaleDownThreshold: 30,
	}
}

// State is the per-resource pressure state machine.
type State int

const (
	// StateNormal means utilization is below the soft limit.
	StateNormal State = iota
	// StateSoftThreshold means the soft limit is exceeded; normal rule
	// cadence handles it.
	StateSoftThreshold
	// StateEmergency means the hard limit is exceeded; corrective actions
	// fire immediately, outside the rule cadence.
	StateEmergency
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSoftThreshold:
		return "soft_threshold"
	case StateEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}
