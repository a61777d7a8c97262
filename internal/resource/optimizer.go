package resource

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// OptimizerConfig holds the loop cadences and safety windows.
type OptimizerConfig struct {
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	OptimizeInterval time.Duration `yaml:"optimize_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	HistoryMaxLen    int           `yaml:"history_max_len"`
	ScaleDownWindow  int           `yaml:"scale_down_window"`
	EmergencyCooldown time.Duration `yaml:"emergency_cooldown"`
}

// DefaultOptimizerConfig returns sensible defaults.
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		MonitorInterval:   5 * time.Second,
		OptimizeInterval:  30 * time.Second,
		HistoryRetention:  24 * time.Hour,
		HistoryMaxLen:     20000,
		ScaleDownWindow:   6,
		EmergencyCooldown: time.Minute,
	}
}

// EmergencyHandler runs when a resource enters emergency. Handlers are the
// immediate corrective actions (memory reclaim, throttling, concurrency
// reduction) and run outside the rule cadence.
type EmergencyHandler func(ctx context.Context, t Type, snapshot *Snapshot)

// Recommendation is the scale advice for one resource type.
type Recommendation string

const (
	RecommendScaleUp   Recommendation = "scale_up"
	RecommendScaleDown Recommendation = "scale_down"
	RecommendHold      Recommendation = "hold"
)

// Optimizer owns the monitoring and rule-evaluation loops. Loops never
// terminate on error: a failed sample skips the tick, a failed action is
// logged and the remaining rules still run.
type Optimizer struct {
	config    *OptimizerConfig
	collector Collector
	logger    *logrus.Logger

	// Read-mostly limits: replaced wholesale on update so readers never
	// take a lock.
	limits atomic.Pointer[map[Type]Limits]

	mu            sync.Mutex
	history       []*Snapshot
	states        map[Type]State
	lastEmergency map[Type]time.Time
	belowStreak   map[Type]int

	rulesMu sync.RWMutex
	rules   []*Rule

	handlersMu sync.RWMutex
	handlers   []EmergencyHandler

	now func() time.Time

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOptimizer creates a resource optimizer with default limits on every
// resource type.
func NewOptimizer(config *OptimizerConfig, collector Collector, logger *logrus.Logger) *Optimizer {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	o := &Optimizer{
		config:        config,
		collector:     collector,
		logger:        logger,
		states:        make(map[Type]State),
		lastEmergency: make(map[Type]time.Time),
		belowStreak:   make(map[Type]int),
		now:           time.Now,
	}

	limits := make(map[Type]Limits, len(Types))
	for _, t := range Types {
		limits[t] = DefaultLimits()
		o.states[t] = StateNormal
	}
	o.limits.Store(&limits)
	return o
}

// Start launches the monitoring and optimization loops. Idempotent.
func (o *Optimizer) Start(ctx context.Context) {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	if o.started {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(2)
	go o.monitorLoop(loopCtx)
	go o.optimizeLoop(loopCtx)
	o.started = true

	o.logger.WithFields(logrus.Fields{
		"monitor_interval":  o.config.MonitorInterval,
		"optimize_interval": o.config.OptimizeInterval,
	}).Info("Resource optimizer started")
}

// Stop cancels the loops and waits for them. Idempotent.
func (o *Optimizer) Stop() {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	if !o.started {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.started = false
	o.logger.Info("Resource optimizer stopped")
}

// AddRule registers an optimization rule.
func (o *Optimizer) AddRule(rule *Rule) {
	o.rulesMu.Lock()
	defer o.rulesMu.Unlock()
	o.rules = append(o.rules, rule)
}

// OnEmergency registers an immediate corrective handler.
func (o *Optimizer) OnEmergency(handler EmergencyHandler) {
	o.handlersMu.Lock()
	defer o.handlersMu.Unlock()
	o.handlers = append(o.handlers, handler)
}

// UpdateLimits replaces the limits for one resource type. The scale
// thresholds carry over from the current limits. Inconsistent values are
// rejected with ErrInvalidLimits before anything changes.
func (o *Optimizer) UpdateLimits(t Type, soft, hard, target float64) error {
	current := *o.limits.Load()
	next := current[t]
	next.Soft, next.Hard, next.Target = soft, hard, target
	if err := next.Validate(); err != nil {
		return err
	}

	updated := make(map[Type]Limits, len(current))
	for k, v := range current {
		updated[k] = v
	}
	updated[t] = next
	o.limits.Store(&updated)

	o.logger.WithFields(logrus.Fields{
		"resource": t,
		"soft":     soft,
		"hard":     hard,
		"target":   target,
	}).Info("Resource limits updated")
	return nil
}

// LimitsFor returns the current limits for a resource type.
func (o *Optimizer) LimitsFor(t Type) Limits {
	return (*o.limits.Load())[t]
}

// Latest returns the most recent snapshot, nil before the first sample.
func (o *Optimizer) Latest() *Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return nil
	}
	return o.history[len(o.history)-1]
}

// StateFor returns the pressure state of one resource type.
func (o *Optimizer) StateFor(t Type) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[t]
}

// Recommend returns the scale advice for one resource type. Scale-down is
// recommended only when the trailing window of snapshots is uniformly below
// the scale-down threshold; a single hot snapshot resets the window.
func (o *Optimizer) Recommend(t Type) Recommendation {
	limits := o.LimitsFor(t)

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) == 0 {
		return RecommendHold
	}
	latest := o.history[len(o.history)-1]
	if latest.Utilization(t) >= limits.ScaleUpThreshold {
		return RecommendScaleUp
	}
	if o.belowStreak[t] >= o.config.ScaleDownWindow {
		return RecommendScaleDown
	}
	return RecommendHold
}

// PredictUsage projects utilization minutesAhead into the future for every
// resource type using a linear trend over the trailing history. Advisory
// only; predictions never trigger actions.
func (o *Optimizer) PredictUsage(minutesAhead int) map[Type]float64 {
	o.mu.Lock()
	history := make([]*Snapshot, len(o.history))
	copy(history, o.history)
	o.mu.Unlock()

	predictions := make(map[Type]float64, len(Types))
	horizon := time.Duration(minutesAhead) * time.Minute
	for _, t := range Types {
		predictions[t] = predictLinear(history, t, o.now().Add(horizon))
	}
	return predictions
}

// predictLinear fits a least-squares line of utilization over time and
// evaluates it at the target instant, clamped to 0..100.
func predictLinear(history []*Snapshot, t Type, at time.Time) float64 {
	n := len(history)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return clampPercent(history[0].Utilization(t))
	}

	base := history[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range history {
		x := s.Timestamp.Sub(base).Seconds()
		y := s.Utilization(t)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return clampPercent(sumY / fn)
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	x := at.Sub(base).Seconds()
	return clampPercent(intercept + slope*x)
}

// RuleStats reports one rule's firing counters.
type RuleStats struct {
	Name           string    `json:"name"`
	Resource       Type      `json:"resource"`
	Priority       int       `json:"priority"`
	ExecutionCount int64     `json:"execution_count"`
	LastFired      time.Time `json:"last_fired,omitempty"`
}

// Stats is the caller-facing view of the optimizer.
type Stats struct {
	Latest      *Snapshot        `json:"latest"`
	TrailingAvg map[Type]float64 `json:"trailing_avg"`
	States      map[Type]string  `json:"states"`
	Rules       []RuleStats      `json:"rules"`
	Limits      map[Type]Limits  `json:"limits"`
	HistoryLen  int              `json:"history_len"`
}

// GetStats returns the latest snapshot, trailing averages over the history
// window, rule counters, and limits.
func (o *Optimizer) GetStats() *Stats {
	o.mu.Lock()
	var latest *Snapshot
	if len(o.history) > 0 {
		latest = o.history[len(o.history)-1]
	}
	avg := make(map[Type]float64, len(Types))
	if len(o.history) > 0 {
		for _, t := range Types {
			sum := float64(0)
			for _, s := range o.history {
				sum += s.Utilization(t)
			}
			avg[t] = sum / float64(len(o.history))
		}
	}
	states := make(map[Type]string, len(o.states))
	for t, s := range o.states {
		states[t] = s.String()
	}
	historyLen := len(o.history)
	o.mu.Unlock()

	o.rulesMu.RLock()
	rules := make([]RuleStats, 0, len(o.rules))
	for _, r := range o.rules {
		rules = append(rules, RuleStats{
			Name:           r.Name,
			Resource:       r.Resource,
			Priority:       r.Priority,
			ExecutionCount: r.ExecutionCount(),
			LastFired:      r.LastFired(),
		})
	}
	o.rulesMu.RUnlock()

	return &Stats{
		Latest:      latest,
		TrailingAvg: avg,
		States:      states,
		Rules:       rules,
		Limits:      *o.limits.Load(),
		HistoryLen:  historyLen,
	}
}

func (o *Optimizer) monitorLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runMonitorTick(ctx)
		}
	}
}

// runMonitorTick samples, appends to the bounded history, and evaluates
// emergency thresholds immediately, independent of the optimization loop.
func (o *Optimizer) runMonitorTick(ctx context.Context) {
	snapshot, err := o.collector.Sample(ctx)
	if err != nil {
		o.logger.WithError(err).Debug("Metrics sample failed, skipping tick")
		return
	}

	o.mu.Lock()
	o.history = append(o.history, snapshot)
	o.pruneHistoryLocked()
	o.updateStreaksLocked(snapshot)
	transitions := o.transitionStatesLocked(snapshot)
	o.mu.Unlock()

	for _, tr := range transitions {
		o.logger.WithFields(logrus.Fields{
			"resource": tr.resource,
			"from":     tr.from.String(),
			"to":       tr.to.String(),
			"percent":  snapshot.Utilization(tr.resource),
		}).Warn("Resource pressure state changed")
	}

	o.fireEmergencies(ctx, snapshot)
}

type stateTransition struct {
	resource Type
	from, to State
}

// transitionStatesLocked advances the per-resource state machines. Caller
// must hold o.mu.
func (o *Optimizer) transitionStatesLocked(snapshot *Snapshot) []stateTransition {
	limits := *o.limits.Load()

	var transitions []stateTransition
	for _, t := range Types {
		util := snapshot.Utilization(t)
		l := limits[t]

		next := StateNormal
		switch {
		case util >= l.Hard:
			next = StateEmergency
		case util >= l.Soft:
			next = StateSoftThreshold
		}

		if prev := o.states[t]; prev != next {
			o.states[t] = next
			transitions = append(transitions, stateTransition{resource: t, from: prev, to: next})
		}
	}
	return transitions
}

// updateStreaksLocked maintains the scale-down safety window. Caller must
// hold o.mu.
func (o *Optimizer) updateStreaksLocked(snapshot *Snapshot) {
	limits := *o.limits.Load()
	for _, t := range Types {
		if snapshot.Utilization(t) < limits[t].ScaleDownThreshold {
			o.belowStreak[t]++
		} else {
			o.belowStreak[t] = 0
		}
	}
}

// fireEmergencies runs the emergency handlers for every resource currently
// in emergency, at most once per cooldown window regardless of how many
// monitor ticks observe the condition.
func (o *Optimizer) fireEmergencies(ctx context.Context, snapshot *Snapshot) {
	now := o.now()

	var due []Type
	o.mu.Lock()
	for _, t := range Types {
		if o.states[t] != StateEmergency {
			continue
		}
		if last, ok := o.lastEmergency[t]; ok && now.Sub(last) < o.config.EmergencyCooldown {
			continue
		}
		o.lastEmergency[t] = now
		due = append(due, t)
	}
	o.mu.Unlock()

	if len(due) == 0 {
		return
	}

	o.handlersMu.RLock()
	handlers := make([]EmergencyHandler, len(o.handlers))
	copy(handlers, o.handlers)
	o.handlersMu.RUnlock()

	for _, t := range due {
		o.logger.WithFields(logrus.Fields{
			"resource": t,
			"percent":  snapshot.Utilization(t),
		}).Warn("Emergency corrective actions firing")
		for _, handler := range handlers {
			handler(ctx, t, snapshot)
		}
	}
}

// pruneHistoryLocked drops snapshots past the retention window and bounds
// the slice length. Caller must hold o.mu.
func (o *Optimizer) pruneHistoryLocked() {
	cutoff := o.now().Add(-o.config.HistoryRetention)
	drop := 0
	for drop < len(o.history) && o.history[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(o.history) - drop - o.config.HistoryMaxLen; over > 0 {
		drop += over
	}
	if drop > 0 {
		o.history = append([]*Snapshot(nil), o.history[drop:]...)
	}
}

func (o *Optimizer) optimizeLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.OptimizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runOptimizeTick(ctx)
		}
	}
}

// runOptimizeTick evaluates rules strictly priority-descending against the
// latest snapshot. Every matching rule with an elapsed cooldown fires; a
// failing action is logged and the remaining rules still run.
func (o *Optimizer) runOptimizeTick(ctx context.Context) {
	snapshot := o.Latest()
	if snapshot == nil {
		return
	}

	o.rulesMu.RLock()
	rules := make([]*Rule, len(o.rules))
	copy(rules, o.rules)
	o.rulesMu.RUnlock()

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	now := o.now()
	for _, rule := range rules {
		if !rule.ReadyAt(now) {
			continue
		}
		if !rule.Predicate(snapshot) {
			continue
		}

		if err := rule.Action(ctx); err != nil {
			o.logger.WithError(err).WithField("rule", rule.Name).Warn("Rule action failed, continuing")
			continue
		}
		rule.markFired(now)
		o.logger.WithFields(logrus.Fields{
			"rule":     rule.Name,
			"resource": rule.Resource,
			"priority": rule.Priority,
		}).Debug("Optimization rule fired")
	}
}
