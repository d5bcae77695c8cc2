// Package guard implements the per-key failure guard: a circuit breaker state
// machine with cumulative metrics, a rolling price history per feed, deviation
// detection against that history and a vetted fallback value.
//
// Half-open probing is a courtesy by default: once a key's timeout elapses
// every concurrent caller is admitted as a probe. Set HalfOpenMaxProbes to
// enforce a strict cap on in-flight probes per key.
package guard

import (
	"context"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// PricePoint is implemented by operation results that carry a vetted price.
// When ok is true the observation is appended to its feed's history.
type PricePoint interface {
	PriceObservation() (obs oracle.Observation, ok bool)
}

// Guard tracks breaker state per key and price history per feed. State for
// different keys is independent; transitions for one key are atomic.
type Guard struct {
	cfg     Config
	logger  *logging.Logger
	now     func() time.Time
	entries *shardedMap[*entry]
	history *shardedMap[*ring]
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the guard clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// New creates a guard. It fails with a ConfigurationError on invalid parameters.
func New(cfg Config, logger *logging.Logger, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	g := &Guard{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: newShardedMap[*entry](),
		history: newShardedMap[*ring](),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the guard parameters.
func (g *Guard) Config() Config {
	return g.cfg
}

// Permit is an admitted call awaiting its outcome.
type Permit struct {
	g     *Guard
	key   string
	entry *entry
	probe bool
	cycle uint64
	done  bool
}

// Admit checks whether a call for key may proceed. An open key whose timeout
// has elapsed moves to half-open and admits the call as a probe. Rejections
// return a CircuitBreakerError and are counted separately.
func (g *Guard) Admit(key string) (*Permit, error) {
	e := g.entries.getOrCreate(key, newEntry)
	now := g.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.State == StateOpen {
		if now.Before(e.status.NextAttempt) {
			return nil, g.reject(key, e)
		}
		g.transition(key, e, StateHalfOpen, now)
	}

	probe := e.status.State == StateHalfOpen
	if probe {
		if g.cfg.HalfOpenMaxProbes > 0 && e.inFlight >= g.cfg.HalfOpenMaxProbes {
			return nil, g.reject(key, e)
		}
		e.inFlight++
	}
	return &Permit{g: g, key: key, entry: e, probe: probe, cycle: e.cycle}, nil
}

// Permits reports whether Admit would currently let a call through, without
// changing any state.
func (g *Guard) Permits(key string) bool {
	e, ok := g.entries.get(key)
	if !ok {
		return true
	}
	now := g.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status.State {
	case StateOpen:
		if now.Before(e.status.NextAttempt) {
			return false
		}
		return g.cfg.HalfOpenMaxProbes == 0 || e.inFlight < g.cfg.HalfOpenMaxProbes
	case StateHalfOpen:
		return g.cfg.HalfOpenMaxProbes == 0 || e.inFlight < g.cfg.HalfOpenMaxProbes
	}
	return true
}

// Record reports the outcome of an admitted call. Only the first call has an
// effect.
func (p *Permit) Record(err error, elapsed time.Duration) {
	g, e := p.g, p.entry
	now := g.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if p.done {
		return
	}
	p.done = true
	e.releaseProbe(p)

	success := err == nil
	e.observe(success, elapsed)
	metrics.RecordGuardOperation(p.key, success, elapsed)

	if success {
		e.status.LastSuccess = now
		switch e.status.State {
		case StateClosed:
			e.status.Failures = 0
			e.status.Successes++
		case StateHalfOpen:
			e.status.Successes++
			if e.status.Successes >= g.cfg.SuccessThreshold {
				g.transition(p.key, e, StateClosed, now)
			}
		}
		return
	}

	e.status.LastFailure = now
	e.status.Successes = 0
	e.status.Failures++
	switch e.status.State {
	case StateClosed:
		if e.status.Failures >= g.cfg.FailureThreshold {
			g.transition(p.key, e, StateOpen, now)
		}
	case StateHalfOpen:
		g.transition(p.key, e, StateOpen, now)
	}
	g.logger.Debug("Guarded call failed",
		"key", p.key,
		"failures", e.status.Failures,
		"state", e.status.State,
		"error", err)
}

// Release gives up an admitted call without recording an outcome, for calls
// abandoned by their caller. Only the first Release or Record has an effect.
func (p *Permit) Release() {
	e := p.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	e.releaseProbe(p)
}

// Execute runs op for key through the guard. Guard rejections return a
// CircuitBreakerError without invoking op; op's own error is returned
// unchanged. Successful results implementing PricePoint enter the history.
func Execute[T any](ctx context.Context, g *Guard, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	permit, err := g.Admit(key)
	if err != nil {
		return zero, err
	}

	start := time.Now()
	result, err := op(ctx)
	if err != nil && ctx.Err() != nil {
		permit.Release()
		return result, err
	}
	permit.Record(err, time.Since(start))
	if err != nil {
		return result, err
	}

	if pp, ok := any(result).(PricePoint); ok {
		if obs, ok := pp.PriceObservation(); ok {
			if herr := g.RecordPrice(obs); herr != nil {
				g.logger.Warn("Dropping invalid price from history", "key", key, "error", herr)
			}
		}
	}
	return result, nil
}

// Status returns the breaker state of key. Unknown keys report closed.
func (g *Guard) Status(key string) (Status, bool) {
	e, ok := g.entries.get(key)
	if !ok {
		return Status{State: StateClosed}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// Metrics returns the cumulative counters of key.
func (g *Guard) Metrics(key string) (Metrics, bool) {
	e, ok := g.entries.get(key)
	if !ok {
		return Metrics{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics, true
}

// Reset clears the state, metrics and price history stored under key.
func (g *Guard) Reset(key string) {
	g.entries.delete(key)
	g.history.delete(key)
	metrics.RecordGuardState(key, StateClosed.gaugeValue())
	g.logger.Info("Guard reset", "key", key)
}

// ResetAll clears every key and every price history.
func (g *Guard) ResetAll() {
	g.entries.each(func(key string, _ *entry) {
		metrics.RecordGuardState(key, StateClosed.gaugeValue())
	})
	g.entries.clear()
	g.history.clear()
	g.logger.Info("Guard reset for all keys")
}

// reject counts a refused call and builds its error. e.mu must be held.
func (g *Guard) reject(key string, e *entry) error {
	e.metrics.Rejected++
	metrics.RecordGuardRejection(key)
	return oracle.NewCircuitBreakerError(key, e.status.Failures, g.cfg.FailureThreshold,
		e.status.LastFailure, e.status.NextAttempt)
}

// transition moves e to state. e.mu must be held.
func (g *Guard) transition(key string, e *entry, to State, now time.Time) {
	from := e.status.State
	e.status.State = to

	switch to {
	case StateClosed:
		e.status.Failures = 0
		e.status.Successes = 0
		e.status.OpenedAt = time.Time{}
		e.status.NextAttempt = time.Time{}
	case StateOpen:
		e.status.Successes = 0
		e.status.OpenedAt = now
		e.status.NextAttempt = now.Add(g.cfg.Timeout)
		e.metrics.CircuitOpens++
	case StateHalfOpen:
		e.status.Successes = 0
		e.inFlight = 0
		e.cycle++
	}

	metrics.RecordGuardTransition(key, string(from), string(to))
	metrics.RecordGuardState(key, to.gaugeValue())

	if to == StateOpen {
		g.logger.Warn("Guard opened",
			"key", key,
			"from", from,
			"failures", e.status.Failures,
			"next_attempt", e.status.NextAttempt)
		return
	}
	g.logger.Info("Guard state changed", "key", key, "from", from, "to", to)
}
