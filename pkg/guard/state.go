package guard

import (
	"sync"
	"time"
)

// State is the breaker state of one key.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// gaugeValue maps a state onto the guard_state gauge.
func (s State) gaugeValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Status is a snapshot of one key's breaker state.
type Status struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure"`
	LastSuccess time.Time `json:"last_success"`
	OpenedAt    time.Time `json:"opened_at"`
	NextAttempt time.Time `json:"next_attempt"`
}

// Metrics are cumulative counters for one key. Rejected calls never reach the
// operation and are not part of Total.
type Metrics struct {
	Total           int64         `json:"total"`
	Successful      int64         `json:"successful"`
	Failed          int64         `json:"failed"`
	Rejected        int64         `json:"rejected"`
	CircuitOpens    int64         `json:"circuit_opens"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	FailureRate     float64       `json:"failure_rate"`
}

// entry is the mutable state of one key. Every field is guarded by mu.
// inFlight counts the probes admitted in the current half-open cycle.
type entry struct {
	mu       sync.Mutex
	status   Status
	metrics  Metrics
	inFlight int
	cycle    uint64
}

// releaseProbe frees p's probe slot. Probes from an earlier half-open cycle
// no longer hold a slot. e.mu must be held.
func (e *entry) releaseProbe(p *Permit) {
	if p.probe && p.cycle == e.cycle && e.inFlight > 0 {
		e.inFlight--
	}
}

func newEntry() *entry {
	return &entry{status: Status{State: StateClosed}}
}

// observe folds one completed call into the counters.
func (e *entry) observe(success bool, elapsed time.Duration) {
	m := &e.metrics
	m.Total++
	if success {
		m.Successful++
	} else {
		m.Failed++
	}
	m.AvgResponseTime += (elapsed - m.AvgResponseTime) / time.Duration(m.Total)
	m.FailureRate = float64(m.Failed) / float64(m.Total)
}
