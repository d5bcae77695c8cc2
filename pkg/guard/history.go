package guard

import (
	"sync"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// ring is a fixed-capacity buffer that evicts its oldest entry on overflow.
type ring struct {
	mu   sync.RWMutex
	buf  []oracle.Observation
	next int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]oracle.Observation, capacity)}
}

func (r *ring) push(obs oracle.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = obs
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// latest returns up to n entries, oldest first.
func (r *ring) latest(n int) []oracle.Observation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > r.size || n <= 0 {
		n = r.size
	}
	out := make([]oracle.Observation, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = clone(r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) last() (oracle.Observation, bool) {
	entries := r.latest(1)
	if len(entries) == 0 {
		return oracle.Observation{}, false
	}
	return entries[0], true
}

// RecordPrice appends a validated observation to its feed's history.
func (g *Guard) RecordPrice(obs oracle.Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	r := g.history.getOrCreate(obs.FeedID, func() *ring { return newRing(g.cfg.HistorySize) })
	r.push(clone(obs))
	return nil
}

// History returns a copy of a feed's price history, oldest first.
func (g *Guard) History(feedID string) []oracle.Observation {
	r, ok := g.history.get(feedID)
	if !ok {
		return nil
	}
	return r.latest(0)
}

// clone copies an observation including its price.
func clone(obs oracle.Observation) oracle.Observation {
	return obs.WithConfidence(obs.Confidence)
}
