package guard

import (
	"fmt"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// FallbackSourcePrefix marks observations served from history.
const FallbackSourcePrefix = "fallback:"

// Fallback returns the feed's latest history entry when it is no older than
// twice the monitoring window. Its confidence is reduced by the configured
// penalty and its source is annotated. Otherwise it returns ErrNoFallback.
func (g *Guard) Fallback(feedID string) (oracle.Observation, error) {
	r, ok := g.history.get(feedID)
	if !ok {
		return oracle.Observation{}, fmt.Errorf("%w: %s has no history", ErrNoFallback, feedID)
	}
	latest, ok := r.last()
	if !ok {
		return oracle.Observation{}, fmt.Errorf("%w: %s has no history", ErrNoFallback, feedID)
	}

	maxAge := 2 * g.cfg.MonitoringWindow
	if age := latest.Age(g.now()); age > maxAge {
		return oracle.Observation{}, fmt.Errorf("%w: %s latest entry is %s old, limit %s", ErrNoFallback, feedID, age, maxAge)
	}

	confidence := latest.Confidence
	if confidence > g.cfg.FallbackConfidencePenalty {
		confidence -= g.cfg.FallbackConfidencePenalty
	} else {
		confidence = 0
	}
	fallback := latest.WithConfidence(confidence)
	fallback.Source = FallbackSourcePrefix + latest.Source
	return fallback, nil
}
