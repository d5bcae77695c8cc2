// Package aggregator reduces per-provider observations for one feed into a
// consensus price with outlier rejection, dispersion statistics and a
// confidence score.
package aggregator

import (
	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// Aggregator defines the interface for consensus computation.
type Aggregator interface {
	// Aggregate resolves the observations for feedID into a consensus result.
	// The observations are never mutated.
	Aggregate(feedID string, observations []oracle.Observation, cfg Config) (*oracle.AggregationResult, error)
}

// Ensure Engine implements Aggregator interface.
var _ Aggregator = (*Engine)(nil)
