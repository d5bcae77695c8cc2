package query

import (
	"context"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/guard"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/aggregator"
)

// vetted is the outcome of one guarded collection. Every authoritative
// result is a price point for history, deviating or not, so that the
// reference median follows a sustained move.
type vetted struct {
	result       *oracle.AggregationResult
	deviation    float64
	deviationErr error
}

var _ guard.PricePoint = (*vetted)(nil)

func (v *vetted) PriceObservation() (oracle.Observation, bool) {
	if v == nil || !v.result.Authoritative() {
		return oracle.Observation{}, false
	}
	return v.result.Observation(ConsensusSource), true
}

// ProviderKey is the guard key tracking one provider of one feed.
func ProviderKey(feedID, provider string) string {
	return feedID + "/" + provider
}

// collect admits providers through their own guard keys, gathers their
// observations, aggregates and checks the consensus against history. A
// deviation is reported on the result, not as an error, so that it does not
// count against the feed's guard.
func (s *Service) collect(ctx context.Context, feed Feed, cfg aggregator.Config, timeout time.Duration) (*vetted, error) {
	permits := make(map[string]*guard.Permit, len(feed.Providers))
	admitted := make([]string, 0, len(feed.Providers))
	var failures []error

	for _, provider := range feed.Providers {
		permit, err := s.guard.Admit(ProviderKey(feed.ID, provider))
		if err != nil {
			failures = append(failures, err)
			continue
		}
		permits[provider] = permit
		admitted = append(admitted, provider)
	}
	if len(admitted) == 0 {
		return nil, mostSevere(failures)
	}

	results, err := s.collector.Collect(ctx, feed.ID, admitted, timeout)
	if ctx.Err() != nil {
		// the caller gave up; provider outcomes under its deadline say
		// nothing about the providers
		for _, permit := range permits {
			permit.Release()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		for _, permit := range permits {
			permit.Record(err, 0)
		}
		return nil, err
	}

	observations := make([]oracle.Observation, 0, len(results))
	for _, r := range results {
		if permit, ok := permits[r.Provider]; ok {
			permit.Record(r.Err, r.ResponseTime)
		}
		if r.Err != nil {
			failures = append(failures, r.Err)
			continue
		}
		observations = append(observations, r.Observation)
	}
	if len(observations) == 0 {
		return nil, mostSevere(failures)
	}

	if cfg.Weighting == oracle.WeightingReliability {
		cfg.Reliability = s.reliability(feed)
	}
	result, err := s.engine.Aggregate(feed.ID, observations, cfg)
	if err != nil {
		return nil, err
	}

	v := &vetted{result: result}
	if result.Authoritative() {
		v.deviation, v.deviationErr = s.guard.DetectDeviation(feed.ID, result.Observation(ConsensusSource))
	}
	return v, nil
}

// reliability scores each provider by its guard success rate.
func (s *Service) reliability(feed Feed) map[string]float64 {
	scores := make(map[string]float64, len(feed.Providers))
	for _, provider := range feed.Providers {
		m, ok := s.guard.Metrics(ProviderKey(feed.ID, provider))
		if !ok || m.Total == 0 {
			scores[provider] = 1
			continue
		}
		scores[provider] = 1 - m.FailureRate
	}
	return scores
}

// mostSevere returns the highest-severity error, the first one on ties.
func mostSevere(errs []error) error {
	var worst error
	rank := -1
	for _, err := range errs {
		if r := oracle.SeverityOf(err).Rank(); r > rank {
			worst, rank = err, r
		}
	}
	if worst == nil {
		return oracle.NewAggregationError("no viable sources", 0, 1)
	}
	return worst
}
