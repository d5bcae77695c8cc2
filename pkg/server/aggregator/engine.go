package aggregator

import (
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// Exclusion reasons reported on SourceContribution.
const (
	ReasonInvalid       = "invalid"
	ReasonFeedMismatch  = "feed mismatch"
	ReasonStale         = "stale"
	ReasonLowConfidence = "low confidence"
	ReasonSourceLimit   = "source limit"
	ReasonOutlier       = "outlier"
	ReasonDeviation     = "deviation"
)

// Engine computes consensus results. It holds no per-feed state and is safe
// for concurrent use.
type Engine struct {
	logger *logging.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for staleness and freshness.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a new aggregation engine.
func NewEngine(logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	e := &Engine{
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Aggregate resolves observations into a consensus. It fails only on an
// invalid config or when no viable observation remains; a result whose
// consensus threshold was missed is still returned and is advisory.
func (e *Engine) Aggregate(feedID string, observations []oracle.Observation, cfg Config) (*oracle.AggregationResult, error) {
	start := time.Now()
	defer func() {
		metrics.RecordAggregation(string(cfg.Method), time.Since(start))
	}()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	total := len(observations)
	if total == 0 {
		return nil, noViableSources(feedID, cfg)
	}

	now := e.now()
	decimals := targetDecimals(observations)
	contribs := make([]oracle.SourceContribution, total)
	exclude := func(index int, reason string) {
		contribs[index].Included = false
		contribs[index].Weight = 0
		contribs[index].ExclusionReason = reason
	}

	// Screen and normalize
	viable := make([]candidate, 0, total)
	for i, obs := range observations {
		contribs[i] = oracle.SourceContribution{Source: obs.Source, Confidence: obs.Confidence}
		if obs.Validate() != nil {
			contribs[i].Price = obs.PriceCopy()
			exclude(i, ReasonInvalid)
			continue
		}
		price := obs.ScaledPrice(decimals)
		contribs[i].Price = price
		if reason := screen(feedID, obs, cfg, now); reason != "" {
			exclude(i, reason)
			continue
		}
		viable = append(viable, candidate{
			index:      i,
			source:     obs.Source,
			price:      price,
			confidence: obs.Confidence,
			timestamp:  obs.Timestamp,
		})
	}

	if cfg.MaxSources > 0 && len(viable) > cfg.MaxSources {
		viable = limitSources(viable, cfg.MaxSources, func(c candidate) { exclude(c.index, ReasonSourceLimit) })
	}

	// Statistical outliers
	outliers := make([]oracle.Outlier, 0)
	if cfg.OutlierMethod != "" && len(viable) >= minOutlierSample {
		scores := OutlierScores(cfg.OutlierMethod, floats(pricesOf(viable)))
		flagged := 0
		for _, s := range scores {
			if s > cfg.OutlierThreshold {
				flagged++
			}
		}
		switch {
		case flagged == len(viable):
			e.logger.Warn("Every observation scored as outlier, keeping all",
				"feed", feedID,
				"method", cfg.OutlierMethod,
				"count", len(viable))
		case flagged > 0:
			kept := make([]candidate, 0, len(viable)-flagged)
			for i, c := range viable {
				if scores[i] <= cfg.OutlierThreshold {
					kept = append(kept, c)
					continue
				}
				e.logger.Debug("Rejecting outlier",
					"feed", feedID,
					"source", c.source,
					"price", c.price.String(),
					"score", scores[i])
				metrics.RecordOutlierRejection(feedID)
				exclude(c.index, ReasonOutlier)
				outliers = append(outliers, oracle.Outlier{
					Source: c.source,
					Price:  new(big.Int).Set(c.price),
					Score:  finite(scores[i]),
				})
			}
			viable = kept
		}
	}

	// Deviation from the survivor median. The reference is the lower median
	// member so an evenly split set keeps one side instead of neither.
	if cfg.MaxDeviationPct > 0 && len(viable) > 1 {
		sorted := sortedPrices(viable)
		ref := sorted[(len(sorted)-1)/2]
		limit := big.NewInt(int64(math.Round(cfg.MaxDeviationPct * weightScale)))
		kept := make([]candidate, 0, len(viable))
		for _, c := range viable {
			if DeviationScaled(c.price, ref).Cmp(limit) > 0 {
				e.logger.Debug("Rejecting deviating price",
					"feed", feedID,
					"source", c.source,
					"price", c.price.String(),
					"median", ref.String(),
					"deviation_pct", DeviationPct(c.price, ref))
				exclude(c.index, ReasonDeviation)
				continue
			}
			kept = append(kept, c)
		}
		viable = kept
	}

	if len(viable) == 0 {
		return nil, noViableSources(feedID, cfg)
	}

	for i := range viable {
		viable[i].weight = weightFor(cfg, viable[i])
		contribs[viable[i].index].Included = true
		contribs[viable[i].index].Weight = viable[i].weight
	}

	price, err := consensusPrice(cfg.Method, viable, cfg)
	if err != nil {
		return nil, err
	}

	prices := sortedPrices(viable)
	stats := Describe(prices)
	agreement := float64(len(viable)) / float64(total)
	thresholdMet := agreement >= cfg.ConsensusThreshold && len(viable) >= cfg.MinSources

	inputs := scoreInputs{
		source:    sourceComponent(viable),
		freshness: freshnessComponent(viable, cfg.StalenessWindow, now),
		tightness: 1,
		agreement: agreement,
	}
	if len(viable) > 1 {
		inputs.tightness = tightnessComponent(stats, mean(floats(prices)))
	}

	result := &oracle.AggregationResult{
		FeedID:     feedID,
		Price:      price,
		Decimals:   decimals,
		Method:     cfg.Method,
		Sources:    contribs,
		Confidence: inputs.blend(cfg.ScoreWeights),
		Stats:      stats,
		Outliers:   outliers,
		Consensus: oracle.Consensus{
			AgreementRatio: agreement,
			Participants:   len(viable),
			ThresholdMet:   thresholdMet,
		},
		Timestamp: now,
	}

	e.logger.Debug("Aggregated observations",
		"feed", feedID,
		"method", cfg.Method,
		"price", price.String(),
		"participants", len(viable),
		"total", total,
		"threshold_met", thresholdMet,
		"confidence", result.Confidence)

	return result, nil
}

// screen returns the exclusion reason for a structurally valid observation,
// or "" when it is viable.
func screen(feedID string, obs oracle.Observation, cfg Config, now time.Time) string {
	switch {
	case obs.FeedID != feedID:
		return ReasonFeedMismatch
	case cfg.StalenessWindow > 0 && obs.Age(now) > cfg.StalenessWindow:
		return ReasonStale
	case obs.Confidence < cfg.MinConfidence:
		return ReasonLowConfidence
	}
	return ""
}

// targetDecimals is the highest precision among valid observations.
func targetDecimals(observations []oracle.Observation) uint8 {
	var d uint8
	for _, obs := range observations {
		if obs.Validate() == nil && obs.Decimals > d {
			d = obs.Decimals
		}
	}
	return d
}

// limitSources keeps the limit most confident candidates, ties broken by
// source name, preserving input order.
func limitSources(viable []candidate, limit int, drop func(candidate)) []candidate {
	ranked := append([]candidate(nil), viable...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].confidence != ranked[j].confidence {
			return ranked[i].confidence > ranked[j].confidence
		}
		return ranked[i].source < ranked[j].source
	})
	keep := make(map[int]bool, limit)
	for _, c := range ranked[:limit] {
		keep[c.index] = true
	}
	kept := make([]candidate, 0, limit)
	for _, c := range viable {
		if keep[c.index] {
			kept = append(kept, c)
		} else {
			drop(c)
		}
	}
	return kept
}

func weightFor(cfg Config, c candidate) float64 {
	switch cfg.Weighting {
	case oracle.WeightingConfidence:
		return float64(c.confidence) / oracle.MaxConfidence
	case oracle.WeightingReliability:
		if r, ok := cfg.Reliability[c.source]; ok {
			return r
		}
	case oracle.WeightingCustom:
		if w, ok := cfg.CustomWeights[c.source]; ok {
			return w
		}
	}
	return 1
}

func pricesOf(cands []candidate) []*big.Int {
	out := make([]*big.Int, len(cands))
	for i, c := range cands {
		out[i] = c.price
	}
	return out
}

// finite keeps scores JSON-encodable.
func finite(v float64) float64 {
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	return v
}

func noViableSources(feedID string, cfg Config) error {
	return oracle.NewAggregationError("no viable sources", 0, cfg.MinSources).
		With("feed", feedID).
		WithCause(ErrNoViableSources)
}
