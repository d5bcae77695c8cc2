package config

import (
	"strings"

	"github.com/StrathCole/oracle-guard/pkg/cache"
	"github.com/StrathCole/oracle-guard/pkg/guard"
	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/aggregator"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

// GuardConfig returns the guard parameters with defaults for unset fields.
func (c *Config) GuardConfig() guard.Config {
	out := guard.DefaultConfig()
	g := c.Guard
	if g.FailureThreshold != 0 {
		out.FailureThreshold = g.FailureThreshold
	}
	if g.SuccessThreshold != 0 {
		out.SuccessThreshold = g.SuccessThreshold
	}
	if g.Timeout != 0 {
		out.Timeout = g.Timeout.ToDuration()
	}
	if g.MonitoringWindow != 0 {
		out.MonitoringWindow = g.MonitoringWindow.ToDuration()
	}
	if g.MaxPriceDeviation != 0 {
		out.MaxPriceDeviation = g.MaxPriceDeviation
	}
	if g.HistorySize != 0 {
		out.HistorySize = g.HistorySize
	}
	if g.ReferenceWindow != 0 {
		out.ReferenceWindow = g.ReferenceWindow
	}
	if g.FallbackConfidencePenalty != nil {
		out.FallbackConfidencePenalty = clampConfidence(*g.FallbackConfidencePenalty)
	}
	if g.DegradedFailureRate != nil {
		out.DegradedFailureRate = *g.DegradedFailureRate
	}
	out.HalfOpenMaxProbes = g.HalfOpenMaxProbes
	return out
}

// AggregationConfig returns the global consensus parameters. Source weights
// become the custom weighting table.
func (c *Config) AggregationConfig() aggregator.Config {
	out := c.Aggregation.apply(aggregator.DefaultConfig())
	for _, s := range c.EnabledSources() {
		if s.Weight > 0 {
			if out.CustomWeights == nil {
				out.CustomWeights = make(map[string]float64)
			}
			out.CustomWeights[s.Name] = s.Weight
		}
	}
	return out
}

// QueryConfig builds the query service configuration.
func (c *Config) QueryConfig() query.Config {
	base := c.AggregationConfig()
	feeds := make([]query.Feed, 0, len(c.Feeds))
	for _, f := range c.Feeds {
		feeds = append(feeds, query.Feed{
			ID:          f.ID,
			Providers:   append([]string(nil), f.Providers...),
			Aggregation: f.Aggregation.apply(base),
		})
	}
	return query.Config{
		Feeds:          feeds,
		DefaultTimeout: c.Server.QueryTimeout.ToDuration(),
		CacheTTL:       c.Server.CacheTTL.ToDuration(),
	}
}

// CacheOptions builds the cache backend options.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		Backend:   strings.ToLower(c.Cache.Backend),
		MemoryTTL: c.Cache.MemoryTTL.ToDuration(),
		Sweep:     c.Cache.Sweep.ToDuration(),
		Redis: cache.RedisOptions{
			Addr:      c.Cache.Redis.Addr,
			Password:  c.Cache.Redis.Password,
			DB:        c.Cache.Redis.DB,
			KeyPrefix: c.Cache.Redis.KeyPrefix,
		},
	}
}

// ProviderConfig returns the factory config of a source with the logger
// injected under "logger".
func (sc *SourceConfig) ProviderConfig(logger *logging.Logger) map[string]interface{} {
	out := make(map[string]interface{}, len(sc.Config)+1)
	for k, v := range sc.Config {
		out[k] = v
	}
	out["logger"] = logger
	return out
}

// SourceType returns the adapter kind.
func (sc *SourceConfig) SourceType() sources.SourceType {
	return sources.SourceType(strings.ToLower(sc.Type))
}

// apply overlays the set fields on base.
func (a AggregationConfig) apply(base aggregator.Config) aggregator.Config {
	out := base
	if len(base.CustomWeights) > 0 {
		out.CustomWeights = make(map[string]float64, len(base.CustomWeights))
		for k, v := range base.CustomWeights {
			out.CustomWeights[k] = v
		}
	}
	if a.Method != nil {
		out.Method = oracle.Method(strings.ToLower(*a.Method))
	}
	if a.Weighting != nil {
		out.Weighting = oracle.WeightingScheme(strings.ToLower(*a.Weighting))
	}
	if a.MinSources != nil {
		out.MinSources = *a.MinSources
	}
	if a.MaxSources != nil {
		out.MaxSources = *a.MaxSources
	}
	if a.ConsensusThreshold != nil {
		out.ConsensusThreshold = *a.ConsensusThreshold
	}
	if a.MaxDeviationPct != nil {
		out.MaxDeviationPct = *a.MaxDeviationPct
	}
	if a.OutlierMethod != nil {
		method := strings.ToLower(*a.OutlierMethod)
		if method == "none" {
			method = ""
		}
		out.OutlierMethod = oracle.OutlierMethod(method)
	}
	if a.OutlierThreshold != nil {
		out.OutlierThreshold = *a.OutlierThreshold
	}
	if a.MinConfidence != nil {
		out.MinConfidence = clampConfidence(*a.MinConfidence)
	}
	if a.StalenessWindow != nil {
		out.StalenessWindow = a.StalenessWindow.ToDuration()
	}
	if a.TrimPercent != nil {
		out.TrimPercent = *a.TrimPercent
	}
	if a.ModeTolerancePct != nil {
		out.ModeTolerancePct = *a.ModeTolerancePct
	}
	if w := a.ScoreWeights; w != nil {
		out.ScoreWeights = aggregator.ScoreWeights{
			Source:     w.Source,
			Freshness:  w.Freshness,
			Dispersion: w.Dispersion,
			Agreement:  w.Agreement,
		}
	}
	return out
}

// clampConfidence saturates to 0..255 so out-of-range values still fail
// validation instead of wrapping.
func clampConfidence(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
