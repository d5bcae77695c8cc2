package query

import (
	"context"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/guard"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/aggregator"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

// Collector gathers per-provider observations for one feed.
type Collector interface {
	Collect(ctx context.Context, feedID string, providers []string, timeout time.Duration) ([]sources.ProviderResult, error)
}

// Publisher is notified of every fresh authoritative consensus.
type Publisher interface {
	Publish(resp *Response)
}

// Feed is one configured price stream.
type Feed struct {
	ID          string            `json:"id"`
	Providers   []string          `json:"providers"`
	Aggregation aggregator.Config `json:"aggregation"`
}

// Options are per-query overrides. Zero values fall back to the feed or
// service defaults.
type Options struct {
	// MaxStaleness overrides the staleness window and bounds cached entries.
	MaxStaleness time.Duration
	// MinConfidence overrides the per-observation confidence floor.
	MinConfidence uint8
	// AllowCached permits serving a cached consensus or, when the guard
	// refuses live queries, the guard fallback.
	AllowCached bool
	// Timeout bounds provider collection.
	Timeout time.Duration
	// RequireConsensus rejects advisory results with an AggregationError.
	RequireConsensus bool
}

// Metadata describes how a response was produced.
type Metadata struct {
	RequestID    string        `json:"request_id"`
	Latency      time.Duration `json:"latency"`
	CacheHit     bool          `json:"cache_hit"`
	Fallback     bool          `json:"fallback"`
	Sources      []string      `json:"sources"`
	Method       oracle.Method `json:"method"`
	GuardState   guard.State   `json:"guard_state"`
	DeviationPct float64       `json:"deviation_pct"`
}

// Response is a consensus with its metadata.
type Response struct {
	Result   *oracle.AggregationResult `json:"result"`
	Value    string                    `json:"value"`
	Metadata Metadata                  `json:"metadata"`
}

// FeedInfo summarizes a configured feed.
type FeedInfo struct {
	ID         string        `json:"id"`
	Providers  []string      `json:"providers"`
	Method     oracle.Method `json:"method"`
	GuardState guard.State   `json:"guard_state"`
}

// Config holds the service defaults.
type Config struct {
	Feeds          []Feed
	DefaultTimeout time.Duration
	CacheTTL       time.Duration
}
