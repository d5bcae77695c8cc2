package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/StrathCole/oracle-guard/pkg/cache"
	"github.com/StrathCole/oracle-guard/pkg/guard"
	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/aggregator"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

// ConsensusSource is the source recorded for consensus prices in history.
const ConsensusSource = "consensus"

const defaultTimeout = 10 * time.Second

// Service answers price queries.
type Service struct {
	cfg       Config
	feeds     map[string]Feed
	collector Collector
	engine    aggregator.Aggregator
	guard     *guard.Guard
	cache     cache.Cache
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithCache enables result caching.
func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithPublisher registers a consumer of fresh consensus results.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService validates the feed set and builds a service.
func NewService(cfg Config, collector Collector, engine aggregator.Aggregator, g *guard.Guard, logger *logging.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}

	s := &Service{
		cfg:       cfg,
		feeds:     make(map[string]Feed, len(cfg.Feeds)),
		collector: collector,
		engine:    engine,
		guard:     g,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, feed := range cfg.Feeds {
		id, err := sources.CanonicalFeedID(feed.ID)
		if err != nil {
			return nil, oracle.NewConfigurationError(fmt.Sprintf("invalid feed id %q", feed.ID)).WithCause(err)
		}
		if _, exists := s.feeds[id]; exists {
			return nil, oracle.NewConfigurationError(fmt.Sprintf("feed %s configured twice", id)).
				WithCause(fmt.Errorf("%w: %s", ErrDuplicateFeed, id))
		}
		if len(feed.Providers) == 0 {
			return nil, oracle.NewConfigurationError(fmt.Sprintf("feed %s has no providers", id)).
				WithCause(fmt.Errorf("%w: %s", ErrNoProviders, id))
		}
		if err := feed.Aggregation.Validate(); err != nil {
			return nil, err
		}
		feed.ID = id
		s.feeds[id] = feed
	}
	return s, nil
}

// Query returns the consensus price for feedID.
func (s *Service) Query(ctx context.Context, feedID string, opts Options) (*Response, error) {
	start := s.now()
	requestID := uuid.NewString()

	feed, err := s.resolve(feedID)
	if err != nil {
		return nil, s.fail(feedID, requestID, err)
	}
	aggCfg := feed.Aggregation
	if opts.MaxStaleness > 0 {
		aggCfg.StalenessWindow = opts.MaxStaleness
	}
	if opts.MinConfidence > 0 {
		aggCfg.MinConfidence = opts.MinConfidence
	}
	key := cacheKey(feed.ID, opts)

	if opts.AllowCached {
		if resp, ok := s.fromCache(ctx, feed, key, opts, requestID, start); ok {
			return resp, nil
		}
		if !s.guard.Permits(feed.ID) {
			if resp, err := s.fallback(feed, requestID, start); err == nil {
				metrics.RecordQuery(feed.ID, "fallback")
				return resp, nil
			}
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	v, err := guard.Execute(ctx, s.guard, feed.ID, func(ctx context.Context) (*vetted, error) {
		return s.collect(ctx, feed, aggCfg, timeout)
	})
	if err != nil {
		return nil, s.fail(feed.ID, requestID, err)
	}
	if v.deviationErr != nil {
		return nil, s.fail(feed.ID, requestID, v.deviationErr)
	}
	if opts.RequireConsensus && !v.result.Authoritative() {
		err := oracle.NewAggregationError("consensus threshold not met",
			v.result.Consensus.Participants, aggCfg.MinSources).
			With("feed", feed.ID).
			With("agreement_ratio", v.result.Consensus.AgreementRatio)
		return nil, s.fail(feed.ID, requestID, err)
	}

	resp := s.respond(feed, v.result, requestID, start)
	resp.Metadata.DeviationPct = v.deviation

	if v.result.Authoritative() {
		s.store(ctx, key, v.result)
		if s.publisher != nil {
			s.publisher.Publish(resp)
		}
		metrics.RecordQuery(feed.ID, "success")
	} else {
		metrics.RecordQuery(feed.ID, "advisory")
	}
	s.logger.Debug("Query answered",
		"request_id", requestID,
		"feed", feed.ID,
		"price", resp.Value,
		"confidence", v.result.Confidence,
		"threshold_met", v.result.Consensus.ThresholdMet,
		"latency", resp.Metadata.Latency)
	return resp, nil
}

// Fallback returns the guard's vetted fallback for feedID regardless of the
// guard state.
func (s *Service) Fallback(feedID string) (*Response, error) {
	requestID := uuid.NewString()
	feed, err := s.resolve(feedID)
	if err != nil {
		return nil, s.fail(feedID, requestID, err)
	}
	resp, err := s.fallback(feed, requestID, s.now())
	if err != nil {
		return nil, s.fail(feed.ID, requestID, err)
	}
	return resp, nil
}

// Health reports the guard health of every tracked key.
func (s *Service) Health() map[string]guard.HealthReport {
	return s.guard.Health()
}

// Reset clears guard state and history for key. A feed key also drops every
// cached consensus of the feed, including override entries.
func (s *Service) Reset(ctx context.Context, key string) {
	s.guard.Reset(key)
	if _, ok := s.feeds[key]; ok && s.cache != nil {
		if err := s.cache.DeleteFeed(ctx, key); err != nil {
			s.logger.Warn("Failed to drop cached consensus", "feed", key, "error", err)
		}
	}
}

// Feeds lists the configured feeds, sorted by ID.
func (s *Service) Feeds() []FeedInfo {
	out := make([]FeedInfo, 0, len(s.feeds))
	for _, feed := range s.feeds {
		status, _ := s.guard.Status(feed.ID)
		out = append(out, FeedInfo{
			ID:         feed.ID,
			Providers:  append([]string(nil), feed.Providers...),
			Method:     feed.Aggregation.Method,
			GuardState: status.State,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FeedIDs lists the configured canonical feed IDs, sorted.
func (s *Service) FeedIDs() []string {
	ids := make([]string, 0, len(s.feeds))
	for id := range s.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) resolve(feedID string) (Feed, error) {
	id, err := sources.CanonicalFeedID(feedID)
	if err != nil {
		return Feed{}, oracle.NewConfigurationError(fmt.Sprintf("invalid feed id %q", feedID)).WithCause(err)
	}
	feed, ok := s.feeds[id]
	if !ok {
		return Feed{}, oracle.NewConfigurationError(fmt.Sprintf("feed %s is not configured", id)).
			With("feed", id).
			WithCause(fmt.Errorf("%w: %s", ErrUnknownFeed, id))
	}
	return feed, nil
}

func (s *Service) fromCache(ctx context.Context, feed Feed, key string, opts Options, requestID string, start time.Time) (*Response, bool) {
	if s.cache == nil {
		return nil, false
	}
	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Cache read failed", "feed", feed.ID, "error", err)
		return nil, false
	}
	if !ok || entry.Result == nil {
		return nil, false
	}
	if opts.MaxStaleness > 0 && entry.Age(s.now()) > opts.MaxStaleness {
		return nil, false
	}

	resp := s.respond(feed, entry.Result, requestID, start)
	resp.Metadata.CacheHit = true
	metrics.RecordQuery(feed.ID, "cache")
	return resp, true
}

func (s *Service) fallback(feed Feed, requestID string, start time.Time) (*Response, error) {
	obs, err := s.guard.Fallback(feed.ID)
	if err != nil {
		return nil, oracle.NewAggregationError("no usable fallback", 0, 1).
			With("feed", feed.ID).
			WithCause(err)
	}
	resp := s.respond(feed, fallbackResult(obs, feed.Aggregation.Method), requestID, start)
	resp.Metadata.Fallback = true
	return resp, nil
}

func (s *Service) store(ctx context.Context, key string, result *oracle.AggregationResult) {
	if s.cache == nil || s.cfg.CacheTTL <= 0 {
		return
	}
	entry := cache.Entry{Result: result, StoredAt: s.now()}
	if err := s.cache.Set(ctx, key, entry, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("Cache write failed", "key", key, "error", err)
	}
}

func (s *Service) respond(feed Feed, result *oracle.AggregationResult, requestID string, start time.Time) *Response {
	status, _ := s.guard.Status(feed.ID)
	return &Response{
		Result: result,
		Value:  result.Value().String(),
		Metadata: Metadata{
			RequestID:  requestID,
			Latency:    s.now().Sub(start),
			Sources:    result.IncludedSources(),
			Method:     result.Method,
			GuardState: status.State,
		},
	}
}

// fail records a failed query and makes sure callers always get a typed error.
func (s *Service) fail(feedID, requestID string, err error) error {
	oe, ok := oracle.As(err)
	if !ok {
		oe = oracle.NewNetworkError("query", err).With("feed", feedID)
		err = oe
	}
	metrics.RecordQuery(feedID, string(oe.Kind))
	s.logger.Warn("Query failed",
		"request_id", requestID,
		"feed", feedID,
		"kind", oe.Kind,
		"severity", oe.Severity,
		"error", err)
	return err
}

// cacheKey includes every override that changes the consensus.
func cacheKey(feedID string, opts Options) string {
	var parts []string
	if opts.MaxStaleness > 0 {
		parts = append(parts, "stale="+opts.MaxStaleness.String())
	}
	if opts.MinConfidence > 0 {
		parts = append(parts, "conf="+strconv.Itoa(int(opts.MinConfidence)))
	}
	return cache.Key(feedID, parts...)
}

// fallbackResult wraps a history entry as an advisory single-source result.
func fallbackResult(obs oracle.Observation, method oracle.Method) *oracle.AggregationResult {
	return &oracle.AggregationResult{
		FeedID:   obs.FeedID,
		Price:    obs.PriceCopy(),
		Decimals: obs.Decimals,
		Method:   method,
		Sources: []oracle.SourceContribution{{
			Source:     obs.Source,
			Price:      obs.PriceCopy(),
			Weight:     1,
			Confidence: obs.Confidence,
			Included:   true,
		}},
		Confidence: float64(obs.Confidence),
		Outliers:   []oracle.Outlier{},
		Consensus:  oracle.Consensus{AgreementRatio: 1, Participants: 1},
		Timestamp:  obs.Time(),
	}
}
