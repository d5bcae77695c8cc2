package sources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// Collector fans a feed request out to registered providers and gathers one
// ProviderResult per requested provider. It never retries.
type Collector struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	logger    *logging.Logger
	now       func() time.Time
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithCollectorClock overrides the clock used for response times and ages.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates an empty collector.
func NewCollector(logger *logging.Logger, opts ...CollectorOption) *Collector {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	c := &Collector{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers a provider. A positive limit throttles it to limit requests
// per second with the given burst; a throttled request is answered with a
// RateLimitError without calling the provider.
func (c *Collector) Add(p Provider, limit rate.Limit, burst int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.providers[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	c.providers[p.Name()] = p
	if limit > 0 {
		if burst < 1 {
			burst = 1
		}
		c.limiters[p.Name()] = rate.NewLimiter(limit, burst)
	}
	c.logger.Info("Registered provider", "provider", p.Name(), "type", p.Type(), "feeds", p.Feeds())
	return nil
}

// Provider returns a registered provider by name.
func (c *Collector) Provider(name string) (Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

// Providers returns the registered provider names, sorted.
func (c *Collector) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect queries the named providers for feedID concurrently, bounded by
// timeout. Results are returned in the order of providers. Per-provider
// failures are reported in the results; the error return is reserved for an
// empty provider list.
func (c *Collector) Collect(ctx context.Context, feedID string, providers []string, timeout time.Duration) ([]ProviderResult, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProviders, feedID)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make([]ProviderResult, len(providers))
	var g errgroup.Group
	for i, name := range providers {
		i, name := i, name
		g.Go(func() error {
			results[i] = c.fetch(ctx, feedID, name)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (c *Collector) fetch(ctx context.Context, feedID, name string) ProviderResult {
	start := c.now()
	result := ProviderResult{Provider: name}

	c.mu.RLock()
	p, ok := c.providers[name]
	limiter := c.limiters[name]
	c.mu.RUnlock()

	switch {
	case !ok:
		result.Err = oracle.NewConfigurationError(fmt.Sprintf("provider %s is not registered", name)).
			With("source", name).
			WithCause(fmt.Errorf("%w: %s", ErrUnknownProvider, name))
	case limiter != nil && !limiter.Allow():
		result.Err = oracle.NewRateLimitError(name, retryAfter(limiter))
	default:
		obs, err := c.call(ctx, p, feedID)
		if err == nil {
			obs, err = c.vet(feedID, name, obs)
		}
		result.Observation, result.Err = obs, err
	}

	result.ResponseTime = c.now().Sub(start)
	c.record(feedID, result)
	return result
}

// call runs Fetch and abandons it when ctx expires so one provider ignoring
// cancellation cannot hold the collection past its timeout.
func (c *Collector) call(ctx context.Context, p Provider, feedID string) (oracle.Observation, error) {
	type outcome struct {
		obs oracle.Observation
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		obs, err := p.Fetch(ctx, feedID)
		done <- outcome{obs, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return oracle.Observation{}, classify(p.Name(), out.err)
		}
		return out.obs, nil
	case <-ctx.Done():
		return oracle.Observation{}, oracle.NewNetworkError(p.Name(), ctx.Err())
	}
}

// vet fills in the feed and source and validates the observation.
func (c *Collector) vet(feedID, name string, obs oracle.Observation) (oracle.Observation, error) {
	if obs.FeedID == "" {
		obs.FeedID = feedID
	}
	if obs.Source == "" {
		obs.Source = name
	}
	if obs.FeedID != feedID {
		return oracle.Observation{}, oracle.NewDataValidationError(
			fmt.Sprintf("provider answered for %s instead of %s", obs.FeedID, feedID), true).
			With("source", name)
	}
	if err := obs.Validate(); err != nil {
		return oracle.Observation{}, err
	}
	return obs, nil
}

func (c *Collector) record(feedID string, result ProviderResult) {
	if result.Err == nil {
		metrics.RecordProviderRequest(result.Provider, "success")
		metrics.RecordSourceUpdate(result.Provider, feedID, result.Observation.Age(c.now()))
		return
	}
	metrics.RecordProviderRequest(result.Provider, string(oracle.KindOf(result.Err)))
	c.logger.Debug("Provider failed",
		"provider", result.Provider,
		"feed", feedID,
		"error", result.Err,
		"response_time", result.ResponseTime)
}

// classify keeps typed errors and wraps anything else as a network failure.
func classify(name string, err error) error {
	var oe *oracle.Error
	if errors.As(err, &oe) {
		return err
	}
	return oracle.NewNetworkError(name, err)
}

func retryAfter(l *rate.Limiter) time.Duration {
	limit := float64(l.Limit())
	if limit <= 0 || math.IsInf(limit, 1) {
		return 0
	}
	return time.Duration(math.Round(float64(time.Second) / limit))
}
