// Package static serves fixed prices. It pins pegged assets and feeds test
// deployments without an upstream.
package static

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

const (
	defaultDecimals   = 8
	defaultConfidence = 100
)

// Provider returns the configured price of a feed on every fetch.
//
// Example config:
//
//	pairs: { "USDC-USD": "1.00", "EUR-USD": "1.085" }
type Provider struct {
	*sources.BaseProvider

	mu         sync.RWMutex
	prices     map[string]*big.Int
	decimals   uint8
	confidence uint8
	round      atomic.Uint64
	now        func() time.Time
}

// New creates a provider from config. The pair values are decimal prices.
func New(name string, config map[string]interface{}) (sources.Provider, error) {
	return newProvider(name, config)
}

func newProvider(name string, config map[string]interface{}) (*Provider, error) {
	pairs, err := sources.ParsePairsFromMap(config)
	if err != nil {
		return nil, err
	}
	decimals := sources.GetInt(config, "decimals", defaultDecimals)
	if decimals < 0 || decimals > oracle.MaxDecimals {
		return nil, fmt.Errorf("%w: decimals %d outside 0..%d", sources.ErrInvalidConfig, decimals, oracle.MaxDecimals)
	}
	confidence := sources.GetInt(config, "confidence", defaultConfidence)
	if confidence < 0 || confidence > oracle.MaxConfidence {
		return nil, fmt.Errorf("%w: confidence %d outside 0..100", sources.ErrInvalidConfig, confidence)
	}

	p := &Provider{
		BaseProvider: sources.NewBaseProvider(name, sources.SourceTypeStatic, pairs, sources.GetLoggerFromConfig(config)),
		prices:       make(map[string]*big.Int, len(pairs)),
		decimals:     uint8(decimals),
		confidence:   uint8(confidence),
		now:          time.Now,
	}
	for feed, raw := range pairs {
		if err := p.Set(feed, raw); err != nil {
			return nil, err
		}
	}
	p.SetHealthy(true)
	return p, nil
}

// Set replaces the price served for a feed.
func (p *Provider) Set(feedID, value string) error {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("%w: %s price %q: %v", sources.ErrInvalidConfig, feedID, value, err)
	}
	if !d.IsPositive() {
		return fmt.Errorf("%w: %s price must be positive", sources.ErrInvalidConfig, feedID)
	}
	p.mu.Lock()
	p.prices[feedID] = d.Shift(int32(p.decimals)).BigInt()
	p.mu.Unlock()
	return nil
}

// Fetch returns the configured price stamped with the current time.
func (p *Provider) Fetch(ctx context.Context, feedID string) (oracle.Observation, error) {
	if err := ctx.Err(); err != nil {
		return oracle.Observation{}, oracle.NewNetworkError(p.Name(), err)
	}
	p.mu.RLock()
	price, ok := p.prices[feedID]
	p.mu.RUnlock()
	if !ok {
		return oracle.Observation{}, oracle.NewConfigurationError(fmt.Sprintf("provider %s does not serve %s", p.Name(), feedID)).
			WithCause(sources.ErrUnsupportedFeed)
	}

	now := p.now()
	obs, err := oracle.NewObservation(feedID, price, p.decimals, now, p.round.Add(1), p.confidence, p.Name())
	if err != nil {
		return oracle.Observation{}, err
	}
	p.MarkSuccess(now)
	return obs, nil
}
