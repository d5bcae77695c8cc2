// Package peer uses the consensus of another oracle-guard deployment as one
// provider, so independent deployments can cross-check each other.
package peer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/client"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

const defaultTimeout = 5 * time.Second

// priceClient is the part of client.Client the provider needs.
type priceClient interface {
	Price(ctx context.Context, feedID string, opts query.Options) (*query.Response, error)
}

// Provider fetches a peer's consensus. Pair values name the peer's feed ID,
// which is usually the same canonical ID.
//
// Example config:
//
//	endpoints: [http://oracle-b:8080, http://oracle-c:8080]
//	pairs: { "ETH-USD": "ETH-USD" }
//	allow_cached: true
type Provider struct {
	*sources.BaseProvider

	client      priceClient
	allowCached bool
	round       atomic.Uint64
	now         func() time.Time
}

// New creates a provider from config.
func New(name string, config map[string]interface{}) (sources.Provider, error) {
	pairs, err := sources.ParsePairsFromMap(config)
	if err != nil {
		return nil, err
	}
	logger := sources.GetLoggerFromConfig(config)
	c, err := client.New(client.Config{
		Endpoints: sources.GetStringSlice(config, "endpoints"),
		Timeout:   sources.GetDuration(config, "timeout", defaultTimeout),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sources.ErrInvalidConfig, err)
	}
	allowCached, _ := config["allow_cached"].(bool)
	return newProvider(sources.NewBaseProvider(name, sources.SourceTypePeer, pairs, logger), c, allowCached), nil
}

func newProvider(base *sources.BaseProvider, c priceClient, allowCached bool) *Provider {
	return &Provider{
		BaseProvider: base,
		client:       c,
		allowCached:  allowCached,
		now:          time.Now,
	}
}

// Fetch queries the peer. Only authoritative peer results are accepted.
func (p *Provider) Fetch(ctx context.Context, feedID string) (oracle.Observation, error) {
	remote, ok := p.Symbol(feedID)
	if !ok {
		return oracle.Observation{}, oracle.NewConfigurationError(fmt.Sprintf("provider %s does not serve %s", p.Name(), feedID)).
			WithCause(sources.ErrUnsupportedFeed)
	}

	resp, err := p.client.Price(ctx, remote, query.Options{
		AllowCached:      p.allowCached,
		RequireConsensus: true,
	})
	if err != nil {
		p.MarkFailure(err)
		return oracle.Observation{}, err
	}
	if resp.Result == nil || resp.Result.Price == nil {
		err := oracle.NewDataValidationError("peer returned no result", true).
			With("source", p.Name()).
			WithCause(sources.ErrInvalidResponse)
		p.MarkFailure(err)
		return oracle.Observation{}, err
	}
	if !resp.Result.Authoritative() {
		err := oracle.NewAggregationError("peer consensus is advisory", resp.Result.Consensus.Participants, 0).
			With("source", p.Name())
		p.MarkFailure(err)
		return oracle.Observation{}, err
	}

	obs := resp.Result.Observation(p.Name())
	obs.FeedID = feedID
	obs.RoundID = p.round.Add(1)
	if err := obs.Validate(); err != nil {
		p.MarkFailure(err)
		return oracle.Observation{}, err
	}
	p.MarkSuccess(p.now())
	return obs, nil
}
