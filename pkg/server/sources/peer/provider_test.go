package peer

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Price(ctx context.Context, feedID string, opts query.Options) (*query.Response, error) {
	args := m.Called(ctx, feedID, opts)
	resp, _ := args.Get(0).(*query.Response)
	return resp, args.Error(1)
}

func consensus(threshold bool) *query.Response {
	return &query.Response{Result: &oracle.AggregationResult{
		FeedID:     "ETH-USDT",
		Price:      big.NewInt(340012000000),
		Decimals:   8,
		Confidence: 91.6,
		Consensus:  oracle.Consensus{Participants: 3, AgreementRatio: 1, ThresholdMet: threshold},
		Timestamp:  time.Unix(1_700_000_000, 0),
	}}
}

func newTestProvider(c priceClient) *Provider {
	base := sources.NewBaseProvider("oracle-b", sources.SourceTypePeer, map[string]string{"ETH-USD": "ETH-USDT"}, logging.NewNoopLogger())
	return newProvider(base, c, true)
}

func TestProvider_Fetch(t *testing.T) {
	c := &mockClient{}
	c.On("Price", mock.Anything, "ETH-USDT", query.Options{AllowCached: true, RequireConsensus: true}).
		Return(consensus(true), nil)
	p := newTestProvider(c)

	obs, err := p.Fetch(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "ETH-USD", obs.FeedID)
	assert.Equal(t, "340012000000", obs.Price.String())
	assert.Equal(t, uint8(92), obs.Confidence)
	assert.Equal(t, int64(1_700_000_000), obs.Timestamp)
	assert.Equal(t, "oracle-b", obs.Source)
	assert.Equal(t, uint64(1), obs.RoundID)
	assert.True(t, p.IsHealthy())
	c.AssertExpectations(t)
}

func TestProvider_RejectsAdvisoryAndErrors(t *testing.T) {
	c := &mockClient{}
	c.On("Price", mock.Anything, "ETH-USDT", mock.Anything).Return(consensus(false), nil).Once()
	c.On("Price", mock.Anything, "ETH-USDT", mock.Anything).
		Return(nil, oracle.NewCircuitBreakerError("ETH-USDT", 3, 3, time.Time{}, time.Time{})).Once()
	c.On("Price", mock.Anything, "ETH-USDT", mock.Anything).Return(&query.Response{}, nil).Once()
	p := newTestProvider(c)

	_, err := p.Fetch(context.Background(), "ETH-USD")
	assert.ErrorIs(t, err, oracle.ErrAggregation)
	assert.False(t, p.IsHealthy())

	_, err = p.Fetch(context.Background(), "ETH-USD")
	assert.ErrorIs(t, err, oracle.ErrCircuitOpen)

	_, err = p.Fetch(context.Background(), "ETH-USD")
	assert.ErrorIs(t, err, oracle.ErrDataValidation)

	_, err = p.Fetch(context.Background(), "BTC-USD")
	assert.ErrorIs(t, err, sources.ErrUnsupportedFeed)
	c.AssertExpectations(t)
}

func TestNew_AgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/prices/ETH-USDT", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("require_consensus"))
		_ = json.NewEncoder(w).Encode(consensus(true))
	}))
	defer srv.Close()

	p, err := sources.Create(sources.SourceTypePeer, "oracle-b", map[string]interface{}{
		"endpoints": []interface{}{srv.URL},
		"pairs":     map[string]interface{}{"ETH-USD": "ETH-USDT"},
	})
	require.NoError(t, err)

	obs, err := p.Fetch(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "340012000000", obs.Price.String())
}

func TestNew_RequiresEndpoints(t *testing.T) {
	_, err := New("oracle-b", map[string]interface{}{
		"pairs": map[string]interface{}{"ETH-USD": "ETH-USD"},
	})
	assert.ErrorIs(t, err, sources.ErrInvalidConfig)
}
