package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
	"github.com/StrathCole/oracle-guard/pkg/version"
)

func priceServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, version.AgentString(), r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/v1/prices/ETH-USD":
			assert.Equal(t, "true", r.URL.Query().Get("allow_cached"))
			assert.Equal(t, "80", r.URL.Query().Get("min_confidence"))
			_ = json.NewEncoder(w).Encode(query.Response{
				Result: &oracle.AggregationResult{
					FeedID:     "ETH-USD",
					Price:      big.NewInt(340000000000),
					Decimals:   8,
					Confidence: 93,
					Consensus:  oracle.Consensus{Participants: 3, AgreementRatio: 1, ThresholdMet: true},
				},
				Value:    "3400",
				Metadata: query.Metadata{RequestID: "abc"},
			})
		case "/v1/prices/BTC-USD":
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": oracle.NewCircuitBreakerError("BTC-USD", 3, 3, time.Now(), time.Now().Add(time.Minute)),
			})
		case "/v1/guard/ETH-USD/a/reset":
			assert.Equal(t, http.MethodPost, r.Method)
			_, _ = w.Write([]byte(`{"reset":"ETH-USD/a"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestClient_Price(t *testing.T) {
	var hits atomic.Int32
	srv := priceServer(t, &hits)
	defer srv.Close()

	c, err := New(Config{Endpoints: []string{srv.URL + "/"}})
	require.NoError(t, err)

	resp, err := c.Price(context.Background(), "ETH-USD", query.Options{AllowCached: true, MinConfidence: 80})
	require.NoError(t, err)
	assert.Equal(t, "340000000000", resp.Result.Price.String())
	assert.True(t, resp.Result.Authoritative())
	assert.Equal(t, "abc", resp.Metadata.RequestID)

	require.NoError(t, c.ResetGuard(context.Background(), "ETH-USD/a"))
}

func TestClient_TypedErrorDoesNotFailOver(t *testing.T) {
	var hitsA, hitsB atomic.Int32
	a := priceServer(t, &hitsA)
	defer a.Close()
	b := priceServer(t, &hitsB)
	defer b.Close()

	c, err := New(Config{Endpoints: []string{a.URL, b.URL}})
	require.NoError(t, err)

	_, err = c.Price(context.Background(), "BTC-USD", query.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, oracle.ErrCircuitOpen)
	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(0), hitsB.Load())
	assert.Equal(t, a.URL, c.CurrentEndpoint())
}

func TestClient_FailsOverOnTransportErrors(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer down.Close()
	var hits atomic.Int32
	up := priceServer(t, &hits)
	defer up.Close()

	c, err := New(Config{Endpoints: []string{down.URL, up.URL}})
	require.NoError(t, err)

	resp, err := c.Price(context.Background(), "ETH-USD", query.Options{AllowCached: true, MinConfidence: 80})
	require.NoError(t, err)
	assert.Equal(t, "3400", resp.Value)
	assert.Equal(t, up.URL, c.CurrentEndpoint())
}

func TestClient_AllEndpointsDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	c, err := New(Config{Endpoints: []string{down.URL, down.URL}})
	require.NoError(t, err)

	_, err = c.Feeds(context.Background())
	require.Error(t, err)
	assert.Equal(t, oracle.KindNetwork, oracle.KindOf(err))
	assert.True(t, errors.Is(err, ErrServerHTTPError))

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrNoEndpoints)
}
