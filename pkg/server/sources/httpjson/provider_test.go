package httpjson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
	"github.com/StrathCole/oracle-guard/pkg/version"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, extra map[string]interface{}) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := map[string]interface{}{
		"url":        srv.URL + "/ticker?symbol={symbol}",
		"price_path": "data.{symbol}.price",
		"pairs":      map[string]interface{}{"ETH/USDT": "ETHUSDT"},
	}
	for k, v := range extra {
		cfg[k] = v
	}
	p, err := newProvider("test", cfg)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return p
}

func TestProvider_Fetch(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, version.AgentString(), r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("X-CMC-Key"))
		_, _ = w.Write([]byte(`{"data":{"ETHUSDT":{"price":"3412.12345678912","ts":1699999990123}}}`))
	}, map[string]interface{}{
		"api_key":        "secret",
		"api_key_header": "X-CMC-Key",
		"timestamp_path": "data.{symbol}.ts",
		"confidence":     85,
	})

	assert.Equal(t, []string{"ETH-USD"}, p.Feeds())
	assert.Equal(t, sources.SourceTypeHTTPJSON, p.Type())

	obs, err := p.Fetch(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "ETH-USD", obs.FeedID)
	assert.Equal(t, "341212345678", obs.Price.String())
	assert.Equal(t, uint8(8), obs.Decimals)
	assert.Equal(t, uint8(85), obs.Confidence)
	assert.Equal(t, int64(1699999990), obs.Timestamp)
	assert.Equal(t, uint64(1), obs.RoundID)
	assert.Equal(t, "test", obs.Source)
	assert.True(t, p.IsHealthy())
	assert.Equal(t, time.Unix(1_700_000_000, 0), p.LastUpdate())

	obs, err = p.Fetch(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), obs.RoundID)
}

func TestProvider_NumericPrice(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"ETHUSDT":{"price":0.5}}}`))
	}, map[string]interface{}{"decimals": 6})

	obs, err := p.Fetch(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "500000", obs.Price.String())
	assert.Equal(t, int64(1_700_000_000), obs.Timestamp)
}

func TestProvider_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		kind   oracle.Kind
		retry  string
	}{
		{"unauthorized", http.StatusUnauthorized, "", oracle.KindAuthentication, ""},
		{"forbidden", http.StatusForbidden, "", oracle.KindAuthentication, ""},
		{"throttled", http.StatusTooManyRequests, "30", oracle.KindRateLimit, "30s"},
		{"not found", http.StatusNotFound, "", oracle.KindConfiguration, ""},
		{"server error", http.StatusBadGateway, "", oracle.KindNetwork, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
			}, nil)

			_, err := p.Fetch(context.Background(), "ETH-USD")
			require.Error(t, err)
			assert.Equal(t, tt.kind, oracle.KindOf(err))
			if tt.retry != "" {
				e, _ := oracle.As(err)
				assert.Equal(t, tt.retry, e.Context["retry_after"])
			}
			assert.False(t, p.IsHealthy())
		})
	}
}

func TestProvider_InvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"missing path", `{"data":{}}`},
		{"not a number", `{"data":{"ETHUSDT":{"price":"n/a"}}}`},
		{"zero", `{"data":{"ETHUSDT":{"price":"0"}}}`},
		{"negative", `{"data":{"ETHUSDT":{"price":-3}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}, nil)

			_, err := p.Fetch(context.Background(), "ETH-USD")
			require.Error(t, err)
			assert.ErrorIs(t, err, oracle.ErrDataValidation)
		})
	}
}

func TestProvider_UnsupportedFeed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("unexpected request")
	}, nil)

	_, err := p.Fetch(context.Background(), "BTC-USD")
	require.Error(t, err)
	assert.Equal(t, oracle.KindConfiguration, oracle.KindOf(err))
	assert.ErrorIs(t, err, sources.ErrUnsupportedFeed)
}

func TestNew_Validation(t *testing.T) {
	pairs := map[string]interface{}{"ETH-USD": "ETHUSDT"}
	tests := []struct {
		name string
		cfg  map[string]interface{}
	}{
		{"no url", map[string]interface{}{"price_path": "price", "pairs": pairs}},
		{"no path", map[string]interface{}{"url": "http://x", "pairs": pairs}},
		{"no pairs", map[string]interface{}{"url": "http://x", "price_path": "price"}},
		{"bad decimals", map[string]interface{}{"url": "http://x", "price_path": "price", "pairs": pairs, "decimals": 19}},
		{"bad confidence", map[string]interface{}{"url": "http://x", "price_path": "price", "pairs": pairs, "confidence": 101}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("x", tt.cfg)
			assert.ErrorIs(t, err, sources.ErrInvalidConfig)
		})
	}
}

func TestRegistered(t *testing.T) {
	p, err := sources.Create(sources.SourceTypeHTTPJSON, "binance", map[string]interface{}{
		"url":        "https://api.binance.com/api/v3/ticker/price?symbol={symbol}",
		"price_path": "price",
		"pairs":      map[string]interface{}{"BTC-USDT": "BTCUSDT"},
	})
	require.NoError(t, err)
	assert.Equal(t, "binance", p.Name())
	assert.Equal(t, []string{"BTC-USD"}, p.Feeds())
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, retryAfter("5", now))
	assert.Equal(t, time.Minute, retryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, retryAfter("soon", now))
	assert.Zero(t, retryAfter("", now))
}
