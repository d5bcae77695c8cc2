// Package httpjson implements a configurable provider that reads a price out
// of any JSON HTTP endpoint with a gjson path.
package httpjson

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
	"github.com/StrathCole/oracle-guard/pkg/version"
)

const (
	symbolPlaceholder = "{symbol}"
	maxBodySize       = 1 << 20

	defaultDecimals   = 8
	defaultConfidence = 90
	defaultTimeout    = 5 * time.Second
	defaultKeyHeader  = "X-API-Key"

	// Timestamps above this are taken to be in milliseconds.
	millisThreshold = 1e12
)

// Provider fetches one JSON document per feed. The URL and both paths may
// contain {symbol}, replaced by the provider-specific symbol of the feed.
// A preset supplies the layout of a known public API.
//
// Example config:
//
//	url: https://api.binance.com/api/v3/ticker/price?symbol={symbol}
//	price_path: price
//	pairs: { "BTC-USD": "BTCUSDT" }
//
// or equivalently:
//
//	preset: binance
//	pairs: { "BTC-USD": "BTCUSDT" }
type Provider struct {
	*sources.BaseProvider

	url           string
	pricePath     string
	timestampPath string
	headers       map[string]string
	decimals      uint8
	confidence    uint8
	client        *http.Client
	round         atomic.Uint64
	now           func() time.Time
}

// New creates a provider from config.
func New(name string, config map[string]interface{}) (sources.Provider, error) {
	return newProvider(name, config)
}

func newProvider(name string, config map[string]interface{}) (*Provider, error) {
	config, err := withPreset(config)
	if err != nil {
		return nil, err
	}
	url := sources.GetString(config, "url", "")
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", sources.ErrInvalidConfig)
	}
	pricePath := sources.GetString(config, "price_path", "")
	if pricePath == "" {
		return nil, fmt.Errorf("%w: price_path is required", sources.ErrInvalidConfig)
	}
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

	headers := sources.GetStringMap(config, "headers")
	if headers == nil {
		headers = make(map[string]string)
	}
	if key := sources.GetString(config, "api_key", ""); key != "" {
		headers[sources.GetString(config, "api_key_header", defaultKeyHeader)] = key
	}

	p := &Provider{
		BaseProvider:  sources.NewBaseProvider(name, sources.SourceTypeHTTPJSON, pairs, sources.GetLoggerFromConfig(config)),
		url:           url,
		pricePath:     pricePath,
		timestampPath: sources.GetString(config, "timestamp_path", ""),
		headers:       headers,
		decimals:      uint8(decimals),
		confidence:    uint8(confidence),
		client:        &http.Client{Timeout: sources.GetDuration(config, "timeout", defaultTimeout)},
		now:           time.Now,
	}
	p.Logger().Info("Initializing HTTP JSON provider", "feeds", len(pairs), "decimals", decimals)
	return p, nil
}

// Fetch requests the feed's document and extracts its price.
func (p *Provider) Fetch(ctx context.Context, feedID string) (oracle.Observation, error) {
	symbol, ok := p.Symbol(feedID)
	if !ok {
		return oracle.Observation{}, oracle.NewConfigurationError(fmt.Sprintf("provider %s does not serve %s", p.Name(), feedID)).
			WithCause(sources.ErrUnsupportedFeed)
	}

	body, err := p.get(ctx, expand(p.url, symbol))
	if err != nil {
		p.MarkFailure(err)
		return oracle.Observation{}, err
	}

	obs, err := p.parse(body, feedID, symbol)
	if err != nil {
		p.MarkFailure(err)
		return oracle.Observation{}, err
	}
	p.MarkSuccess(p.now())
	return obs, nil
}

func (p *Provider) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, oracle.NewConfigurationError("invalid provider url").With("source", p.Name()).WithCause(err)
	}
	req.Header.Set("User-Agent", version.AgentString())
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, oracle.NewNetworkError(p.Name(), err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, oracle.NewNetworkError(p.Name(), fmt.Errorf("failed to read response: %w", err))
	}
	return body, nil
}

func (p *Provider) checkStatus(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return oracle.NewAuthenticationError(p.Name(), fmt.Errorf("%w: %d", sources.ErrUnexpectedStatus, code))
	case code == http.StatusTooManyRequests:
		return oracle.NewRateLimitError(p.Name(), retryAfter(resp.Header.Get("Retry-After"), p.now()))
	case code == http.StatusNotFound:
		return oracle.NewConfigurationError("provider endpoint not found").
			With("source", p.Name()).
			WithCause(fmt.Errorf("%w: %d", sources.ErrUnexpectedStatus, code))
	default:
		return oracle.NewNetworkError(p.Name(), fmt.Errorf("%w: %d", sources.ErrUnexpectedStatus, code))
	}
}

func (p *Provider) parse(body []byte, feedID, symbol string) (oracle.Observation, error) {
	if !gjson.ValidBytes(body) {
		return oracle.Observation{}, oracle.NewDataValidationError("response is not valid JSON", true).
			With("source", p.Name()).
			WithCause(sources.ErrInvalidResponse)
	}

	raw := gjson.GetBytes(body, expand(p.pricePath, symbol))
	if !raw.Exists() {
		return oracle.Observation{}, oracle.NewDataValidationError("price path not found", true).
			With("source", p.Name()).
			With("path", expand(p.pricePath, symbol)).
			WithCause(sources.ErrInvalidResponse)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw.String()))
	if err != nil {
		return oracle.Observation{}, oracle.NewDataValidationError("price is not a number", true).
			With("source", p.Name()).
			With("value", raw.String()).
			WithCause(err)
	}
	if !value.IsPositive() {
		return oracle.Observation{}, oracle.NewDataValidationError("price must be strictly positive", false).
			With("source", p.Name()).
			With("value", value.String())
	}

	timestamp := p.now()
	if p.timestampPath != "" {
		if ts, ok := parseTimestamp(gjson.GetBytes(body, expand(p.timestampPath, symbol))); ok {
			timestamp = ts
		}
	}

	price := value.Shift(int32(p.decimals)).BigInt()
	return oracle.NewObservation(feedID, price, p.decimals, timestamp, p.round.Add(1), p.confidence, p.Name())
}

func expand(template, symbol string) string {
	return strings.ReplaceAll(template, symbolPlaceholder, symbol)
}

// parseTimestamp accepts unix seconds, unix milliseconds and RFC 3339.
func parseTimestamp(r gjson.Result) (time.Time, bool) {
	if !r.Exists() {
		return time.Time{}, false
	}
	if r.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t, true
		}
	}
	v := r.Float()
	switch {
	case v <= 0:
		return time.Time{}, false
	case v > millisThreshold:
		return time.UnixMilli(int64(v)), true
	}
	return time.Unix(int64(v), 0), true
}

// retryAfter accepts both Retry-After forms.
func retryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
