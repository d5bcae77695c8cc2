package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/guard"
	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
	"github.com/StrathCole/oracle-guard/pkg/version"
)

const maxErrorBody = 64 << 10

// Config configures a Client.
type Config struct {
	// Endpoints are base URLs tried in order, e.g. "http://oracle-a:8080".
	Endpoints []string
	Timeout   time.Duration
	Logger    *logging.Logger
}

// Client queries one or more oracle-guard servers. Transport failures rotate
// to the next endpoint; typed errors returned by a server do not.
type Client struct {
	endpoints []string
	current   int
	mu        sync.RWMutex
	http      *http.Client
	logger    *logging.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoints := make([]string, len(cfg.Endpoints))
	for i, e := range cfg.Endpoints {
		endpoints[i] = strings.TrimRight(e, "/")
	}
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}, nil
}

// Failover rotates to the next endpoint.
func (c *Client) Failover() {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current
	c.current = (c.current + 1) % len(c.endpoints)
	if old != c.current {
		c.logger.Warn("Failing over to next oracle endpoint",
			"from", c.endpoints[old],
			"to", c.endpoints[c.current])
	}
}

// CurrentEndpoint returns the currently active endpoint.
func (c *Client) CurrentEndpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoints[c.current]
}

// withFailover tries call on every endpoint at most once, rotating only on
// transport failures.
func withFailover[T any](ctx context.Context, c *Client, call func(base string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < len(c.endpoints); attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, oracle.NewNetworkError(c.CurrentEndpoint(), err)
		}
		result, err := call(c.CurrentEndpoint())
		if err == nil {
			return result, nil
		}
		if _, typed := oracle.As(err); typed {
			return zero, err
		}
		lastErr = oracle.NewNetworkError(c.CurrentEndpoint(), err)
		c.Failover()
	}
	return zero, lastErr
}

// Price fetches the consensus for feedID.
func (c *Client) Price(ctx context.Context, feedID string, opts query.Options) (*query.Response, error) {
	params := url.Values{}
	if opts.AllowCached {
		params.Set("allow_cached", "true")
	}
	if opts.RequireConsensus {
		params.Set("require_consensus", "true")
	}
	if opts.Timeout > 0 {
		params.Set("timeout", opts.Timeout.String())
	}
	if opts.MaxStaleness > 0 {
		params.Set("max_staleness", opts.MaxStaleness.String())
	}
	if opts.MinConfidence > 0 {
		params.Set("min_confidence", strconv.Itoa(int(opts.MinConfidence)))
	}

	path := "/v1/prices/" + url.PathEscape(feedID)
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return withFailover(ctx, c, func(base string) (*query.Response, error) {
		var resp query.Response
		return &resp, c.do(ctx, http.MethodGet, base+path, &resp)
	})
}

// Fallback fetches the guard fallback for feedID.
func (c *Client) Fallback(ctx context.Context, feedID string) (*query.Response, error) {
	return withFailover(ctx, c, func(base string) (*query.Response, error) {
		var resp query.Response
		return &resp, c.do(ctx, http.MethodGet, base+"/v1/prices/"+url.PathEscape(feedID)+"/fallback", &resp)
	})
}

// Feeds lists the server's configured feeds.
func (c *Client) Feeds(ctx context.Context) ([]query.FeedInfo, error) {
	return withFailover(ctx, c, func(base string) ([]query.FeedInfo, error) {
		var feeds []query.FeedInfo
		return feeds, c.do(ctx, http.MethodGet, base+"/v1/feeds", &feeds)
	})
}

// Guard fetches the server's guard health reports.
func (c *Client) Guard(ctx context.Context) (map[string]guard.HealthReport, error) {
	return withFailover(ctx, c, func(base string) (map[string]guard.HealthReport, error) {
		var reports map[string]guard.HealthReport
		return reports, c.do(ctx, http.MethodGet, base+"/v1/guard", &reports)
	})
}

// ResetGuard resets one guard key on the current endpoint.
func (c *Client) ResetGuard(ctx context.Context, key string) error {
	_, err := withFailover(ctx, c, func(base string) (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodPost, base+"/v1/guard/"+key+"/reset", nil)
	})
	return err
}

// do performs one request. Non-2xx responses carrying a typed error body
// return that *oracle.Error.
func (c *Client) do(ctx context.Context, method, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", version.AgentString())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var typed struct {
			Error *oracle.Error `json:"error"`
		}
		if json.Unmarshal(body, &typed) == nil && typed.Error != nil && typed.Error.Kind != "" {
			return typed.Error
		}
		return fmt.Errorf("%w: %d: %s", ErrServerHTTPError, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return oracle.NewDataValidationError(fmt.Sprintf("failed to decode response: %v", err), true)
	}
	return nil
}
