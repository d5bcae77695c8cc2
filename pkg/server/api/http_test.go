package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-guard/pkg/guard"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Query(ctx context.Context, feedID string, opts query.Options) (*query.Response, error) {
	args := m.Called(ctx, feedID, opts)
	resp, _ := args.Get(0).(*query.Response)
	return resp, args.Error(1)
}

func (m *mockService) Fallback(feedID string) (*query.Response, error) {
	args := m.Called(feedID)
	resp, _ := args.Get(0).(*query.Response)
	return resp, args.Error(1)
}

func (m *mockService) Health() map[string]guard.HealthReport {
	return m.Called().Get(0).(map[string]guard.HealthReport)
}

func (m *mockService) Reset(ctx context.Context, key string) {
	m.Called(ctx, key)
}

func (m *mockService) Feeds() []query.FeedInfo {
	return m.Called().Get(0).([]query.FeedInfo)
}

func sampleResponse() *query.Response {
	result := &oracle.AggregationResult{
		FeedID:     "ETH-USD",
		Price:      big.NewInt(340050000000),
		Decimals:   8,
		Method:     oracle.MethodMedian,
		Confidence: 92,
		Sources: []oracle.SourceContribution{
			{Source: "a", Price: big.NewInt(340050000000), Weight: 1, Confidence: 90, Included: true},
		},
		Outliers:  []oracle.Outlier{},
		Consensus: oracle.Consensus{AgreementRatio: 1, Participants: 3, ThresholdMet: true},
		Timestamp: time.Unix(1_700_000_000, 0),
	}
	return &query.Response{
		Result: result,
		Value:  result.Value().String(),
		Metadata: query.Metadata{
			RequestID:  "req-1",
			Sources:    []string{"a"},
			Method:     oracle.MethodMedian,
			GuardState: guard.StateClosed,
		},
	}
}

func serve(t *testing.T, svc QueryService, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(":0", svc, 3*time.Second, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandlePrice_Success(t *testing.T) {
	svc := &mockService{}
	svc.On("Query", mock.Anything, "ETH-USD", query.Options{
		AllowCached:      true,
		RequireConsensus: true,
		MinConfidence:    70,
		MaxStaleness:     30 * time.Second,
		Timeout:          500 * time.Millisecond,
	}).Return(sampleResponse(), nil).Once()

	rec := serve(t, svc, http.MethodGet,
		"/v1/prices/ETH-USD?allow_cached=true&require_consensus=1&min_confidence=70&max_staleness=30s&timeout=500ms")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Result struct {
			Price    json.Number `json:"price"`
			Decimals int         `json:"decimals"`
		} `json:"result"`
		Value    string         `json:"value"`
		Metadata query.Metadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "340050000000", body.Result.Price.String())
	assert.Equal(t, "3400.5", body.Value)
	assert.Equal(t, "req-1", body.Metadata.RequestID)
	svc.AssertExpectations(t)
}

func TestHandlePrice_DefaultTimeout(t *testing.T) {
	svc := &mockService{}
	svc.On("Query", mock.Anything, "ETH-USD", query.Options{Timeout: 3 * time.Second}).
		Return(sampleResponse(), nil).Once()

	rec := serve(t, svc, http.MethodGet, "/v1/prices/ETH-USD")
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestHandlePrice_BadParams(t *testing.T) {
	for _, target := range []string{
		"/v1/prices/ETH-USD?allow_cached=maybe",
		"/v1/prices/ETH-USD?timeout=soon",
		"/v1/prices/ETH-USD?min_confidence=101",
		"/v1/prices/ETH-USD?max_staleness=-1s",
	} {
		svc := &mockService{}
		rec := serve(t, svc, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		svc.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestHandlePrice_ErrorStatus(t *testing.T) {
	next := time.Now().Add(42 * time.Second)
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter bool
	}{
		{"circuit open", oracle.NewCircuitBreakerError("ETH-USD", 3, 3, time.Now(), next), http.StatusServiceUnavailable, true},
		{"rate limit", oracle.NewRateLimitError("a", 30*time.Second), http.StatusTooManyRequests, true},
		{"network", oracle.NewNetworkError("a", errors.New("reset")), http.StatusBadGateway, false},
		{"auth", oracle.NewAuthenticationError("a", nil), http.StatusBadGateway, false},
		{"unknown feed", oracle.NewConfigurationError("feed BTC-USD is not configured").WithCause(query.ErrUnknownFeed), http.StatusNotFound, false},
		{"configuration", oracle.NewConfigurationError("bad"), http.StatusBadRequest, false},
		{"aggregation", oracle.NewAggregationError("no viable sources", 0, 3), http.StatusUnprocessableEntity, false},
		{"deviation", oracle.NewPriceDeviationError("ETH-USD", big.NewInt(125), big.NewInt(100), 25, 20), http.StatusUnprocessableEntity, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("Query", mock.Anything, "ETH-USD", mock.Anything).Return(nil, tt.err).Once()

			rec := serve(t, svc, http.MethodGet, "/v1/prices/ETH-USD")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After") != "")

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotNil(t, body.Error)
			assert.Equal(t, oracle.KindOf(tt.err), body.Error.Kind)
		})
	}
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
}

func TestHandleFallbackGuardAndReset(t *testing.T) {
	svc := &mockService{}
	fb := sampleResponse()
	fb.Metadata.Fallback = true
	svc.On("Fallback", "ETH-USD").Return(fb, nil).Once()
	svc.On("Health").Return(map[string]guard.HealthReport{
		"ETH-USD":   {Health: guard.HealthHealthy, Status: guard.Status{State: guard.StateClosed}},
		"ETH-USD/d": {Health: guard.HealthCritical, Status: guard.Status{State: guard.StateOpen}},
	})
	svc.On("Reset", mock.Anything, "ETH-USD/d").Once()
	svc.On("Feeds").Return([]query.FeedInfo{{ID: "ETH-USD", Providers: []string{"a", "d"}}})

	rec := serve(t, svc, http.MethodGet, "/v1/prices/ETH-USD/fallback")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fallback":true`)

	rec = serve(t, svc, http.MethodGet, "/v1/guard")
	require.Equal(t, http.StatusOK, rec.Code)
	var reports map[string]guard.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	assert.Equal(t, guard.StateOpen, reports["ETH-USD/d"].Status.State)

	rec = serve(t, svc, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, guard.HealthCritical, health.Status)
	assert.Equal(t, []string{"ETH-USD/d"}, health.Open)

	rec = serve(t, svc, http.MethodPost, "/v1/guard/ETH-USD/d/reset")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, svc, http.MethodGet, "/v1/feeds")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ETH-USD"`)

	rec = serve(t, svc, http.MethodGet, "/v1/guard/ETH-USD/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	svc.AssertExpectations(t)
}
