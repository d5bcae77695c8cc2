package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKindSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		sentinel error
	}{
		{"network", NewNetworkError("binance", errors.New("reset")), ErrNetwork},
		{"validation", NewDataValidationError("bad payload", false), ErrDataValidation},
		{"stale", NewStaleDataError("kraken", time.Minute, 30*time.Second), ErrStaleData},
		{"deviation", NewPriceDeviationError("ETH-USD", big.NewInt(130), big.NewInt(100), 30, 20), ErrPriceDeviation},
		{"low confidence", NewLowConfidenceError("okx", 40, 50), ErrLowConfidence},
		{"circuit", NewCircuitBreakerError("ETH-USD", 3, 3, time.Now(), time.Now()), ErrCircuitOpen},
		{"aggregation", NewAggregationError("no viable sources", 0, 1), ErrAggregation},
		{"configuration", NewConfigurationError("min > max"), ErrConfiguration},
		{"rate limit", NewRateLimitError("coingecko", 0), ErrRateLimit},
		{"authentication", NewAuthenticationError("cmc", nil), ErrAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("query: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			for _, other := range kindSentinels {
				if other != tt.sentinel {
					assert.NotErrorIs(t, wrapped, other)
				}
			}
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	err := NewNetworkError("binance", context.DeadlineExceeded)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Contains(t, err.Error(), "source=binance")
}

func TestError_AsAndKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewRateLimitError("okx", 2*time.Minute))

	oe, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, oe.Kind)
	assert.Equal(t, SeverityMedium, oe.Severity)
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Severity(""), SeverityOf(nil))
}

func TestPriceDeviationError_Severity(t *testing.T) {
	tests := []struct {
		deviation float64
		want      Severity
	}{
		{25, SeverityMedium},
		{45, SeverityHigh},
		{90, SeverityCritical},
	}
	for _, tt := range tests {
		err := NewPriceDeviationError("ETH-USD", big.NewInt(1), big.NewInt(1), tt.deviation, 20)
		assert.Equal(t, tt.want, err.Severity, "deviation %.0f", tt.deviation)
	}
}

func TestCircuitBreakerError_Context(t *testing.T) {
	last := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := NewCircuitBreakerError("ETH-USD", 6, 3, last, last.Add(time.Minute))

	assert.Equal(t, SeverityCritical, err.Severity)
	assert.Equal(t, 6, err.Context["failures"])
	assert.Equal(t, "2024-01-01T00:00:00Z", err.Context["last_failure"])
	assert.NotEmpty(t, err.RecoveryActions)
}

func TestSeverity_Rank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
}
