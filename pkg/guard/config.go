package guard

import (
	"fmt"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// Config holds the failure guard parameters shared by every key.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a key.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes a key.
	SuccessThreshold int
	// Timeout is how long a key stays open before a half-open probe is allowed.
	Timeout time.Duration
	// MonitoringWindow bounds fallback age to twice its value.
	MonitoringWindow time.Duration
	// MaxPriceDeviation is the deviation limit in percent.
	MaxPriceDeviation float64
	// HistorySize is the ring buffer capacity per feed.
	HistorySize int
	// ReferenceWindow is the number of recent history entries whose median is
	// the deviation reference.
	ReferenceWindow int
	// FallbackConfidencePenalty is subtracted from fallback confidence.
	FallbackConfidencePenalty uint8
	// DegradedFailureRate is the failure rate above which a key is degraded.
	DegradedFailureRate float64
	// HalfOpenMaxProbes caps in-flight half-open probes per key. 0 admits every
	// concurrent probe.
	HalfOpenMaxProbes int
}

// DefaultConfig returns the default guard parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:          5,
		SuccessThreshold:          2,
		Timeout:                   60 * time.Second,
		MonitoringWindow:          5 * time.Minute,
		MaxPriceDeviation:         20,
		HistorySize:               50,
		ReferenceWindow:           5,
		FallbackConfidencePenalty: 20,
		DegradedFailureRate:       0.10,
		HalfOpenMaxProbes:         0,
	}
}

// Validate rejects invalid guard parameters with a ConfigurationError.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return invalid("failure_threshold must be at least 1, got %d", c.FailureThreshold)
	case c.SuccessThreshold < 1:
		return invalid("success_threshold must be at least 1, got %d", c.SuccessThreshold)
	case c.Timeout <= 0:
		return invalid("timeout must be positive, got %s", c.Timeout)
	case c.MonitoringWindow <= 0:
		return invalid("monitoring_window must be positive, got %s", c.MonitoringWindow)
	case c.MaxPriceDeviation <= 0:
		return invalid("max_price_deviation must be positive, got %v", c.MaxPriceDeviation)
	case c.HistorySize < 1:
		return invalid("history_size must be at least 1, got %d", c.HistorySize)
	case c.ReferenceWindow < 1 || c.ReferenceWindow > c.HistorySize:
		return invalid("reference_window must be within 1..%d, got %d", c.HistorySize, c.ReferenceWindow)
	case c.FallbackConfidencePenalty > oracle.MaxConfidence:
		return invalid("fallback_confidence_penalty must be within 0..100, got %d", c.FallbackConfidencePenalty)
	case c.DegradedFailureRate < 0 || c.DegradedFailureRate > 1:
		return invalid("degraded_failure_rate must be within 0..1, got %v", c.DegradedFailureRate)
	case c.HalfOpenMaxProbes < 0:
		return invalid("half_open_max_probes must not be negative, got %d", c.HalfOpenMaxProbes)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return oracle.NewConfigurationError(fmt.Sprintf(format, args...)).WithCause(ErrInvalidConfig)
}
