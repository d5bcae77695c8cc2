package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strings"
	"time"
)

// Kind tags an Error with its place in the closed taxonomy.
type Kind string

const (
	KindNetwork        Kind = "NETWORK_ERROR"
	KindDataValidation Kind = "DATA_VALIDATION_ERROR"
	KindStaleData      Kind = "STALE_DATA_ERROR"
	KindPriceDeviation Kind = "PRICE_DEVIATION_ERROR"
	KindLowConfidence  Kind = "LOW_CONFIDENCE_ERROR"
	KindCircuitBreaker Kind = "CIRCUIT_BREAKER_ERROR"
	KindAggregation    Kind = "AGGREGATION_ERROR"
	KindConfiguration  Kind = "CONFIGURATION_ERROR"
	KindRateLimit      Kind = "RATE_LIMIT_ERROR"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
)

// Severity grades an Error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

var (
	// ErrNetwork matches provider transport failures.
	ErrNetwork = errors.New("network error")
	// ErrDataValidation matches structurally invalid payloads.
	ErrDataValidation = errors.New("data validation error")
	// ErrStaleData matches observations older than their window.
	ErrStaleData = errors.New("stale data")
	// ErrPriceDeviation matches prices too far from recent history.
	ErrPriceDeviation = errors.New("price deviation")
	// ErrLowConfidence matches observations below the minimum confidence.
	ErrLowConfidence = errors.New("low confidence")
	// ErrCircuitOpen matches calls rejected by the failure guard.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrAggregation matches failures to reach consensus.
	ErrAggregation = errors.New("aggregation error")
	// ErrConfiguration matches invalid parameter combinations.
	ErrConfiguration = errors.New("configuration error")
	// ErrRateLimit matches upstream throttling.
	ErrRateLimit = errors.New("rate limited")
	// ErrAuthentication matches upstream credential failures.
	ErrAuthentication = errors.New("authentication error")
)

var kindSentinels = map[Kind]error{
	KindNetwork:        ErrNetwork,
	KindDataValidation: ErrDataValidation,
	KindStaleData:      ErrStaleData,
	KindPriceDeviation: ErrPriceDeviation,
	KindLowConfidence:  ErrLowConfidence,
	KindCircuitBreaker: ErrCircuitOpen,
	KindAggregation:    ErrAggregation,
	KindConfiguration:  ErrConfiguration,
	KindRateLimit:      ErrRateLimit,
	KindAuthentication: ErrAuthentication,
}

// Error is the typed failure returned by every rejected path.
type Error struct {
	Kind            Kind                   `json:"kind"`
	Severity        Severity               `json:"severity"`
	Message         string                 `json:"message"`
	Timestamp       time.Time              `json:"timestamp"`
	Context         map[string]interface{} `json:"context,omitempty"`
	RecoveryActions []string               `json:"recovery_actions,omitempty"`
	Cause           error                  `json:"-"`
}

func newError(kind Kind, severity Severity, msg string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Severity:  severity,
		Message:   msg,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" [")
	b.WriteString(string(e.Severity))
	b.WriteString("]: ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// With attaches a context value and returns the error for chaining.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecovery appends recovery hints.
func (e *Error) WithRecovery(actions ...string) *Error {
	e.RecoveryActions = append(e.RecoveryActions, actions...)
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	if oe, ok := As(err); ok {
		return oe.Kind
	}
	return ""
}

// SeverityOf returns the severity of err, or "" when err is not an *Error.
func SeverityOf(err error) Severity {
	if oe, ok := As(err); ok {
		return oe.Severity
	}
	return ""
}

// NewNetworkError reports an unreachable or failing provider.
func NewNetworkError(source string, cause error) *Error {
	severity := SeverityMedium
	if isUnreachable(cause) {
		severity = SeverityHigh
	}
	return newError(KindNetwork, severity, "provider request failed", cause).
		With("source", source).
		WithRecovery("retry later", "check provider connectivity")
}

func isUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// NewDataValidationError reports a payload that failed structural validation.
// unusable marks payloads that carry no usable data at all.
func NewDataValidationError(msg string, unusable bool) *Error {
	severity := SeverityMedium
	if unusable {
		severity = SeverityHigh
	}
	return newError(KindDataValidation, severity, msg, nil)
}

// NewStaleDataError reports an observation older than its staleness window.
func NewStaleDataError(source string, age, window time.Duration) *Error {
	severity := SeverityLow
	if age > 2*window {
		severity = SeverityMedium
	}
	return newError(KindStaleData, severity, fmt.Sprintf("observation is %s old, window is %s", age.Round(time.Second), window), nil).
		With("source", source).
		WithRecovery("request a fresh observation")
}

// NewPriceDeviationError reports a price too far from the recent reference.
func NewPriceDeviationError(feedID string, current, reference *big.Int, deviationPct, thresholdPct float64) *Error {
	severity := SeverityMedium
	switch {
	case deviationPct > 4*thresholdPct:
		severity = SeverityCritical
	case deviationPct > 2*thresholdPct:
		severity = SeverityHigh
	}
	return newError(KindPriceDeviation, severity,
		fmt.Sprintf("price deviates %.4f%% from reference, limit %.4f%%", deviationPct, thresholdPct), nil).
		With("feed", feedID).
		With("current_price", current.String()).
		With("reference_price", reference.String()).
		With("deviation_pct", deviationPct).
		With("threshold_pct", thresholdPct).
		WithRecovery("request the fallback value", "inspect provider inputs")
}

// NewLowConfidenceError reports a confidence below the configured minimum.
func NewLowConfidenceError(source string, confidence, minimum uint8) *Error {
	severity := SeverityLow
	if int(confidence)*2 < int(minimum) {
		severity = SeverityMedium
	}
	return newError(KindLowConfidence, severity, fmt.Sprintf("confidence %d below minimum %d", confidence, minimum), nil).
		With("source", source)
}

// NewCircuitBreakerError reports a call rejected by the guard.
func NewCircuitBreakerError(key string, failures, threshold int, lastFailure, nextAttempt time.Time) *Error {
	severity := SeverityHigh
	if threshold > 0 && failures >= 2*threshold {
		severity = SeverityCritical
	}
	e := newError(KindCircuitBreaker, severity, fmt.Sprintf("guard for %s is open", key), nil).
		With("key", key).
		With("failures", failures)
	if !lastFailure.IsZero() {
		e.With("last_failure", lastFailure.UTC().Format(time.RFC3339))
	}
	if !nextAttempt.IsZero() {
		e.With("next_attempt", nextAttempt.UTC().Format(time.RFC3339))
	}
	return e.WithRecovery("wait for the half-open probe", "request the fallback value")
}

// NewAggregationError reports insufficient surviving sources.
func NewAggregationError(msg string, surviving, required int) *Error {
	severity := SeverityMedium
	if surviving == 0 {
		severity = SeverityHigh
	}
	return newError(KindAggregation, severity, msg, nil).
		With("surviving", surviving).
		With("required", required).
		WithRecovery("request the fallback value")
}

// NewConfigurationError reports an invalid parameter combination.
func NewConfigurationError(msg string) *Error {
	return newError(KindConfiguration, SeverityHigh, msg, nil)
}

// NewRateLimitError reports upstream throttling. retryAfter may be zero.
func NewRateLimitError(source string, retryAfter time.Duration) *Error {
	severity := SeverityLow
	if retryAfter > time.Minute {
		severity = SeverityMedium
	}
	e := newError(KindRateLimit, severity, "provider rate limit reached", nil).With("source", source)
	if retryAfter > 0 {
		e.With("retry_after", retryAfter.String())
	}
	return e.WithRecovery("back off before retrying")
}

// NewAuthenticationError reports an upstream credential failure.
func NewAuthenticationError(source string, cause error) *Error {
	return newError(KindAuthentication, SeverityHigh, "provider rejected credentials", cause).
		With("source", source).
		WithRecovery("rotate provider credentials")
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}
