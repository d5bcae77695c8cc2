package guard

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(t *testing.T, tweak func(*Config)) (*Guard, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	clock := newFakeClock()
	g, err := New(cfg, logging.NewNoopLogger(), WithClock(clock.Now))
	require.NoError(t, err)
	return g, clock
}

// pricedResult is an operation result carrying a vetted price.
type pricedResult struct {
	obs    oracle.Observation
	vetted bool
}

func (p pricedResult) PriceObservation() (oracle.Observation, bool) {
	return p.obs, p.vetted
}

func priceAt(feed string, price int64, ts time.Time) oracle.Observation {
	return oracle.Observation{
		FeedID:     feed,
		Price:      big.NewInt(price),
		Decimals:   8,
		Timestamp:  ts.Unix(),
		Confidence: 90,
		Source:     "consensus",
	}
}

func failing(calls *int32) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		atomic.AddInt32(calls, 1)
		return 0, oracle.NewNetworkError("binance", errors.New("connection reset"))
	}
}

func succeeding(calls *int32) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		atomic.AddInt32(calls, 1)
		return 1, nil
	}
}

func TestGuard_OpensAfterFailureThreshold(t *testing.T) {
	g, _ := newTestGuard(t, func(c *Config) { c.FailureThreshold = 3 })
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		_, err := Execute(ctx, g, "ETH-USD", failing(&calls))
		require.Error(t, err)
		assert.ErrorIs(t, err, oracle.ErrNetwork)
	}

	status, ok := g.Status("ETH-USD")
	require.True(t, ok)
	assert.Equal(t, StateOpen, status.State)
	assert.Equal(t, 3, status.Failures)

	_, err := Execute(ctx, g, "ETH-USD", failing(&calls))
	require.Error(t, err)
	assert.ErrorIs(t, err, oracle.ErrCircuitOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "rejected call must not invoke the operation")

	oe, ok := oracle.As(err)
	require.True(t, ok)
	assert.Equal(t, 3, oe.Context["failures"])
	assert.Contains(t, oe.Context, "last_failure")
	assert.Contains(t, oe.Context, "next_attempt")

	m, _ := g.Metrics("ETH-USD")
	assert.Equal(t, int64(3), m.Total)
	assert.Equal(t, int64(3), m.Failed)
	assert.Equal(t, int64(1), m.Rejected)
	assert.Equal(t, int64(1), m.CircuitOpens)
	assert.Equal(t, 1.0, m.FailureRate)
}

func TestGuard_HalfOpenAfterTimeout(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) {
		c.FailureThreshold = 3
		c.Timeout = 60 * time.Second
	})
	ctx := context.Background()
	var failures, successes int32

	for i := 0; i < 3; i++ {
		_, _ = Execute(ctx, g, "ETH-USD", failing(&failures))
	}

	clock.Advance(59 * time.Second)
	_, err := Execute(ctx, g, "ETH-USD", succeeding(&successes))
	assert.ErrorIs(t, err, oracle.ErrCircuitOpen)
	assert.Equal(t, int32(0), atomic.LoadInt32(&successes))

	clock.Advance(2 * time.Second)
	v, err := Execute(ctx, g, "ETH-USD", succeeding(&successes))
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&successes), "probe invokes the operation exactly once")

	status, _ := g.Status("ETH-USD")
	assert.Equal(t, StateHalfOpen, status.State)
	assert.Equal(t, 1, status.Successes)

	_, err = Execute(ctx, g, "ETH-USD", succeeding(&successes))
	require.NoError(t, err)
	status, _ = g.Status("ETH-USD")
	assert.Equal(t, StateClosed, status.State)
	assert.Zero(t, status.Failures)
	assert.Zero(t, status.Successes)
	assert.True(t, status.NextAttempt.IsZero())
}

func TestGuard_HalfOpenFailureReopens(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) { c.FailureThreshold = 2 })
	ctx := context.Background()
	var calls int32

	_, _ = Execute(ctx, g, "k", failing(&calls))
	_, _ = Execute(ctx, g, "k", failing(&calls))
	clock.Advance(61 * time.Second)

	_, err := Execute(ctx, g, "k", failing(&calls))
	assert.ErrorIs(t, err, oracle.ErrNetwork)

	status, _ := g.Status("k")
	assert.Equal(t, StateOpen, status.State)
	assert.Equal(t, clock.Now(), status.OpenedAt)
	assert.Equal(t, clock.Now().Add(60*time.Second), status.NextAttempt)
	assert.Equal(t, 3, status.Failures)

	m, _ := g.Metrics("k")
	assert.Equal(t, int64(2), m.CircuitOpens)
}

func TestGuard_SuccessResetsFailuresWhileClosed(t *testing.T) {
	g, _ := newTestGuard(t, func(c *Config) { c.FailureThreshold = 3 })
	ctx := context.Background()
	var calls int32

	for i := 0; i < 10; i++ {
		_, _ = Execute(ctx, g, "k", failing(&calls))
		_, _ = Execute(ctx, g, "k", failing(&calls))
		_, err := Execute(ctx, g, "k", succeeding(&calls))
		require.NoError(t, err)
	}

	status, _ := g.Status("k")
	assert.Equal(t, StateClosed, status.State)
	assert.Zero(t, status.Failures)
}

func TestGuard_PassesOperationErrorThrough(t *testing.T) {
	g, _ := newTestGuard(t, nil)
	sentinel := errors.New("upstream exploded")

	_, err := Execute(context.Background(), g, "k", func(context.Context) (string, error) {
		return "", sentinel
	})
	assert.Same(t, sentinel, err)
}

func TestGuard_CancelledContextIsNotAFailure(t *testing.T) {
	g, _ := newTestGuard(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	_, err := Execute(ctx, g, "k", succeeding(&calls))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls))

	_, tracked := g.Metrics("k")
	assert.False(t, tracked)
}

func TestGuard_AbandonedCallReleasesProbe(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) {
		c.FailureThreshold = 1
		c.HalfOpenMaxProbes = 1
	})
	var calls int32
	_, _ = Execute(context.Background(), g, "k", failing(&calls))
	clock.Advance(61 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Execute(ctx, g, "k", func(ctx context.Context) (int, error) {
		cancel()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	status, _ := g.Status("k")
	assert.Equal(t, StateHalfOpen, status.State)
	m, _ := g.Metrics("k")
	assert.Equal(t, int64(1), m.Failed)
	assert.True(t, g.Permits("k"))
}

func TestGuard_PricePointsEnterHistory(t *testing.T) {
	g, clock := newTestGuard(t, nil)
	ctx := context.Background()

	_, err := Execute(ctx, g, "ETH-USD", func(context.Context) (pricedResult, error) {
		return pricedResult{obs: priceAt("ETH-USD", 100, clock.Now()), vetted: true}, nil
	})
	require.NoError(t, err)

	_, err = Execute(ctx, g, "ETH-USD", func(context.Context) (pricedResult, error) {
		return pricedResult{obs: priceAt("ETH-USD", 999, clock.Now()), vetted: false}, nil
	})
	require.NoError(t, err)

	_, err = Execute(ctx, g, "ETH-USD", func(context.Context) (pricedResult, error) {
		return pricedResult{obs: priceAt("ETH-USD", 555, clock.Now()), vetted: true}, errors.New("boom")
	})
	require.Error(t, err)

	history := g.History("ETH-USD")
	require.Len(t, history, 1)
	assert.Equal(t, "100", history[0].Price.String())
}

func TestGuard_HistoryIsBounded(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) {
		c.HistorySize = 3
		c.ReferenceWindow = 3
	})

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, g.RecordPrice(priceAt("ETH-USD", i, clock.Now())))
	}

	history := g.History("ETH-USD")
	require.Len(t, history, 3)
	assert.Equal(t, "3", history[0].Price.String())
	assert.Equal(t, "5", history[2].Price.String())

	history[2].Price.SetInt64(42)
	assert.Equal(t, "5", g.History("ETH-USD")[2].Price.String())

	assert.ErrorIs(t, g.RecordPrice(priceAt("ETH-USD", 0, clock.Now())), oracle.ErrDataValidation)
}

func TestGuard_DetectDeviation(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) { c.MaxPriceDeviation = 20 })

	dev, err := g.DetectDeviation("ETH-USD", priceAt("ETH-USD", 100, clock.Now()))
	require.NoError(t, err)
	assert.Zero(t, dev)

	// older entries fall outside the reference window of 5
	for _, p := range []int64{1, 1, 98, 100, 102, 99, 101} {
		require.NoError(t, g.RecordPrice(priceAt("ETH-USD", p, clock.Now())))
	}

	dev, err = g.DetectDeviation("ETH-USD", priceAt("ETH-USD", 115, clock.Now()))
	require.NoError(t, err)
	assert.InDelta(t, 15.0, dev, 1e-9)

	dev, err = g.DetectDeviation("ETH-USD", priceAt("ETH-USD", 125, clock.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, oracle.ErrPriceDeviation)
	assert.InDelta(t, 25.0, dev, 1e-9)

	oe, _ := oracle.As(err)
	assert.Equal(t, "125", oe.Context["current_price"])
	assert.Equal(t, "100", oe.Context["reference_price"])
	assert.Equal(t, 20.0, oe.Context["threshold_pct"])
	assert.Equal(t, oracle.SeverityMedium, oe.Severity)

	// deviation checks never touch breaker state
	_, tracked := g.Status("ETH-USD")
	assert.False(t, tracked)
}

func TestGuard_DetectDeviationNormalizesDecimals(t *testing.T) {
	g, clock := newTestGuard(t, nil)
	require.NoError(t, g.RecordPrice(priceAt("ETH-USD", 340000000000, clock.Now())))

	whole := priceAt("ETH-USD", 3400, clock.Now())
	whole.Decimals = 0
	dev, err := g.DetectDeviation("ETH-USD", whole)
	require.NoError(t, err)
	assert.Zero(t, dev)
}

func TestGuard_Fallback(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) {
		c.MonitoringWindow = time.Minute
		c.FallbackConfidencePenalty = 20
	})

	_, err := g.Fallback("ETH-USD")
	assert.ErrorIs(t, err, ErrNoFallback)

	require.NoError(t, g.RecordPrice(priceAt("ETH-USD", 340000000000, clock.Now())))

	clock.Advance(2 * time.Minute)
	fb, err := g.Fallback("ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "340000000000", fb.Price.String())
	assert.Equal(t, uint8(70), fb.Confidence)
	assert.Equal(t, "fallback:consensus", fb.Source)

	fb.Price.SetInt64(1)
	assert.Equal(t, "340000000000", g.History("ETH-USD")[0].Price.String())

	clock.Advance(time.Second)
	_, err = g.Fallback("ETH-USD")
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestGuard_FallbackConfidenceFloorsAtZero(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) { c.FallbackConfidencePenalty = 50 })
	obs := priceAt("ETH-USD", 1, clock.Now())
	obs.Confidence = 30
	require.NoError(t, g.RecordPrice(obs))

	fb, err := g.Fallback("ETH-USD")
	require.NoError(t, err)
	assert.Zero(t, fb.Confidence)
}

func TestGuard_Health(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) {
		c.FailureThreshold = 2
		c.DegradedFailureRate = 0.10
	})
	ctx := context.Background()
	var calls int32

	// healthy: only successes
	for i := 0; i < 10; i++ {
		_, _ = Execute(ctx, g, "good", succeeding(&calls))
	}
	// degraded by failure rate: 1 failure in 5
	_, _ = Execute(ctx, g, "flaky", failing(&calls))
	for i := 0; i < 4; i++ {
		_, _ = Execute(ctx, g, "flaky", succeeding(&calls))
	}
	// critical: open
	_, _ = Execute(ctx, g, "down", failing(&calls))
	_, _ = Execute(ctx, g, "down", failing(&calls))
	// degraded: half open after a successful probe
	_, _ = Execute(ctx, g, "probing", failing(&calls))
	_, _ = Execute(ctx, g, "probing", failing(&calls))
	clock.Advance(61 * time.Second)
	_, _ = Execute(ctx, g, "probing", succeeding(&calls))

	health := g.Health()
	require.Len(t, health, 4)
	assert.Equal(t, HealthHealthy, health["good"].Health)
	assert.Equal(t, HealthDegraded, health["flaky"].Health)
	assert.InDelta(t, 0.2, health["flaky"].Metrics.FailureRate, 1e-9)
	assert.Equal(t, HealthDegraded, health["probing"].Health)
	assert.Equal(t, StateHalfOpen, health["probing"].Status.State)

	// "down" has also passed its timeout but stays open until a call arrives
	assert.Equal(t, HealthCritical, health["down"].Health)
}

func TestGuard_PermitsIsReadOnly(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) { c.FailureThreshold = 1 })
	var calls int32

	assert.True(t, g.Permits("k"))
	_, _ = Execute(context.Background(), g, "k", failing(&calls))
	assert.False(t, g.Permits("k"))

	clock.Advance(61 * time.Second)
	assert.True(t, g.Permits("k"))
	status, _ := g.Status("k")
	assert.Equal(t, StateOpen, status.State, "Permits must not transition")
}

func TestGuard_StrictHalfOpenProbes(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) {
		c.FailureThreshold = 1
		c.HalfOpenMaxProbes = 1
	})
	var calls int32
	_, _ = Execute(context.Background(), g, "k", failing(&calls))
	clock.Advance(61 * time.Second)

	first, err := g.Admit("k")
	require.NoError(t, err)

	_, err = g.Admit("k")
	assert.ErrorIs(t, err, oracle.ErrCircuitOpen)
	assert.False(t, g.Permits("k"))

	first.Record(nil, time.Millisecond)
	first.Record(errors.New("ignored"), time.Millisecond)

	second, err := g.Admit("k")
	require.NoError(t, err)
	second.Record(nil, time.Millisecond)

	status, _ := g.Status("k")
	assert.Equal(t, StateClosed, status.State)
}

func TestGuard_LateProbeFromEarlierCycleKeepsCap(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) {
		c.FailureThreshold = 1
		c.HalfOpenMaxProbes = 2
	})
	var calls int32
	_, _ = Execute(context.Background(), g, "k", failing(&calls))
	clock.Advance(61 * time.Second)

	p1, err := g.Admit("k")
	require.NoError(t, err)
	late, err := g.Admit("k")
	require.NoError(t, err)
	p1.Record(errors.New("still down"), time.Millisecond)
	clock.Advance(61 * time.Second)

	_, err = g.Admit("k")
	require.NoError(t, err)
	_, err = g.Admit("k")
	require.NoError(t, err)

	late.Record(nil, time.Millisecond)

	status, _ := g.Status("k")
	assert.Equal(t, StateHalfOpen, status.State)
	assert.False(t, g.Permits("k"))
	_, err = g.Admit("k")
	assert.ErrorIs(t, err, oracle.ErrCircuitOpen)
}

func TestGuard_RelaxedHalfOpenAdmitsConcurrentProbes(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) { c.FailureThreshold = 1 })
	var calls int32
	_, _ = Execute(context.Background(), g, "k", failing(&calls))
	clock.Advance(61 * time.Second)

	p1, err := g.Admit("k")
	require.NoError(t, err)
	p2, err := g.Admit("k")
	require.NoError(t, err)
	p1.Record(nil, 0)
	p2.Record(nil, 0)

	status, _ := g.Status("k")
	assert.Equal(t, StateClosed, status.State)
}

func TestGuard_Reset(t *testing.T) {
	g, clock := newTestGuard(t, func(c *Config) { c.FailureThreshold = 1 })
	var calls int32
	_, _ = Execute(context.Background(), g, "ETH-USD", failing(&calls))
	require.NoError(t, g.RecordPrice(priceAt("ETH-USD", 1, clock.Now())))
	_, _ = Execute(context.Background(), g, "BTC-USD", failing(&calls))

	g.Reset("ETH-USD")
	assert.True(t, g.Permits("ETH-USD"))
	assert.Empty(t, g.History("ETH-USD"))
	assert.False(t, g.Permits("BTC-USD"))

	g.ResetAll()
	assert.True(t, g.Permits("BTC-USD"))
	assert.Empty(t, g.Health())
}

func TestGuard_ConcurrentKeys(t *testing.T) {
	g, _ := newTestGuard(t, func(c *Config) { c.FailureThreshold = 1000 })
	ctx := context.Background()

	var wg sync.WaitGroup
	var calls int32
	for k := 0; k < 16; k++ {
		key := fmt.Sprintf("feed-%d", k)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					if (i+w)%2 == 0 {
						_, _ = Execute(ctx, g, key, succeeding(&calls))
					} else {
						_, _ = Execute(ctx, g, key, failing(&calls))
					}
				}
			}(w)
		}
	}
	wg.Wait()

	health := g.Health()
	require.Len(t, health, 16)
	for key, report := range health {
		assert.Equal(t, int64(400), report.Metrics.Total, key)
		assert.Equal(t, int64(200), report.Metrics.Failed, key)
		assert.Equal(t, StateClosed, report.Status.State, key)
	}
	assert.Equal(t, int32(16*8*50), atomic.LoadInt32(&calls))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReferenceWindow = cfg.HistorySize + 1

	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, oracle.ErrConfiguration)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
