// Package metrics provides Prometheus metrics for the oracle system.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PriceUpdatesTotal is a counter of observations received from providers.
	PriceUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_updates_total",
			Help: "Total number of observations received from providers",
		},
		[]string{"source", "feed"},
	)

	// PriceStalenessSeconds is a gauge of observation age at collection time.
	PriceStalenessSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "price_staleness_seconds",
			Help: "Age of the latest observation for a feed from a source",
		},
		[]string{"source", "feed"},
	)

	// PriceAggregationDuration is a histogram of price aggregation duration.
	PriceAggregationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "price_aggregation_duration_seconds",
			Help:    "Duration of price aggregation operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// OutlierRejectionsTotal is a counter of rejected outlier prices.
	OutlierRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_rejections_total",
			Help: "Total number of outlier prices rejected",
		},
		[]string{"feed"},
	)

	// ConsensusConfidence is a gauge of the latest consensus confidence per feed.
	ConsensusConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consensus_confidence",
			Help: "Confidence score (0-100) of the latest consensus for a feed",
		},
		[]string{"feed"},
	)

	// SourceHealth is a gauge of the health status of providers.
	SourceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_health",
			Help: "Health status of price sources (1=healthy, 0=unhealthy)",
		},
		[]string{"source", "type"},
	)

	// SourceLastUpdate is a gauge of the last update timestamp from sources.
	SourceLastUpdate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_last_update_timestamp",
			Help: "Unix timestamp of last update from source",
		},
		[]string{"source"},
	)

	// ProviderRequestsTotal is a counter of provider calls by outcome kind.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of provider requests by result",
		},
		[]string{"source", "result"},
	)

	// GuardState is a gauge of the guard state per key (0=closed, 1=half_open, 2=open).
	GuardState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_state",
			Help: "Failure guard state per key (0=closed, 1=half_open, 2=open)",
		},
		[]string{"key"},
	)

	// GuardTransitionsTotal is a counter of guard state transitions.
	GuardTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_transitions_total",
			Help: "Total number of failure guard state transitions",
		},
		[]string{"key", "from", "to"},
	)

	// GuardRejectionsTotal is a counter of calls rejected by the guard.
	GuardRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_rejections_total",
			Help: "Total number of calls rejected by the failure guard",
		},
		[]string{"key"},
	)

	// GuardOperationDuration is a histogram of guarded operation latencies.
	GuardOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guard_operation_duration_seconds",
			Help:    "Duration of operations executed through the failure guard",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"key", "result"},
	)

	// QueriesTotal is a counter of facade queries by outcome.
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queries_total",
			Help: "Total number of price queries by outcome",
		},
		[]string{"feed", "outcome"},
	)

	// CacheRequestsTotal is a counter of cache lookups.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Total number of result cache lookups",
		},
		[]string{"layer", "result"},
	)

	// WebSocketClients is a gauge of connected stream clients.
	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Number of connected consensus stream clients",
		},
	)

	// RefreshRunsTotal is a counter of scheduled feed refreshes.
	RefreshRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_runs_total",
			Help: "Total number of scheduled feed refreshes",
		},
		[]string{"feed", "status"},
	)

	// HTTPRequestsTotal is a counter of total HTTP requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	// HTTPRequestDuration is a histogram of HTTP request latencies.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint"},
	)
)

var registerOnce sync.Once

// Init initializes Prometheus metrics registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PriceUpdatesTotal,
			PriceStalenessSeconds,
			PriceAggregationDuration,
			OutlierRejectionsTotal,
			ConsensusConfidence,
			SourceHealth,
			SourceLastUpdate,
			ProviderRequestsTotal,
			GuardState,
			GuardTransitionsTotal,
			GuardRejectionsTotal,
			GuardOperationDuration,
			QueriesTotal,
			CacheRequestsTotal,
			WebSocketClients,
			RefreshRunsTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeHTTP serves Prometheus metrics on the specified address and path.
func ServeHTTP(addr, path string) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// RecordSourceUpdate records an observation from a source.
func RecordSourceUpdate(source, feed string, age time.Duration) {
	PriceUpdatesTotal.WithLabelValues(source, feed).Inc()
	PriceStalenessSeconds.WithLabelValues(source, feed).Set(age.Seconds())
	SourceLastUpdate.WithLabelValues(source).SetToCurrentTime()
}

// RecordSourceHealth records the health status of a source.
func RecordSourceHealth(source, sourceType string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	SourceHealth.WithLabelValues(source, sourceType).Set(val)
}

// RecordProviderRequest records one provider call and its result label.
func RecordProviderRequest(source, result string) {
	ProviderRequestsTotal.WithLabelValues(source, result).Inc()
}

// RecordAggregation records a price aggregation operation.
func RecordAggregation(method string, duration time.Duration) {
	PriceAggregationDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOutlierRejection records an outlier rejection.
func RecordOutlierRejection(feed string) {
	OutlierRejectionsTotal.WithLabelValues(feed).Inc()
}

// RecordConsensus records the confidence of a fresh consensus.
func RecordConsensus(feed string, confidence float64) {
	ConsensusConfidence.WithLabelValues(feed).Set(confidence)
}

// RecordGuardState records the current guard state value for a key.
func RecordGuardState(key string, value float64) {
	GuardState.WithLabelValues(key).Set(value)
}

// RecordGuardTransition records a guard state transition.
func RecordGuardTransition(key, from, to string) {
	GuardTransitionsTotal.WithLabelValues(key, from, to).Inc()
}

// RecordGuardRejection records a call rejected by the guard.
func RecordGuardRejection(key string) {
	GuardRejectionsTotal.WithLabelValues(key).Inc()
}

// RecordGuardOperation records the duration of a guarded operation.
func RecordGuardOperation(key string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	GuardOperationDuration.WithLabelValues(key, result).Observe(duration.Seconds())
}

// RecordQuery records a facade query outcome.
func RecordQuery(feed, outcome string) {
	QueriesTotal.WithLabelValues(feed, outcome).Inc()
}

// RecordCacheRequest records a cache lookup.
func RecordCacheRequest(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheRequestsTotal.WithLabelValues(layer, result).Inc()
}

// SetWebSocketClients records the number of connected stream clients.
func SetWebSocketClients(n int) {
	WebSocketClients.Set(float64(n))
}

// RecordRefresh records a scheduled refresh run.
func RecordRefresh(feed, status string) {
	RefreshRunsTotal.WithLabelValues(feed, status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
