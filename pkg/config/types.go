package config

import "time"

// Config is the root configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Guard       GuardConfig       `yaml:"guard"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Sources     []SourceConfig    `yaml:"sources"`
	Feeds       []FeedConfig      `yaml:"feeds"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the query API
type ServerConfig struct {
	HTTP      HTTPConfig `yaml:"http"`
	WebSocket WSConfig   `yaml:"websocket"`
	// RequestTimeout bounds each HTTP request.
	RequestTimeout Duration `yaml:"request_timeout"`
	// QueryTimeout bounds provider collection when a query sets none.
	QueryTimeout Duration `yaml:"query_timeout"`
	CacheTTL     Duration `yaml:"cache_ttl"`
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Addr string    `yaml:"addr"`
	TLS  TLSConfig `yaml:"tls"`
}

// WSConfig configures the WebSocket server. An empty Addr serves /ws on the
// HTTP listener only.
type WSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TLSConfig holds TLS certificate configuration
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

// CacheConfig selects the consensus cache backend
type CacheConfig struct {
	Backend   string      `yaml:"backend"` // memory, redis or hybrid
	MemoryTTL Duration    `yaml:"memory_ttl"`
	Sweep     Duration    `yaml:"sweep"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis connection
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// GuardConfig configures the failure guard. Zero values use the defaults.
type GuardConfig struct {
	FailureThreshold          int      `yaml:"failure_threshold"`
	SuccessThreshold          int      `yaml:"success_threshold"`
	Timeout                   Duration `yaml:"timeout"`
	MonitoringWindow          Duration `yaml:"monitoring_window"`
	MaxPriceDeviation         float64  `yaml:"max_price_deviation"`
	HistorySize               int      `yaml:"history_size"`
	ReferenceWindow           int      `yaml:"reference_window"`
	FallbackConfidencePenalty *int     `yaml:"fallback_confidence_penalty"`
	DegradedFailureRate       *float64 `yaml:"degraded_failure_rate"`
	HalfOpenMaxProbes         int      `yaml:"half_open_max_probes"`
}

// AggregationConfig overrides consensus parameters. Unset fields inherit,
// first from the global section and then from the built-in defaults.
type AggregationConfig struct {
	Method             *string            `yaml:"method"`
	Weighting          *string            `yaml:"weighting"`
	MinSources         *int               `yaml:"min_sources"`
	MaxSources         *int               `yaml:"max_sources"`
	ConsensusThreshold *float64           `yaml:"consensus_threshold"`
	MaxDeviationPct    *float64           `yaml:"max_deviation_pct"`
	OutlierMethod      *string            `yaml:"outlier_method"`
	OutlierThreshold   *float64           `yaml:"outlier_threshold"`
	MinConfidence      *int               `yaml:"min_confidence"`
	StalenessWindow    *Duration          `yaml:"staleness_window"`
	TrimPercent        *float64           `yaml:"trim_percent"`
	ModeTolerancePct   *float64           `yaml:"mode_tolerance_pct"`
	ScoreWeights       *ScoreWeightConfig `yaml:"score_weights"`
}

// ScoreWeightConfig blends the confidence score components
type ScoreWeightConfig struct {
	Source     float64 `yaml:"source"`
	Freshness  float64 `yaml:"freshness"`
	Dispersion float64 `yaml:"dispersion"`
	Agreement  float64 `yaml:"agreement"`
}

// SourceConfig configures a price provider
type SourceConfig struct {
	Type    string `yaml:"type"`
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	// Weight is used by the custom weighting scheme. 0 means 1.
	Weight float64 `yaml:"weight"`
	// RateLimit is in requests per second. 0 disables throttling.
	RateLimit float64                `yaml:"rate_limit"`
	Burst     int                    `yaml:"burst"`
	Config    map[string]interface{} `yaml:"config"`
}

// FeedConfig configures one price feed
type FeedConfig struct {
	ID        string   `yaml:"id"`
	Providers []string `yaml:"providers"`
	// Refresh is a cron schedule such as "@every 30s". Empty disables
	// background refresh.
	Refresh     string            `yaml:"refresh"`
	Aggregation AggregationConfig `yaml:"aggregation"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a wrapper around time.Duration for YAML parsing
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(td)
	return nil
}

// ToDuration converts Duration to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}
