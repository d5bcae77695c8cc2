package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/StrathCole/oracle-guard/pkg/cache"
)

// Load loads configuration from YAML file and environment variables.
func Load(path string) (*Config, error) {
	// Validate and sanitize path
	cleanPath := filepath.Clean(path)
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(absPath) // #nosec G304 -- Path sanitized with filepath.Clean and filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding ${ENV} references and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = ":8080"
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.Server.QueryTimeout == 0 {
		cfg.Server.QueryTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.CacheTTL == 0 {
		cfg.Server.CacheTTL = Duration(60 * time.Second)
	}

	// Cache defaults
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = cache.BackendMemory
	}
	if cfg.Cache.MemoryTTL == 0 {
		cfg.Cache.MemoryTTL = Duration(15 * time.Second)
	}
	if cfg.Cache.Sweep == 0 {
		cfg.Cache.Sweep = Duration(time.Minute)
	}

	// Metrics defaults
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9091"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	// Sources default to one request per call with no queueing
	for i := range cfg.Sources {
		if cfg.Sources[i].RateLimit > 0 && cfg.Sources[i].Burst == 0 {
			cfg.Sources[i].Burst = 1
		}
	}
}

// EnabledSources returns the enabled source entries in config order.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// GetString retrieves a string value from the source configuration.
func (sc *SourceConfig) GetString(key, defaultValue string) string {
	if val, ok := sc.Config[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean from source config.
func (sc *SourceConfig) GetBool(key string, defaultValue bool) bool {
	if val, ok := sc.Config[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultValue
}
