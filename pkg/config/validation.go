package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/StrathCole/oracle-guard/pkg/cache"
	"github.com/StrathCole/oracle-guard/pkg/server/refresher"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

var knownSourceTypes = []sources.SourceType{
	sources.SourceTypeHTTPJSON,
	sources.SourceTypeStatic,
	sources.SourceTypePeer,
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if err := validateServerConfig(&cfg.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateCacheConfig(&cfg.Cache); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if err := cfg.GuardConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGuardConfig, err)
	}
	if err := validateAggregation("aggregation", cfg.Aggregation, cfg.AggregationConfig().Validate()); err != nil {
		return err
	}

	enabled := make(map[string]bool)
	names := make(map[string]bool)
	for i, source := range cfg.Sources {
		if err := validateSourceConfig(&source); err != nil {
			return fmt.Errorf("source %d (%s.%s): %w", i, source.Type, source.Name, err)
		}
		if names[source.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateSourceName, source.Name)
		}
		names[source.Name] = true
		if source.Enabled {
			enabled[source.Name] = true
		}
	}
	if len(enabled) == 0 {
		return ErrNoSourcesEnabled
	}

	if err := validateFeeds(cfg, enabled); err != nil {
		return err
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.Cert == "" || cfg.HTTP.TLS.Key == "" {
			return ErrTLSConfigIncomplete
		}
		if _, err := os.Stat(cfg.HTTP.TLS.Cert); err != nil {
			return fmt.Errorf("%w: %s", ErrTLSCertNotFound, cfg.HTTP.TLS.Cert)
		}
		if _, err := os.Stat(cfg.HTTP.TLS.Key); err != nil {
			return fmt.Errorf("%w: %s", ErrTLSKeyNotFound, cfg.HTTP.TLS.Key)
		}
	}
	return nil
}

func validateCacheConfig(cfg *CacheConfig) error {
	switch strings.ToLower(cfg.Backend) {
	case cache.BackendMemory:
		return nil
	case cache.BackendRedis, cache.BackendHybrid:
		if cfg.Redis.Addr == "" {
			return ErrRedisAddrRequired
		}
		return nil
	}
	return fmt.Errorf("%w: %s (must be 'memory', 'redis', or 'hybrid')", ErrInvalidCacheBackend, cfg.Backend)
}

func validateAggregation(section string, raw AggregationConfig, err error) error {
	if raw.MinConfidence != nil && (*raw.MinConfidence < 0 || *raw.MinConfidence > 100) {
		return fmt.Errorf("%w: %s: min_confidence must be within 0..100, got %d", ErrInvalidAggregationConfig, section, *raw.MinConfidence)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAggregationConfig, section, err)
	}
	return nil
}

func validateSourceConfig(cfg *SourceConfig) error {
	if cfg.Type == "" {
		return ErrSourceTypeRequired
	}
	typeValid := false
	for _, t := range knownSourceTypes {
		if cfg.SourceType() == t {
			typeValid = true
			break
		}
	}
	if !typeValid {
		names := make([]string, len(knownSourceTypes))
		for i, t := range knownSourceTypes {
			names[i] = string(t)
		}
		return fmt.Errorf("%w: %s (must be one of: %s)", ErrUnknownSourceType, cfg.Type, strings.Join(names, ", "))
	}

	if cfg.Name == "" {
		return ErrSourceNameRequired
	}
	if cfg.Weight < 0 {
		return ErrSourceWeightMustBeNonNegative
	}
	if cfg.RateLimit < 0 || cfg.Burst < 0 {
		return ErrInvalidRateLimit
	}
	return nil
}

func validateFeeds(cfg *Config, enabled map[string]bool) error {
	if len(cfg.Feeds) == 0 {
		return ErrNoFeedsConfigured
	}
	base := cfg.AggregationConfig()
	seen := make(map[string]bool, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		id, err := sources.CanonicalFeedID(feed.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFeedID, err)
		}
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateFeed, id)
		}
		seen[id] = true

		if len(feed.Providers) == 0 {
			return fmt.Errorf("%w: %s", ErrFeedProvidersRequired, id)
		}
		for _, p := range feed.Providers {
			if !enabled[p] {
				return fmt.Errorf("%w: feed %s, source %s", ErrUnknownFeedProvider, id, p)
			}
		}
		if feed.Refresh != "" {
			if err := refresher.ParseSchedule(feed.Refresh); err != nil {
				return fmt.Errorf("%w: feed %s: %v", ErrInvalidRefreshSchedule, id, err)
			}
		}
		if err := validateAggregation("feed "+id, feed.Aggregation, feed.Aggregation.apply(base).Validate()); err != nil {
			return err
		}
	}
	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, l := range validLevels {
		if strings.ToLower(cfg.Level) == l {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("%w: %s (must be one of: %s)", ErrInvalidLogLevel, cfg.Level, strings.Join(validLevels, ", "))
	}

	formatValid := strings.ToLower(cfg.Format) == "json" || strings.ToLower(cfg.Format) == "text"
	if !formatValid {
		return fmt.Errorf("%w: %s (must be 'json' or 'text')", ErrInvalidLogFormat, cfg.Format)
	}
	return nil
}
