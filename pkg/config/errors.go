// Package config provides configuration loading and validation for oracle-guard.
package config

import "errors"

var (
	// ErrTLSConfigIncomplete indicates that TLS config is incomplete.
	ErrTLSConfigIncomplete = errors.New("TLS cert and key must be specified when TLS is enabled")
	// ErrTLSCertNotFound indicates that the TLS cert file was not found.
	ErrTLSCertNotFound = errors.New("TLS cert file not found")
	// ErrTLSKeyNotFound indicates that the TLS key file was not found.
	ErrTLSKeyNotFound = errors.New("TLS key file not found")
	// ErrInvalidCacheBackend indicates an unknown cache backend.
	ErrInvalidCacheBackend = errors.New("invalid cache backend")
	// ErrRedisAddrRequired indicates that a redis backed cache has no address.
	ErrRedisAddrRequired = errors.New("cache.redis.addr is required for redis and hybrid backends")
	// ErrInvalidGuardConfig indicates invalid guard parameters.
	ErrInvalidGuardConfig = errors.New("invalid guard config")
	// ErrInvalidAggregationConfig indicates invalid aggregation parameters.
	ErrInvalidAggregationConfig = errors.New("invalid aggregation config")
	// ErrNoSourcesEnabled indicates that no sources are enabled.
	ErrNoSourcesEnabled = errors.New("no sources enabled")
	// ErrSourceTypeRequired indicates that source type is required.
	ErrSourceTypeRequired = errors.New("source type is required")
	// ErrSourceNameRequired indicates that source name is required.
	ErrSourceNameRequired = errors.New("source name is required")
	// ErrDuplicateSourceName indicates that two sources share a name.
	ErrDuplicateSourceName = errors.New("duplicate source name")
	// ErrUnknownSourceType indicates that the source type is unknown.
	ErrUnknownSourceType = errors.New("unknown source type")
	// ErrSourceWeightMustBeNonNegative indicates that source weight must be >= 0.
	ErrSourceWeightMustBeNonNegative = errors.New("weight must be >= 0")
	// ErrInvalidRateLimit indicates a negative rate limit or burst.
	ErrInvalidRateLimit = errors.New("rate_limit and burst must be >= 0")
	// ErrNoFeedsConfigured indicates that no feeds are configured.
	ErrNoFeedsConfigured = errors.New("at least one feed must be configured")
	// ErrInvalidFeedID indicates a malformed feed ID.
	ErrInvalidFeedID = errors.New("invalid feed id")
	// ErrDuplicateFeed indicates that two feeds resolve to the same ID.
	ErrDuplicateFeed = errors.New("duplicate feed")
	// ErrFeedProvidersRequired indicates a feed without providers.
	ErrFeedProvidersRequired = errors.New("feed must list at least one provider")
	// ErrUnknownFeedProvider indicates a feed naming a missing or disabled source.
	ErrUnknownFeedProvider = errors.New("feed references unknown or disabled source")
	// ErrInvalidRefreshSchedule indicates a malformed refresh schedule.
	ErrInvalidRefreshSchedule = errors.New("invalid refresh schedule")
	// ErrInvalidLogLevel indicates that the log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat indicates that the log format is invalid.
	ErrInvalidLogFormat = errors.New("invalid log format")
)
