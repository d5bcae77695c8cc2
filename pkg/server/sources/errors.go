// Package sources provides price provider interfaces, the provider registry
// and the concurrent collector.
package sources

import "errors"

var (
	// ErrUnknownSourceType indicates that no factory is registered for a kind.
	ErrUnknownSourceType = errors.New("unknown source type")
	// ErrUnknownProvider indicates that a provider name is not registered with the collector.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrDuplicateProvider indicates that a provider name is already registered.
	ErrDuplicateProvider = errors.New("duplicate provider")
	// ErrNoProviders indicates that a collection was requested with no providers.
	ErrNoProviders = errors.New("no providers requested")
	// ErrUnsupportedFeed indicates that a provider does not serve a feed.
	ErrUnsupportedFeed = errors.New("feed not supported by provider")
	// ErrUnexpectedStatus indicates an unexpected HTTP status code.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status code")
	// ErrInvalidResponse indicates an invalid response from the provider.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrInvalidConfig indicates that the provider configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoPairsConfigured indicates that no feed pairs are configured.
	ErrNoPairsConfigured = errors.New("no pairs configured")
	// ErrInvalidFeedFormat indicates that a feed ID is not in BASE-QUOTE form.
	ErrInvalidFeedFormat = errors.New("feed must be in BASE-QUOTE format")
	// ErrEmptyBaseCurrency indicates that the feed BASE currency is empty.
	ErrEmptyBaseCurrency = errors.New("feed BASE currency cannot be empty")
	// ErrEmptyQuoteCurrency indicates that the feed QUOTE currency is empty.
	ErrEmptyQuoteCurrency = errors.New("feed QUOTE currency cannot be empty")
)
