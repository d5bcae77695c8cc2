package sources

import (
	"sort"
	"sync"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
)

// BaseProvider provides common functionality for all providers
type BaseProvider struct {
	name       string
	sourceType SourceType
	feeds      []string
	pairs      map[string]string // canonical feed ID -> provider-specific symbol
	lastUpdate time.Time
	updateMu   sync.RWMutex
	healthy    bool
	healthMu   sync.RWMutex
	logger     *logging.Logger
}

// NewBaseProvider creates a new base provider with pair mappings.
// pairs maps a canonical feed ID (e.g. "ETH-USD") to the provider-specific
// symbol (e.g. "ETHUSDT" or "ethereum").
func NewBaseProvider(name string, sourceType SourceType, pairs map[string]string, logger *logging.Logger) *BaseProvider {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	feeds := make([]string, 0, len(pairs))
	for feed := range pairs {
		feeds = append(feeds, feed)
	}
	sort.Strings(feeds)

	return &BaseProvider{
		name:       name,
		sourceType: sourceType,
		feeds:      feeds,
		pairs:      pairs,
		logger:     logger.With("provider", name),
	}
}

// Name returns the provider name
func (b *BaseProvider) Name() string {
	return b.name
}

// Type returns the provider type
func (b *BaseProvider) Type() SourceType {
	return b.sourceType
}

// Feeds returns the canonical feed IDs this provider serves
func (b *BaseProvider) Feeds() []string {
	return append([]string(nil), b.feeds...)
}

// IsHealthy returns the health status
func (b *BaseProvider) IsHealthy() bool {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthy
}

// SetHealthy sets the health status and records it
func (b *BaseProvider) SetHealthy(healthy bool) {
	b.healthMu.Lock()
	b.healthy = healthy
	b.healthMu.Unlock()
	metrics.RecordSourceHealth(b.name, string(b.sourceType), healthy)
}

// LastUpdate returns the time of the last successful fetch
func (b *BaseProvider) LastUpdate() time.Time {
	b.updateMu.RLock()
	defer b.updateMu.RUnlock()
	return b.lastUpdate
}

// MarkSuccess records a successful fetch at t.
func (b *BaseProvider) MarkSuccess(t time.Time) {
	b.updateMu.Lock()
	b.lastUpdate = t
	b.updateMu.Unlock()
	b.SetHealthy(true)
}

// MarkFailure records a failed fetch.
func (b *BaseProvider) MarkFailure(err error) {
	b.SetHealthy(false)
	b.logger.Debug("Fetch failed", "error", err)
}

// Logger returns the logger
func (b *BaseProvider) Logger() *logging.Logger {
	return b.logger
}

// Symbol converts a canonical feed ID to the provider-specific symbol.
// Returns false if the feed is not served.
func (b *BaseProvider) Symbol(feedID string) (string, bool) {
	symbol, ok := b.pairs[feedID]
	return symbol, ok
}

// Pairs returns a copy of the pair mappings
func (b *BaseProvider) Pairs() map[string]string {
	pairs := make(map[string]string, len(b.pairs))
	for k, v := range b.pairs {
		pairs[k] = v
	}
	return pairs
}
