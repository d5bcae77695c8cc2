package sources

import (
	"context"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// SourceType represents the kind of provider adapter
type SourceType string

const (
	SourceTypeHTTPJSON SourceType = "httpjson"
	SourceTypeStatic   SourceType = "static"
	SourceTypePeer     SourceType = "peer"
)

// Provider defines the interface that all price providers must implement
type Provider interface {
	// Name returns the unique name of this provider
	Name() string

	// Type returns the adapter kind of this provider
	Type() SourceType

	// Feeds returns the canonical feed IDs this provider can serve
	Feeds() []string

	// Fetch returns one observation for a canonical feed ID. It must honour
	// ctx cancellation.
	Fetch(ctx context.Context, feedID string) (oracle.Observation, error)

	// IsHealthy returns whether the last fetch succeeded
	IsHealthy() bool

	// LastUpdate returns the timestamp of the last successful fetch
	LastUpdate() time.Time
}

// ProviderResult is one provider's outcome for one collection: either an
// observation or a typed failure, with the time the call took.
type ProviderResult struct {
	Provider     string             `json:"provider"`
	Observation  oracle.Observation `json:"observation"`
	Err          error              `json:"-"`
	ResponseTime time.Duration      `json:"response_time"`
}

// OK reports whether the provider returned a usable observation.
func (r ProviderResult) OK() bool {
	return r.Err == nil
}

// ProviderFactory is a function that creates a new Provider instance
type ProviderFactory func(name string, config map[string]interface{}) (Provider, error)
