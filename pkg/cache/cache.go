// Package cache stores recent consensus results keyed by feed and query
// overrides. Backends are an in-process map, redis, or both layered.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

var (
	// ErrUnknownBackend indicates an unsupported cache backend name.
	ErrUnknownBackend = errors.New("unknown cache backend")
	// ErrClosed indicates use of a closed cache.
	ErrClosed = errors.New("cache closed")
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendHybrid = "hybrid"
)

// Entry is one cached consensus. ExpiresAt is stamped by backends that need
// to know an entry's remaining lifetime after a read.
type Entry struct {
	Result    *oracle.AggregationResult `json:"result"`
	StoredAt  time.Time                 `json:"stored_at"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Cache is implemented by every backend. Get reports a miss with ok=false
// and a nil error; errors are reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeleteFeed drops the feed's default entry and every override entry.
	DeleteFeed(ctx context.Context, feedID string) error
	Health(ctx context.Context) error
	Close() error
}

// Key builds a cache key from a feed ID and the query parameters that change
// the result, so overrides never read each other's entries.
func Key(feedID string, parts ...string) string {
	if len(parts) == 0 {
		return feedID
	}
	return fmt.Sprintf("%s|%s", feedID, strings.Join(parts, "|"))
}

// belongsTo reports whether key was built by Key for feedID.
func belongsTo(key, feedID string) bool {
	return key == feedID || strings.HasPrefix(key, feedID+"|")
}
