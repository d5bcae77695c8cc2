package cache

import (
	"context"
	"errors"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/logging"
)

// HybridCache reads through a short-lived memory layer in front of redis.
// Redis failures degrade to memory only and are logged, not returned.
type HybridCache struct {
	memory    *MemoryCache
	redis     Cache
	memoryTTL time.Duration
	logger    *logging.Logger
}

// NewHybridCache layers memory in front of remote. Entries stay in memory for
// at most memoryTTL.
func NewHybridCache(memory *MemoryCache, remote Cache, memoryTTL time.Duration, logger *logging.Logger) *HybridCache {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &HybridCache{memory: memory, redis: remote, memoryTTL: memoryTTL, logger: logger}
}

func (h *HybridCache) memTTL(ttl time.Duration) time.Duration {
	if h.memoryTTL > 0 && h.memoryTTL < ttl {
		return h.memoryTTL
	}
	return ttl
}

func (h *HybridCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if entry, ok, _ := h.memory.Get(ctx, key); ok {
		return entry, true, nil
	}

	entry, ok, err := h.redis.Get(ctx, key)
	if err != nil {
		h.logger.Warn("Redis read failed, serving memory only", "key", key, "error", err)
		return Entry{}, false, nil
	}
	if !ok {
		return Entry{}, false, nil
	}

	// the memory copy must not outlive the redis entry
	ttl := h.memoryTTL
	if !entry.ExpiresAt.IsZero() {
		remaining := entry.ExpiresAt.Sub(h.memory.now())
		if remaining <= 0 {
			return Entry{}, false, nil
		}
		ttl = h.memTTL(remaining)
	}
	_ = h.memory.Set(ctx, key, entry, ttl)
	return entry, true, nil
}

func (h *HybridCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl > 0 && entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = h.memory.now().Add(ttl)
	}
	_ = h.memory.Set(ctx, key, entry, h.memTTL(ttl))
	if err := h.redis.Set(ctx, key, entry, ttl); err != nil {
		h.logger.Warn("Redis write failed, entry kept in memory", "key", key, "error", err)
	}
	return nil
}

func (h *HybridCache) Delete(ctx context.Context, key string) error {
	_ = h.memory.Delete(ctx, key)
	return h.redis.Delete(ctx, key)
}

func (h *HybridCache) DeleteFeed(ctx context.Context, feedID string) error {
	_ = h.memory.DeleteFeed(ctx, feedID)
	return h.redis.DeleteFeed(ctx, feedID)
}

func (h *HybridCache) Health(ctx context.Context) error {
	return h.redis.Health(ctx)
}

func (h *HybridCache) Close() error {
	return errors.Join(h.memory.Close(), h.redis.Close())
}

// Options selects and configures a backend.
type Options struct {
	Backend   string
	MemoryTTL time.Duration
	Sweep     time.Duration
	Redis     RedisOptions
}

// New builds the configured backend. An empty backend means memory.
func New(ctx context.Context, opts Options, logger *logging.Logger) (Cache, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryCache(opts.Sweep, WithMaxTTL(opts.MemoryTTL)), nil
	case BackendRedis:
		return NewRedisCache(ctx, opts.Redis)
	case BackendHybrid:
		remote, err := NewRedisCache(ctx, opts.Redis)
		if err != nil {
			return nil, err
		}
		return NewHybridCache(NewMemoryCache(opts.Sweep), remote, opts.MemoryTTL, logger), nil
	}
	return nil, ErrUnknownBackend
}
