package cache

import (
	"context"
	"sync"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/metrics"
)

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryCache keeps entries in a map and evicts expired ones on read and on
// a periodic sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	items   map[string]memoryItem
	maxTTL  time.Duration
	now     func() time.Time
	done    chan struct{}
	closeMu sync.Once
}

// MemoryOption customizes a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryClock overrides the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryCache) { m.now = now }
}

// WithMaxTTL caps every entry's lifetime.
func WithMaxTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryCache) { m.maxTTL = ttl }
}

// NewMemoryCache creates a memory cache. A positive sweep interval starts a
// background cleaner stopped by Close.
func NewMemoryCache(sweep time.Duration, opts ...MemoryOption) *MemoryCache {
	m := &MemoryCache{
		items: make(map[string]memoryItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if sweep > 0 {
		go m.backgroundCleaner(sweep)
	}
	return m
}

func (m *MemoryCache) backgroundCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.done:
			return
		}
	}
}

// Sweep removes expired entries and returns how many were removed.
func (m *MemoryCache) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if ok && !m.now().Before(item.expiresAt) {
		m.mu.Lock()
		if current, still := m.items[key]; still && current.expiresAt.Equal(item.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		ok = false
	}
	metrics.RecordCacheRequest(BackendMemory, ok)
	if !ok {
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	if m.maxTTL > 0 && (ttl <= 0 || ttl > m.maxTTL) {
		ttl = m.maxTTL
	}
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	m.items[key] = memoryItem{entry: entry, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) DeleteFeed(_ context.Context, feedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.items {
		if belongsTo(key, feedID) {
			delete(m.items, key)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *MemoryCache) Health(context.Context) error {
	return nil
}

func (m *MemoryCache) Close() error {
	m.closeMu.Do(func() { close(m.done) })
	return nil
}
