package guard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// shardedMap spreads keys over independently locked shards so unrelated keys
// never contend on the same lock.
type shardedMap[V any] struct {
	shards [shardCount]*shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	s := &shardedMap[V]{}
	for i := range s.shards {
		s.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return s
}

func (s *shardedMap[V]) shardFor(key string) *shard[V] {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *shardedMap[V]) get(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

func (s *shardedMap[V]) getOrCreate(key string, create func() V) V {
	if v, ok := s.get(key); ok {
		return v
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok := sh.m[key]; ok {
		return v
	}
	v := create()
	sh.m[key] = v
	return v
}

func (s *shardedMap[V]) delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (s *shardedMap[V]) clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.m = make(map[string]V)
		sh.mu.Unlock()
	}
}

// each visits a snapshot of every entry; fn runs without shard locks held.
func (s *shardedMap[V]) each(fn func(key string, v V)) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		snapshot := make(map[string]V, len(sh.m))
		for k, v := range sh.m {
			snapshot[k] = v
		}
		sh.mu.RUnlock()
		for k, v := range snapshot {
			fn(k, v)
		}
	}
}
