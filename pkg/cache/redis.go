package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/StrathCole/oracle-guard/pkg/metrics"
)

// DefaultKeyPrefix namespaces redis keys.
const DefaultKeyPrefix = "oracle-guard:consensus:"

const scanBatch = 100

// redisStore is the subset of the go-redis client the cache uses.
type redisStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache stores JSON-encoded entries in redis with native expiry.
type RedisCache struct {
	rdb    redisStore
	prefix string
	now    func() time.Time
}

// NewRedisCache connects to redis and pings it.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisCache(rdb, opts.KeyPrefix), nil
}

func newRedisCache(rdb redisStore, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCache{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RedisCache) key(key string) string {
	return r.prefix + key
}

func (r *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	b, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheRequest(BackendRedis, false)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(b, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached entry %s: %w", key, err)
	}
	metrics.RecordCacheRequest(BackendRedis, true)
	return entry, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = r.now().Add(ttl)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	if err := r.rdb.Set(ctx, r.key(key), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeleteFeed removes the feed's default key and scans for its override keys.
func (r *RedisCache) DeleteFeed(ctx context.Context, feedID string) error {
	keys := []string{r.key(feedID)}
	match := r.key(feedID) + "|*"
	var cursor uint64
	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", feedID, err)
	}
	return nil
}

func (r *RedisCache) Health(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.rdb.Close()
}
