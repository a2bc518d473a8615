package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bluele/gcache"
	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/stablerwa/go-did-sdk/did"
)

// Clock is the time source used for cache freshness. gcache.FakeClock
// satisfies it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Entry is a cached resolution result.
type Entry struct {
	Document    *did.Document `json:"document"`
	Deactivated bool          `json:"deactivated,omitempty"`
	CachedAt    time.Time     `json:"cachedAt"`
}

// Fresh reports whether the entry is still valid at now.
func (e *Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Before(e.CachedAt.Add(ttl))
}

// Cache stores resolution results. Implementations must be safe for
// concurrent use; a miss or a backend failure both report ok == false.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// MemoryCache is an in-process LRU cache.
type MemoryCache struct {
	c gcache.Cache
}

// NewMemoryCache builds an LRU cache holding up to size entries.
func NewMemoryCache(size int, clock Clock) *MemoryCache {
	if clock == nil {
		clock = realClock{}
	}
	return &MemoryCache{c: gcache.New(size).LRU().Clock(clock).Build()}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Entry, bool) {
	v, err := m.c.Get(key)
	if err != nil {
		return nil, false
	}
	e, ok := v.(*Entry)
	return e, ok
}

func (m *MemoryCache) Set(_ context.Context, key string, e *Entry, ttl time.Duration) {
	_ = m.c.SetWithExpire(key, e, ttl)
}

func (m *MemoryCache) Delete(_ context.Context, key string) {
	m.c.Remove(key)
}

// RedisCache shares resolution results between processes.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	logger log.Logger
}

// NewRedisCache stores entries under prefix+key.
func NewRedisCache(client redis.Cmdable, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: log.Root().With("module", "resolver-cache"),
	}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis cache read failed", "key", key, "err", err)
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		r.logger.Warn("dropping undecodable cache entry", "key", key, "err", err)
		r.Delete(ctx, key)
		return nil, false
	}
	return &e, true
}

func (r *RedisCache) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) {
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("failed to encode cache entry", "key", key, "err", err)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		r.logger.Warn("redis cache write failed", "key", key, "err", err)
	}
}

func (r *RedisCache) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.logger.Warn("redis cache delete failed", "key", key, "err", err)
	}
}
