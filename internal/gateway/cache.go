package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// minCachedText is the shortest cached transcript trusted as valid; shorter
// entries are upstream error stubs and are evicted.
const minCachedText = 50

// Result is a transcript tagged with where it came from. Only results with
// CacheHit false may be billed.
type Result struct {
	Transcript Transcript `json:"transcript"`
	CacheHit   bool       `json:"cached"`
	Provider   string     `json:"provider,omitempty"`
}

// Fetcher resolves transcripts, reporting cache hits.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Upstream is the uncached transcript source.
type Upstream interface {
	Upstream(ctx context.Context, req Request) (Transcript, string, error)
}

// Cache is a TTL key/value store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache implements Cache on Redis strings.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// CachedFetcher serves transcripts from cache and falls through to the
// upstream on a miss. A nil cache disables caching.
type CachedFetcher struct {
	cache    Cache
	upstream Upstream
	ttl      time.Duration
	log      *zap.Logger
}

func NewCachedFetcher(cache Cache, upstream Upstream, ttl time.Duration, log *zap.Logger) *CachedFetcher {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CachedFetcher{cache: cache, upstream: upstream, ttl: ttl, log: log}
}

func cacheKey(req Request) string {
	return "transcript:" + req.VideoID + ":" + req.Mode + ":" + req.Lang
}

func (f *CachedFetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	key := cacheKey(req)

	if f.cache != nil {
		if t, ok := f.cached(ctx, key); ok {
			return Result{Transcript: t, CacheHit: true}, nil
		}
	}

	t, provider, err := f.upstream.Upstream(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if f.cache != nil && len(strings.TrimSpace(t.Text)) > minCachedText {
		if b, err := json.Marshal(t); err == nil {
			if err := f.cache.Set(ctx, key, b, f.ttl); err != nil {
				f.log.Warn("transcript cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return Result{Transcript: t, Provider: provider}, nil
}

// cached reads and validates a cache entry; read errors count as a miss.
func (f *CachedFetcher) cached(ctx context.Context, key string) (Transcript, bool) {
	b, ok, err := f.cache.Get(ctx, key)
	if err != nil {
		f.log.Warn("transcript cache read failed", zap.String("key", key), zap.Error(err))
		return Transcript{}, false
	}
	if !ok {
		return Transcript{}, false
	}

	var t Transcript
	if err := json.Unmarshal(b, &t); err != nil || len(strings.TrimSpace(t.Text)) <= minCachedText {
		f.log.Info("evicting invalid cached transcript", zap.String("key", key))
		_ = f.cache.Del(ctx, key)
		return Transcript{}, false
	}
	return t, true
}
