package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters as expiring Redis keys:
// {prefix}{scope}:{identifier}:{endpoint}:{window_start_unix}
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(scope, identifier, endpoint string, windowStart time.Time) string {
	return s.prefix + scope + ":" + identifier + ":" + endpoint + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

// Hit is INCR plus EXPIRE in one pipeline. Requests past the limit still
// increment, so count may exceed limit; callers clamp it.
func (s *RedisStore) Hit(ctx context.Context, scope, identifier, endpoint string, windowStart time.Time, window time.Duration, limit int) (bool, int, error) {
	key := s.key(scope, identifier, endpoint, windowStart)

	pipe := s.rdb.Pipeline()
	cnt := pipe.Incr(ctx, key)
	// keep the key for two windows so Status still sees a window just closed
	pipe.Expire(ctx, key, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	n := int(cnt.Val())
	return n <= limit, n, nil
}

func (s *RedisStore) Count(ctx context.Context, scope, identifier, endpoint string, windowStart time.Time) (int, error) {
	n, err := s.rdb.Get(ctx, s.key(scope, identifier, endpoint, windowStart)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) Reset(ctx context.Context, scope, identifier, endpoint string) (int64, error) {
	pattern := s.prefix + scope + ":" + globEscape(identifier) + ":"
	if endpoint != "" {
		pattern += globEscape(endpoint) + ":*"
	} else {
		pattern += "*"
	}

	var deleted int64
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.Del(ctx, iter.Val()).Result()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, iter.Err()
}

// Cleanup is a no-op: keys expire on their own.
func (s *RedisStore) Cleanup(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string { return globReplacer.Replace(s) }
