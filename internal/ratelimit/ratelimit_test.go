package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/db/dbtest"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 5, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func sqlStore(t *testing.T) Store {
	return NewSQLStore(dbtest.NewSQLite(t), repository.NewRateLimitRepository())
}

func redisStore(t *testing.T) Store {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "rltest:"+t.Name()+":")
}

func stores() map[string]func(*testing.T) Store {
	return map[string]func(*testing.T) Store{"sql": sqlStore, "redis": redisStore}
}

func TestFixedWindow(t *testing.T) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: t0}
			l := New(ScopeGateway, time.Minute, map[string]int{"download": 3, "default": 5}, mk(t))
			l.Now = clk.Now

			id := LicenseIdentifier("AAAAA-BBBBB-CCCCC")
			for i := 1; i <= 3; i++ {
				d, err := l.Allow(ctx, id, "download")
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, 3-i, d.Remaining)
			}

			clk.now = t0.Add(40 * time.Second)
			d, err := l.Allow(ctx, id, "download")
			require.Error(t, err)
			assert.False(t, d.Allowed)
			assert.ErrorIs(t, err, apperr.ErrRateLimited)
			var e *apperr.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, 3, e.Details["limit"])
			assert.Equal(t, 60, e.Details["window_seconds"])
			assert.Equal(t, 15, e.Details["retry_after"])
			assert.Contains(t, err.Error(), "per minute")

			// next window
			clk.now = t0.Add(time.Minute)
			_, err = l.Allow(ctx, id, "download")
			assert.NoError(t, err)
		})
	}
}

func TestLimitsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := sqlStore(t)
	clk := &clock{now: t0}

	gw := New(ScopeGateway, time.Minute, map[string]int{"default": 1}, store)
	lic := New(ScopeLicense, time.Hour, map[string]int{"activate": 1}, store)
	gw.Now, lic.Now = clk.Now, clk.Now

	ip := IPIdentifier("203.0.113.7")
	_, err := gw.Allow(ctx, ip, "other")
	require.NoError(t, err)
	_, err = gw.Allow(ctx, ip, "other")
	require.Error(t, err)

	_, err = gw.Allow(ctx, IPIdentifier("198.51.100.1"), "other")
	assert.NoError(t, err, "other identifier")
	_, err = gw.Allow(ctx, ip, "license_info")
	assert.NoError(t, err, "other endpoint falls back to default but has its own window")
	_, err = lic.Allow(ctx, ip, "activate")
	assert.NoError(t, err, "other scope")

	_, err = lic.Allow(ctx, ip, "activate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per hour")
}

func TestUnlimitedEndpoint(t *testing.T) {
	l := New(ScopeLicense, time.Hour, map[string]int{"activate": 1}, sqlStore(t))
	for range 5 {
		d, err := l.Allow(context.Background(), "ip_x", "heartbeat")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestStatusResetCleanup(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	l := New(ScopeGateway, time.Minute, map[string]int{"gateway": 10, "default": 5}, sqlStore(t))
	l.Now = clk.Now

	id := LicenseIdentifier("K")
	for range 4 {
		_, err := l.Allow(ctx, id, "gateway")
		require.NoError(t, err)
	}
	_, err := l.Allow(ctx, id, "default")
	require.NoError(t, err)

	st, err := l.Status(ctx, id, "gateway")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Count)
	assert.Equal(t, 6, st.Remaining)
	assert.Equal(t, t0.Truncate(time.Minute).Add(time.Minute), st.ResetAt)

	all, err := l.StatusAll(ctx, id)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "default", all[0].Endpoint)
	assert.Equal(t, 1, all[0].Count)

	n, err := l.Reset(ctx, id, "gateway")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	st, err = l.Status(ctx, id, "gateway")
	require.NoError(t, err)
	assert.Zero(t, st.Count)

	_, err = l.Reset(ctx, "", "")
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

	clk.now = t0.Add(2 * time.Hour)
	n, err = l.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
