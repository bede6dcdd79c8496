package app

import (
	"context"
	"testing"

	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/db/dbtest"
	"github.com/jmehdipour/licensing-gateway/internal/gateway"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewFromDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := New(cfg, dbtest.NewSQLite(t), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 60, a.GatewayLimiter.Limit("license_info"))
	assert.Equal(t, 20, a.LicenseLimiter.Limit("activate"))
	assert.Len(t, a.Limiters(), 2)

	p, ok := a.Catalog.Lookup("professional")
	require.True(t, ok)
	assert.Equal(t, int64(250), p.Credits)

	res, err := a.Licensing.Provision(context.Background(), licensing.ProvisionRequest{
		Email: "demo@example.com", Plan: "business",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.License.Remaining())
	assert.Equal(t, 10, res.License.ActivationLimit)

	// no providers are enabled in the defaults
	_, err = a.Gateway().Transcript(context.Background(), res.License, gateway.Request{VideoID: "dQw4w9WgXcQ"})
	assert.ErrorIs(t, err, gateway.ErrNoHealthy)
	assert.Equal(t, int64(500), res.License.Remaining())
}

func TestNewRejectsRedisBackendWithoutClient(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RateLimit.Backend = "redis"

	_, err = New(cfg, dbtest.NewSQLite(t), nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg.RateLimit.Backend = "memcached"
	_, err = New(cfg, dbtest.NewSQLite(t), nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}
