package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/db/dbtest"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitHitAdmitsExactlyLimit(t *testing.T) {
	dbx := dbtest.NewSQLite(t)
	repo := NewRateLimitRepository()
	ctx := context.Background()

	w := model.RateLimitWindow{Scope: "gateway", Identifier: "ip_1.2.3.4", Endpoint: "default", WindowStart: model.At(t0)}
	for i := 1; i <= 3; i++ {
		ok, n, err := repo.Hit(ctx, dbx, w, 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}

	ok, n, err := repo.Hit(ctx, dbx, w, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, n)

	next := w
	next.WindowStart = model.At(t0.Add(time.Minute))
	ok, _, err = repo.Hit(ctx, dbx, next, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	other := w
	other.Scope = "license"
	ok, _, err = repo.Hit(ctx, dbx, other, 3)
	require.NoError(t, err)
	assert.True(t, ok, "scopes do not share counters")

	deleted, err := repo.DeleteBefore(ctx, dbx, "gateway", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	deleted, err = repo.Delete(ctx, dbx, "gateway", "ip_1.2.3.4", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
