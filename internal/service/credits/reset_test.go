package credits

import (
	"context"
	"testing"

	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetMonthly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 100, 100, 5)

	_, err := f.svc.UseCredits(ctx, l.ID, 96, model.Ref{})
	require.NoError(t, err)

	_, ok, err := f.svc.ResetMonthly(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, ok, "not due yet")

	f.now = t0.AddDate(0, 1, 1)
	res, ok, err := f.svc.ResetMonthly(ctx, l.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 96, res.Entry.Amount)
	assert.Equal(t, model.EntryGrantMonthly, res.Entry.Type)
	assert.Equal(t, model.RefCron, res.Entry.RefType)
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.CreditsReset, res.Events[0].Type)

	got := f.get(t, l.ID)
	assert.EqualValues(t, 100, got.CreditsMonthly)
	assert.EqualValues(t, 4, got.CreditsExtra)
	assert.EqualValues(t, 0, got.CreditsUsedMonth)
	assert.Equal(t, model.NotifyNone, got.NotifiedLevel)
	require.NotNil(t, got.CreditsResetDate)
	assert.Equal(t, t0.AddDate(0, 2, 0).Unix(), got.CreditsResetDate.Unix())

	sum, err := repository.NewLedgerRepository().Sum(ctx, f.db, l.Key)
	require.NoError(t, err)
	assert.Equal(t, got.Remaining(), sum)

	_, ok, err = f.svc.ResetMonthly(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second reset in the same period")
}

func TestResetSkipsMissedPeriods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 100, 10, 0)

	f.now = t0.AddDate(0, 3, 2)
	_, ok, err := f.svc.ResetMonthly(ctx, l.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got := f.get(t, l.ID)
	assert.Equal(t, t0.AddDate(0, 4, 0).Unix(), got.CreditsResetDate.Unix())
}

func TestResetDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.seed(t, 100, 0, 0)
	b := f.seed(t, 100, 50, 0)

	f.now = t0.AddDate(0, 1, 0)
	n, err := f.svc.ResetDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []int64{a.ID, b.ID} {
		assert.EqualValues(t, 100, f.get(t, id).CreditsMonthly)
	}

	n, err = f.svc.ResetDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatsAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 100, 100, 0)

	for range 3 {
		_, err := f.svc.UseCredits(ctx, l.ID, 2, model.Ref{})
		require.NoError(t, err)
	}
	_, err := f.svc.GrantExtra(ctx, l.ID, 10, model.Ref{})
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx, l.Key, "week")
	require.NoError(t, err)
	assert.EqualValues(t, 6, st.TotalUsed)
	assert.EqualValues(t, 110, st.TotalAdded)
	assert.EqualValues(t, 3, st.TransactionCount)

	_, err = f.svc.Stats(ctx, l.Key, "decade")
	assert.Error(t, err)

	hist, err := f.svc.History(ctx, l.Key, 2, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.EntryGrantExtra, hist[0].Type)
	assert.EqualValues(t, 104, hist[0].BalanceAfter)
}
