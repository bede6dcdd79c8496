package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/db/dbtest"
	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeCatalog map[string]model.Plan

func (c fakeCatalog) Lookup(slug string) (model.Plan, bool) {
	p, ok := c[slug]
	return p, ok
}

var catalog = fakeCatalog{
	"starter": {Slug: "starter", Credits: 100, Period: model.PeriodMonth, Activations: 1},
	"yearly":  {Slug: "yearly", Credits: 1000, Period: model.PeriodYear, Activations: 1},
}

type fixture struct {
	db  *sqlx.DB
	svc *Service
	now time.Time
	seq atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{db: dbtest.NewSQLite(t), now: t0}
	outbox := events.NewOutbox(repository.NewOutboxRepository(), "notifications", "ledger")
	f.svc = New(f.db,
		repository.NewLicensesRepository(),
		repository.NewLedgerRepository(),
		outbox,
		catalog,
		config.CreditsConfig{LowPercent: 20, CriticalPercent: 10},
		zaptest.NewLogger(t),
	)
	f.svc.Now = func() time.Time { return f.now }
	return f
}

// seed inserts a starter license and records its opening balance so the
// ledger sums to the balance from the start.
func (f *fixture) seed(t require.TestingT, total, monthly, extra int64) *model.License {
	key := fmt.Sprintf("TEST-%05d", f.seq.Add(1))
	reset := model.AtPtr(t0.AddDate(0, 1, 0))
	l := &model.License{
		Key:              key,
		Status:           model.LicenseActive,
		VariantSlug:      "starter",
		Email:            "owner@example.com",
		CreditsTotal:     total,
		CreditsMonthly:   monthly,
		CreditsExtra:     extra,
		CreditsResetDate: reset,
		ActivationLimit:  1,
		CreatedAt:        model.At(t0),
		UpdatedAt:        model.At(t0),
	}
	err := repository.WithTx(context.Background(), f.db, func(tx *sqlx.Tx) error {
		var err error
		if l.ID, err = repository.NewLicensesRepository().Insert(context.Background(), tx, l); err != nil {
			return err
		}
		return repository.NewLedgerRepository().Append(context.Background(), tx, &model.LedgerEntry{
			LicenseKey:   key,
			Type:         model.EntryGrantMonthly,
			Amount:       monthly + extra,
			BalanceAfter: monthly + extra,
			RefType:      model.RefOrder,
			CreatedAt:    model.At(t0),
		})
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) get(t *testing.T, id int64) *model.License {
	t.Helper()
	l, err := repository.NewLicensesRepository().GetByID(context.Background(), f.db, id)
	require.NoError(t, err)
	return l
}

func (f *fixture) notifications(t *testing.T) []events.Event {
	t.Helper()
	rows, err := repository.NewOutboxRepository().FetchPending(context.Background(), f.db, 1000)
	require.NoError(t, err)

	var out []events.Event
	for _, r := range rows {
		if r.Topic != "notifications" {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal(r.Payload, &ev))
		out = append(out, ev)
	}
	return out
}

func TestUseCreditsFromMonthly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 5, 5, 0)

	res, err := f.svc.UseCredits(ctx, l.ID, 3, model.Ref{ID: "call-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Monthly)
	assert.EqualValues(t, 0, res.Extra)
	assert.EqualValues(t, -3, res.Entry.Amount)
	assert.EqualValues(t, 2, res.Entry.BalanceAfter)
	assert.Equal(t, model.EntryConsume, res.Entry.Type)
	assert.Equal(t, model.RefAPI, res.Entry.RefType)

	_, err = f.svc.UseCredits(ctx, l.ID, 5, model.Ref{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)
	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.EqualValues(t, 5, e.Details["requested"])
	assert.EqualValues(t, 2, e.Details["remaining"])

	got := f.get(t, l.ID)
	assert.EqualValues(t, 2, got.CreditsMonthly)
	assert.EqualValues(t, 0, got.CreditsExtra)
	assert.EqualValues(t, 3, got.CreditsUsedMonth)
}

func TestUseCreditsSpillsIntoExtra(t *testing.T) {
	f := newFixture(t)
	l := f.seed(t, 100, 2, 10)

	res, err := f.svc.UseCredits(context.Background(), l.ID, 5, model.Ref{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Monthly)
	assert.EqualValues(t, 7, res.Extra)
	assert.EqualValues(t, 7, res.Balance)
}

func TestUseCreditsRejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	l := f.seed(t, 5, 5, 0)

	for _, amount := range []int64{0, -1} {
		_, err := f.svc.UseCredits(context.Background(), l.ID, amount, model.Ref{})
		assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
	}
}

func TestUseCreditsIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 10, 10, 0)
	ref := model.Ref{ID: "req-1", IdempotencyKey: "consume:req-1"}

	first, err := f.svc.UseCredits(ctx, l.ID, 4, ref)
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	second, err := f.svc.UseCredits(ctx, l.ID, 4, ref)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.EqualValues(t, 6, second.Balance)
	assert.EqualValues(t, 6, f.get(t, l.ID).Remaining())
}

// staleLedger reports the first n idempotency keys as unseen, the view a
// transaction has while a concurrent one holding the same key commits.
type staleLedger struct {
	repository.LedgerRepository
	misses atomic.Int64
}

func (l *staleLedger) ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error) {
	if l.misses.Add(-1) >= 0 {
		return false, nil
	}
	return l.LedgerRepository.ExistsByIdem(ctx, tx, idem)
}

func TestIdempotencyKeyLostRaceReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 10, 10, 0)
	consume := model.Ref{ID: "req-7", IdempotencyKey: "consume:req-7"}
	grant := model.Ref{Type: model.RefOrder, ID: "ord-7", IdempotencyKey: "grant-ord-7"}

	_, err := f.svc.UseCredits(ctx, l.ID, 3, consume)
	require.NoError(t, err)
	_, err = f.svc.GrantExtra(ctx, l.ID, 5, grant)
	require.NoError(t, err)

	stale := &staleLedger{LedgerRepository: f.svc.ledger}
	f.svc.ledger = stale

	stale.misses.Store(1)
	res, err := f.svc.UseCredits(ctx, l.ID, 3, consume)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.EqualValues(t, 12, res.Balance)

	stale.misses.Store(1)
	res, err = f.svc.GrantExtra(ctx, l.ID, 5, grant)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.EqualValues(t, 12, res.Balance)

	got := f.get(t, l.ID)
	assert.EqualValues(t, 7, got.CreditsMonthly)
	assert.EqualValues(t, 5, got.CreditsExtra)
}

func TestConcurrentUseCreditsNoDoubleSpend(t *testing.T) {
	for _, extra := range []int{0, 1} {
		t.Run(fmt.Sprintf("n+%d", extra), func(t *testing.T) {
			f := newFixture(t)
			const n = 20
			l := f.seed(t, n, n/2, n/2)

			var (
				wg       sync.WaitGroup
				ok, fail atomic.Int64
			)
			for range n + extra {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.svc.UseCredits(context.Background(), l.ID, 1, model.Ref{})
					switch {
					case err == nil:
						ok.Add(1)
					case apperr.KindOf(err) == apperr.InsufficientCredits:
						fail.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.EqualValues(t, n, ok.Load())
			assert.EqualValues(t, extra, fail.Load())
			got := f.get(t, l.ID)
			assert.EqualValues(t, 0, got.CreditsMonthly)
			assert.EqualValues(t, 0, got.CreditsExtra)
		})
	}
}

func TestLedgerReconstructsBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger := repository.NewLedgerRepository()

	rapid.Check(t, func(rt *rapid.T) {
		monthly := rapid.Int64Range(0, 50).Draw(rt, "monthly")
		extra := rapid.Int64Range(0, 50).Draw(rt, "extra")
		l := f.seed(rt, 50, monthly, extra)

		ops := rapid.SliceOfN(rapid.Int64Range(-30, 30), 1, 25).Draw(rt, "ops")
		for _, op := range ops {
			var err error
			switch {
			case op < 0:
				_, err = f.svc.UseCredits(ctx, l.ID, -op, model.Ref{})
			case op > 0:
				_, err = f.svc.GrantExtra(ctx, l.ID, op, model.Ref{})
			}
			if err != nil && apperr.KindOf(err) != apperr.InsufficientCredits {
				rt.Fatalf("op %d: %v", op, err)
			}

			cur, err := repository.NewLicensesRepository().GetByID(ctx, f.db, l.ID)
			if err != nil {
				rt.Fatal(err)
			}
			if cur.CreditsMonthly < 0 || cur.CreditsExtra < 0 {
				rt.Fatalf("negative pool: monthly=%d extra=%d", cur.CreditsMonthly, cur.CreditsExtra)
			}
			sum, err := ledger.Sum(ctx, f.db, l.Key)
			if err != nil {
				rt.Fatal(err)
			}
			if sum != cur.Remaining() {
				rt.Fatalf("ledger sum %d != balance %d", sum, cur.Remaining())
			}
		}
	})
}

func TestAdjust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 10, 10, 0)

	res, err := f.svc.Adjust(ctx, l.ID, 5, model.Ref{Note: "goodwill"})
	require.NoError(t, err)
	assert.EqualValues(t, 15, res.Balance)
	assert.EqualValues(t, 5, res.Extra)
	assert.Equal(t, model.EntryAdjust, res.Entry.Type)
	assert.Equal(t, model.RefAdmin, res.Entry.RefType)

	res, err = f.svc.Adjust(ctx, l.ID, -12, model.Ref{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Balance)

	_, err = f.svc.Adjust(ctx, l.ID, 0, model.Ref{})
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

	_, err = f.svc.Adjust(ctx, l.ID, -4, model.Ref{})
	assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)
}

func TestGrantExtraOncePerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 10, 0, 0)
	ref := model.Ref{Type: model.RefOrder, ID: "ord-9", IdempotencyKey: "order:ord-9"}

	for range 3 {
		_, err := f.svc.GrantExtra(ctx, l.ID, 100, ref)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 100, f.get(t, l.ID).CreditsExtra)

	_, err := f.svc.GrantExtra(ctx, 9999, 10, model.Ref{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLowBalanceNotifiedOncePerLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 100, 100, 0)

	use := func(n int64) {
		t.Helper()
		_, err := f.svc.UseCredits(ctx, l.ID, n, model.Ref{})
		require.NoError(t, err)
	}

	use(85) // 15%: low, no event
	assert.Empty(t, f.notifications(t))

	use(6) // 9%: critical
	use(1)
	evs := f.notifications(t)
	require.Len(t, evs, 1)
	assert.Equal(t, events.CreditsLow, evs[0].Type)
	assert.Equal(t, l.Key, evs[0].LicenseKey)

	use(8) // depleted
	evs = f.notifications(t)
	require.Len(t, evs, 2)
	assert.Equal(t, events.CreditsDepleted, evs[1].Type)
}

func TestRefillRearmsLowBalanceNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.seed(t, 100, 100, 0)

	use := func(n int64) {
		t.Helper()
		_, err := f.svc.UseCredits(ctx, l.ID, n, model.Ref{})
		require.NoError(t, err)
	}

	use(100)
	require.Len(t, f.notifications(t), 1)

	_, err := f.svc.GrantExtra(ctx, l.ID, 50, model.Ref{})
	require.NoError(t, err)
	assert.Equal(t, model.NotifyNone, f.get(t, l.ID).NotifiedLevel)

	use(45) // 5%: critical again
	evs := f.notifications(t)
	require.Len(t, evs, 2)
	assert.Equal(t, events.CreditsLow, evs[1].Type)

	// a small top-up that stays critical still re-arms depletion
	_, err = f.svc.Adjust(ctx, l.ID, 2, model.Ref{})
	require.NoError(t, err)
	assert.Equal(t, model.NotifyCritical, f.get(t, l.ID).NotifiedLevel)

	use(7)
	evs = f.notifications(t)
	require.Len(t, evs, 3)
	assert.Equal(t, events.CreditsDepleted, evs[2].Type)
}

func TestInfo(t *testing.T) {
	svc := &Service{LowPercent: 20, CriticalPercent: 10}
	reset := model.AtPtr(t0.Add(36 * time.Hour))

	tests := []struct {
		name           string
		total, m, x    int64
		wantStatus     Status
		wantPercentage float64
	}{
		{"full", 100, 100, 0, StatusOK, 100},
		{"low", 100, 15, 0, StatusLow, 15},
		{"critical", 100, 5, 5, StatusCritical, 10},
		{"depleted", 100, 0, 0, StatusDepleted, 0},
		{"extra above total caps", 10, 10, 50, StatusOK, 100},
		{"no plan credits", 0, 0, 3, StatusOK, 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := svc.InfoAt(&model.License{
				CreditsTotal:     tc.total,
				CreditsMonthly:   tc.m,
				CreditsExtra:     tc.x,
				CreditsResetDate: reset,
			}, t0)
			assert.Equal(t, tc.wantStatus, info.Status)
			assert.InDelta(t, tc.wantPercentage, info.Percentage, 0.01)
			require.NotNil(t, info.DaysUntilReset)
			assert.Equal(t, 2, *info.DaysUntilReset)
		})
	}
}
