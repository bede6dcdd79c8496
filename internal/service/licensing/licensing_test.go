package licensing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/db/dbtest"
	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmehdipour/licensing-gateway/internal/service/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

var testPlans = []config.PlanConfig{
	{Slug: "trial", Credits: 10, CreditsPeriod: "once", Activations: 1},
	{Slug: "starter", Credits: 100, CreditsPeriod: "month", Activations: 1, Price: 9.99},
	{Slug: "professional", Credits: 250, CreditsPeriod: "month", Activations: 3, Price: 19.99},
	{Slug: "extra_credits_10", Credits: 10, CreditsPeriod: "once", Price: 5, Addon: true},
}

type fixture struct {
	svc *Service
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbx := dbtest.NewSQLite(t)
	catalog, err := plans.NewCatalog(testPlans)
	require.NoError(t, err)

	outbox := events.NewOutbox(repository.NewOutboxRepository(), "licensing.notifications", "licensing.ledger")
	f := &fixture{now: t0}
	f.svc = New(dbx,
		repository.NewLicensesRepository(),
		repository.NewActivationsRepository(),
		repository.NewLedgerRepository(),
		outbox,
		catalog,
		config.LicensingConfig{CooldownDays: 7},
		zaptest.NewLogger(t),
	)
	f.svc.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) provision(t *testing.T, plan string) *model.License {
	t.Helper()
	res, err := f.svc.Provision(context.Background(), ProvisionRequest{Email: "owner@example.com", Plan: plan})
	require.NoError(t, err)
	return res.License
}

func (f *fixture) activate(key, site string) (*ActivateResult, error) {
	return f.svc.Activate(context.Background(), ActivateRequest{
		Key:         key,
		SiteURL:     site,
		RequesterIP: "203.0.113.7",
		Versions:    model.Versions{Client: "2.4.0", Runtime: "8.2"},
	})
}

func details(t *testing.T, err error) map[string]any {
	t.Helper()
	var e *apperr.Error
	require.True(t, errors.As(err, &e), "not an apperr: %v", err)
	return e.Details
}

func TestActivateStopsAtLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "professional")

	for i := range 3 {
		res, err := f.activate(lic.Key, fmt.Sprintf("https://site%d.example.com", i))
		require.NoError(t, err)
		assert.False(t, res.Refreshed)
		assert.Equal(t, i+1, res.License.ActivationCount)
	}

	_, err := f.activate(lic.Key, "https://fourth.example.com")
	require.Error(t, err)
	assert.Equal(t, apperr.ActivationLimitReached, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "3/3")
	d := details(t, err)
	assert.Equal(t, 3, d["activation_count"])
	assert.Equal(t, 3, d["activation_limit"])

	got, err := f.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ActivationCount)
}

func TestActivateSameSiteRefreshesWithoutSlot(t *testing.T) {
	f := newFixture(t)
	lic := f.provision(t, "starter")

	_, err := f.activate(lic.Key, "https://Example.com/")
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	res, err := f.activate(lic.Key, "https://example.com")
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, 1, res.License.ActivationCount)
	assert.Equal(t, t0.Unix(), res.Activation.ActivatedAt.Unix())
	assert.Equal(t, f.now.Unix(), res.Activation.LastCheckedAt.Unix())
}

func TestConcurrentActivationsAdmitExactlyLimit(t *testing.T) {
	f := newFixture(t)
	lic := f.provision(t, "professional")

	const n = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		limited   int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.activate(lic.Key, fmt.Sprintf("https://s%d.example.com", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperr.KindOf(err) == apperr.ActivationLimitReached:
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, n-3, limited)

	active, err := f.svc.Activations(context.Background(), lic.ID, true)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestActivateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	lic := f.provision(t, "starter")

	_, err := f.activate(lic.Key, "ftp://example.com")
	assert.Equal(t, apperr.InvalidURL, apperr.KindOf(err))

	_, err = f.activate(lic.Key, "http://localhost:8080")
	assert.Equal(t, apperr.InvalidURL, apperr.KindOf(err))

	_, err = f.activate("", "https://example.com")
	assert.Equal(t, apperr.MissingCredential, apperr.KindOf(err))

	_, err = f.activate("NOPE-NOPE-NOPE", "https://example.com")
	assert.ErrorIs(t, err, apperr.ErrInvalidLicense)
}

func TestActivateRequiresUsableLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "starter")

	_, err := f.svc.SetStatus(ctx, lic.ID, model.LicenseSuspended)
	require.NoError(t, err)
	_, err = f.activate(lic.Key, "https://example.com")
	assert.ErrorIs(t, err, apperr.ErrLicenseInactive)

	_, err = f.svc.SetStatus(ctx, lic.ID, model.LicenseActive)
	require.NoError(t, err)
	_, err = f.activate(lic.Key, "https://example.com")
	assert.NoError(t, err)
}

func TestDeactivateReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "starter")

	_, err := f.activate(lic.Key, "https://a.example.com")
	require.NoError(t, err)

	got, err := f.svc.Deactivate(ctx, lic.Key, "https://a.example.com/")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActivationCount)
	assert.Nil(t, got.SiteURL)

	_, err = f.svc.Deactivate(ctx, lic.Key, "https://a.example.com")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	res, err := f.activate(lic.Key, "https://a.example.com")
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.Equal(t, 1, res.License.ActivationCount)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "starter")

	_, err := f.svc.Heartbeat(ctx, lic.Key, "https://a.example.com", model.Versions{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.activate(lic.Key, "https://a.example.com")
	require.NoError(t, err)

	f.now = f.now.Add(24 * time.Hour)
	_, err = f.svc.Heartbeat(ctx, lic.Key, "https://a.example.com", model.Versions{Client: "2.5.0"})
	require.NoError(t, err)

	acts, err := f.svc.Activations(ctx, lic.ID, true)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "2.5.0", acts[0].ClientVersion)
	assert.Equal(t, f.now.Unix(), acts[0].LastCheckedAt.Unix())
}

func TestUnlockSiteCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "starter")

	_, err := f.activate(lic.Key, "https://a.example.com")
	require.NoError(t, err)

	got, err := f.svc.UnlockSite(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActivationCount)
	assert.Nil(t, got.SiteURL)
	require.NotNil(t, got.SiteUnlockAt)
	assert.Equal(t, t0.Unix(), got.SiteUnlockAt.Unix())

	f.now = t0.Add(2 * 24 * time.Hour)
	_, err = f.svc.UnlockSite(ctx, lic.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CooldownActive, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "5 days remaining")
	assert.Equal(t, 5, details(t, err)["days_remaining"])

	f.now = t0.Add(7 * 24 * time.Hour)
	_, err = f.svc.UnlockSite(ctx, lic.ID)
	assert.NoError(t, err)
}

func TestUnlockFreesSlotForNewSite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "starter")

	_, err := f.activate(lic.Key, "https://old.example.com")
	require.NoError(t, err)
	_, err = f.activate(lic.Key, "https://new.example.com")
	require.Equal(t, apperr.ActivationLimitReached, apperr.KindOf(err))

	_, err = f.svc.UnlockSite(ctx, lic.ID)
	require.NoError(t, err)

	_, err = f.activate(lic.Key, "https://new.example.com")
	assert.NoError(t, err)
}

func TestRebindSiteIgnoresCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "professional")

	for _, s := range []string{"https://a.example.com", "https://b.example.com"} {
		_, err := f.activate(lic.Key, s)
		require.NoError(t, err)
	}
	_, err := f.svc.UnlockSite(ctx, lic.ID)
	require.NoError(t, err)

	got, err := f.svc.RebindSite(ctx, lic.ID, "https://c.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActivationCount)
	require.NotNil(t, got.SiteURL)
	assert.Equal(t, "https://c.example.com", *got.SiteURL)

	// rebinding onto a previously used site reuses its row
	got, err = f.svc.RebindSite(ctx, lic.ID, "https://a.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActivationCount)

	active, err := f.svc.Activations(ctx, lic.ID, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "https://a.example.com", active[0].SiteURL)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "starter")

	res, err := f.svc.Validate(ctx, lic.Key, "https://a.example.com")
	require.NoError(t, err)
	assert.False(t, res.SiteActive)

	_, err = f.activate(lic.Key, "https://a.example.com")
	require.NoError(t, err)

	res, err = f.svc.Validate(ctx, " "+lic.Key+" ", "https://a.example.com")
	require.NoError(t, err)
	assert.True(t, res.SiteActive)
	assert.Equal(t, lic.ID, res.License.ID)
}

func TestValidateExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := t0.Add(24 * time.Hour)
	res, err := f.svc.Provision(ctx, ProvisionRequest{Email: "a@example.com", Plan: "starter", ExpiresAt: &exp})
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, res.License.Key, "")
	require.NoError(t, err)

	f.now = exp
	_, err = f.svc.Validate(ctx, res.License.Key, "")
	assert.ErrorIs(t, err, apperr.ErrLicenseExpired)

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := f.svc.Get(ctx, res.License.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LicenseExpired, got.Status)
}

func TestLookupAcceptsKeyVariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.provision(t, "starter")

	for _, k := range []string{lic.Key, "ipv-" + lic.Key, " " + lic.Key} {
		got, err := f.svc.Lookup(ctx, k)
		require.NoError(t, err, k)
		assert.Equal(t, lic.ID, got.ID)
	}
}

func TestProvision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Provision(ctx, ProvisionRequest{Email: "a@example.com", Plan: "professional", OrderRef: "ord-1"})
	require.NoError(t, err)
	assert.False(t, res.Idempotent)

	l := res.License
	assert.Equal(t, model.LicenseActive, l.Status)
	assert.EqualValues(t, 250, l.CreditsTotal)
	assert.EqualValues(t, 250, l.Remaining())
	assert.Equal(t, 3, l.ActivationLimit)
	require.NotNil(t, l.CreditsResetDate)
	assert.Equal(t, t0.AddDate(0, 1, 0).Unix(), l.CreditsResetDate.Unix())
	require.NotNil(t, res.Entry)
	assert.Equal(t, model.EntryGrantMonthly, res.Entry.Type)
	assert.EqualValues(t, 250, res.Entry.Amount)

	again, err := f.svc.Provision(ctx, ProvisionRequest{Email: "a@example.com", Plan: "professional", OrderRef: "ord-1"})
	require.NoError(t, err)
	assert.True(t, again.Idempotent)
	assert.Equal(t, l.ID, again.License.ID)

	trial, err := f.svc.Provision(ctx, ProvisionRequest{Email: "b@example.com", Plan: "trial", KeyFormat: KeyFormatLong})
	require.NoError(t, err)
	assert.Nil(t, trial.License.CreditsResetDate)
	assert.Regexp(t, `^IPV-`, trial.License.Key)
}

func TestProvisionRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Provision(ctx, ProvisionRequest{Email: "a@example.com", Plan: "gold"})
	assert.ErrorIs(t, err, apperr.ErrPlanNotFound)

	_, err = f.svc.Provision(ctx, ProvisionRequest{Email: "a@example.com", Plan: "extra_credits_10"})
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

	_, err = f.svc.Provision(ctx, ProvisionRequest{Email: "nobody", Plan: "starter"})
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}
