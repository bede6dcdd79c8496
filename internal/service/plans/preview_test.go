package plans

import (
	"testing"

	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var (
	trial        = model.Plan{Slug: "trial", Credits: 10, Period: model.PeriodOnce, Activations: 1}
	starter      = model.Plan{Slug: "starter", Credits: 100, Period: model.PeriodMonth, Activations: 1, Price: 9.99}
	professional = model.Plan{Slug: "professional", Credits: 250, Period: model.PeriodMonth, Activations: 3, Price: 19.99}
)

func TestComputePreviewUpgrade(t *testing.T) {
	l := &model.License{VariantSlug: "starter", CreditsTotal: 100, CreditsMonthly: 40, ActivationLimit: 1}

	p := ComputePreview(l, starter, professional)
	assert.True(t, p.IsUpgrade)
	assert.EqualValues(t, 150, p.CreditsDiff)
	assert.EqualValues(t, 190, p.NewRemaining)
	assert.EqualValues(t, 190, p.NewMonthly)
	assert.EqualValues(t, 150, p.Delta())
	assert.True(t, p.RequiresPayment)
	assert.InDelta(t, 10.0, p.PriceDiff, 0.001)
	assert.Equal(t, 3, p.ActivationLimit)
}

func TestComputePreviewDowngrade(t *testing.T) {
	l := &model.License{VariantSlug: "starter", CreditsTotal: 100, CreditsMonthly: 40, ActivationLimit: 1}

	p := ComputePreview(l, starter, trial)
	assert.False(t, p.IsUpgrade)
	assert.EqualValues(t, -90, p.CreditsDiff)
	assert.EqualValues(t, 10, p.NewRemaining)
	assert.False(t, p.RequiresPayment)
	assert.Equal(t, 1, p.ActivationLimit)
}

func TestComputePreviewDowngradeDrainsMonthlyFirst(t *testing.T) {
	l := &model.License{VariantSlug: "professional", CreditsTotal: 250, CreditsMonthly: 5, CreditsExtra: 50, ActivationLimit: 3}

	p := ComputePreview(l, professional, trial)
	assert.EqualValues(t, 10, p.NewRemaining)
	assert.EqualValues(t, 0, p.NewMonthly)
	assert.EqualValues(t, 10, p.NewExtra)
	assert.Equal(t, 3, p.ActivationLimit, "limit never shrinks")
}

func TestComputePreviewDowngradeBelowTarget(t *testing.T) {
	l := &model.License{VariantSlug: "professional", CreditsTotal: 250, CreditsMonthly: 3, ActivationLimit: 3}

	p := ComputePreview(l, professional, starter)
	assert.EqualValues(t, 3, p.NewRemaining, "downgrade never tops up")
	assert.EqualValues(t, 3, p.NewMonthly)
}

func TestPreviewProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		currentCredits := rapid.Int64Range(0, 5000).Draw(t, "current")
		targetCredits := rapid.Int64Range(0, 5000).Draw(t, "target")
		monthly := rapid.Int64Range(0, currentCredits).Draw(t, "monthly")
		extra := rapid.Int64Range(0, 5000).Draw(t, "extra")
		limit := rapid.IntRange(1, 20).Draw(t, "limit")
		targetActivations := rapid.IntRange(0, 20).Draw(t, "target_activations")

		l := &model.License{
			VariantSlug:     "current",
			CreditsTotal:    currentCredits,
			CreditsMonthly:  monthly,
			CreditsExtra:    extra,
			ActivationLimit: limit,
		}
		current := model.Plan{Slug: "current", Credits: currentCredits}
		target := model.Plan{Slug: "target", Credits: targetCredits, Activations: targetActivations}
		p := ComputePreview(l, current, target)

		remaining := monthly + extra
		if p.NewMonthly < 0 || p.NewExtra < 0 {
			t.Fatalf("negative pool: %+v", p)
		}
		if p.NewMonthly+p.NewExtra != p.NewRemaining {
			t.Fatalf("pools %d+%d != remaining %d", p.NewMonthly, p.NewExtra, p.NewRemaining)
		}
		if p.ActivationLimit < limit || p.ActivationLimit < targetActivations {
			t.Fatalf("activation limit %d shrank", p.ActivationLimit)
		}

		if targetCredits > currentCredits {
			if p.NewRemaining != remaining+(targetCredits-currentCredits) {
				t.Fatalf("upgrade not additive: %+v", p)
			}
			return
		}
		if p.NewRemaining > remaining || p.NewRemaining > targetCredits {
			t.Fatalf("downgrade topped up: remaining %d -> %d (target %d)", remaining, p.NewRemaining, targetCredits)
		}
	})
}
