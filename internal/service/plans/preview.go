package plans

import "github.com/jmehdipour/licensing-gateway/internal/model"

// Preview is the computed effect of moving a license to a target plan.
type Preview struct {
	CurrentPlan      string  `json:"current_plan"`
	TargetPlan       string  `json:"target_plan"`
	CurrentTotal     int64   `json:"current_credits_total"`
	TargetTotal      int64   `json:"target_credits_total"`
	CurrentRemaining int64   `json:"current_credits_remaining"`
	CreditsDiff      int64   `json:"credits_diff"`
	NewRemaining     int64   `json:"new_remaining"`
	PriceDiff        float64 `json:"price_diff"`
	IsUpgrade        bool    `json:"is_upgrade"`
	RequiresPayment  bool    `json:"requires_payment"`
	ActivationLimit  int     `json:"activation_limit"`

	// Pool split after the change. Upgrades land in the monthly pool;
	// downgrades drain monthly first, then extra.
	NewMonthly int64 `json:"-"`
	NewExtra   int64 `json:"-"`
}

// Delta is the signed change of the effective balance.
func (p Preview) Delta() int64 {
	return p.NewRemaining - p.CurrentRemaining
}

// ComputePreview is pure. current may be the zero Plan when the license's
// variant is no longer in the catalog; its price then counts as 0.
func ComputePreview(l *model.License, current, target model.Plan) Preview {
	remaining := l.Remaining()
	p := Preview{
		CurrentPlan:      l.VariantSlug,
		TargetPlan:       target.Slug,
		CurrentTotal:     l.CreditsTotal,
		TargetTotal:      target.Credits,
		CurrentRemaining: remaining,
		CreditsDiff:      target.Credits - l.CreditsTotal,
		PriceDiff:        target.Price - current.Price,
		ActivationLimit:  max(l.ActivationLimit, target.Activations),
		NewMonthly:       l.CreditsMonthly,
		NewExtra:         l.CreditsExtra,
	}
	p.IsUpgrade = p.CreditsDiff > 0
	p.RequiresPayment = p.PriceDiff > 0

	if p.IsUpgrade {
		p.NewRemaining = remaining + p.CreditsDiff
		p.NewMonthly = l.CreditsMonthly + p.CreditsDiff
		return p
	}

	p.NewRemaining = min(remaining, target.Credits)
	drain := remaining - p.NewRemaining
	fromMonthly := min(l.CreditsMonthly, drain)
	p.NewMonthly = l.CreditsMonthly - fromMonthly
	p.NewExtra = l.CreditsExtra - (drain - fromMonthly)
	return p
}
