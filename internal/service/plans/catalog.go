package plans

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/model"
)

// Catalog is the immutable set of sellable plans and add-on packs.
type Catalog struct {
	bySlug map[string]model.Plan
	order  []string
}

func NewCatalog(cfg []config.PlanConfig) (*Catalog, error) {
	c := &Catalog{bySlug: make(map[string]model.Plan, len(cfg))}
	for _, pc := range cfg {
		slug := strings.TrimSpace(pc.Slug)
		if slug == "" {
			return nil, fmt.Errorf("plan with empty slug")
		}
		if _, dup := c.bySlug[slug]; dup {
			return nil, fmt.Errorf("duplicate plan %q", slug)
		}
		if pc.Credits < 0 || pc.Activations < 0 || pc.Price < 0 {
			return nil, fmt.Errorf("plan %q: negative credits, activations or price", slug)
		}

		period := model.CreditsPeriod(pc.CreditsPeriod)
		switch period {
		case model.PeriodMonth, model.PeriodYear, model.PeriodOnce:
		case "":
			period = model.PeriodMonth
		default:
			return nil, fmt.Errorf("plan %q: unknown credits period %q", slug, pc.CreditsPeriod)
		}

		c.bySlug[slug] = model.Plan{
			Slug:        slug,
			Name:        pc.Name,
			Credits:     pc.Credits,
			Period:      period,
			Activations: pc.Activations,
			Price:       pc.Price,
			Addon:       pc.Addon,
		}
		c.order = append(c.order, slug)
	}
	return c, nil
}

func (c *Catalog) Lookup(slug string) (model.Plan, bool) {
	p, ok := c.bySlug[slug]
	return p, ok
}

// Get is Lookup with a plan_not_found error.
func (c *Catalog) Get(slug string) (model.Plan, error) {
	p, ok := c.bySlug[strings.TrimSpace(slug)]
	if !ok {
		return model.Plan{}, apperr.Newf(apperr.PlanNotFound, "plan %q not found", slug)
	}
	return p, nil
}

// List returns plans in configuration order.
func (c *Catalog) List() []model.Plan {
	out := make([]model.Plan, 0, len(c.order))
	for _, slug := range c.order {
		out = append(out, c.bySlug[slug])
	}
	return out
}
