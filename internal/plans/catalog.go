// Package plans holds the static subscription tier table and the mapping
// from Stripe price ids to tiers.
package plans

import "errors"

const (
	Free     = "free"
	Starter  = "starter"
	Standard = "standard"
	Pro      = "pro"
)

const (
	Monthly = "monthly"
	Yearly  = "yearly"
)

var ErrUnknownPlan = errors.New("unknown plan")

// Tier is an immutable catalog entry. Prices are in euro cents.
type Tier struct {
	ID                string
	Name              string
	GenerationQuota   int
	WebsiteQuota      int
	PagesPerWebsite   int
	MonthlyPriceCents int64
	YearlyPriceCents  int64
}

// PriceCents returns the list price for one billing interval.
func (t Tier) PriceCents(interval string) int64 {
	if interval == Yearly {
		return t.YearlyPriceCents
	}
	return t.MonthlyPriceCents
}

// QuotaFor returns the number of generations bought for one billing
// interval. A yearly plan buys twelve months of quota.
func (t Tier) QuotaFor(interval string) int {
	if interval == Yearly {
		return t.GenerationQuota * 12
	}
	return t.GenerationQuota
}

func (t Tier) Paid() bool {
	return t.MonthlyPriceCents > 0
}

var tiers = map[string]Tier{
	Free: {
		ID:              Free,
		Name:            "Free",
		GenerationQuota: 1,
		WebsiteQuota:    1,
		PagesPerWebsite: 100,
	},
	Starter: {
		ID:                Starter,
		Name:              "Starter",
		GenerationQuota:   3,
		WebsiteQuota:      2,
		PagesPerWebsite:   200,
		MonthlyPriceCents: 1900,
		YearlyPriceCents:  17100,
	},
	Standard: {
		ID:                Standard,
		Name:              "Standard",
		GenerationQuota:   10,
		WebsiteQuota:      5,
		PagesPerWebsite:   500,
		MonthlyPriceCents: 3900,
		YearlyPriceCents:  35100,
	},
	Pro: {
		ID:                Pro,
		Name:              "Pro",
		GenerationQuota:   25,
		WebsiteQuota:      999,
		PagesPerWebsite:   1000,
		MonthlyPriceCents: 7900,
		YearlyPriceCents:  71100,
	},
}

var order = []string{Free, Starter, Standard, Pro}

// Get looks up a tier by id.
func Get(id string) (Tier, bool) {
	t, ok := tiers[id]
	return t, ok
}

// MustGet returns the tier for id, falling back to the free tier for
// unknown ids.
func MustGet(id string) Tier {
	if t, ok := tiers[id]; ok {
		return t
	}
	return tiers[Free]
}

// All returns every tier from cheapest to most expensive.
func All() []Tier {
	out := make([]Tier, 0, len(order))
	for _, id := range order {
		out = append(out, tiers[id])
	}
	return out
}

// IsUpgrade reports whether moving from current to next raises the tier.
func IsUpgrade(current, next string) bool {
	ci, ni := -1, -1
	for i, id := range order {
		if id == current {
			ci = i
		}
		if id == next {
			ni = i
		}
	}
	if ci < 0 || ni < 0 {
		return false
	}
	return ni > ci
}

// YearlyDiscountPercent is the advertised discount for yearly billing.
const YearlyDiscountPercent = 25

// PriceRef identifies the tier and interval a Stripe price belongs to.
type PriceRef struct {
	Tier     string
	Interval string
}

// Catalog maps configured Stripe price ids to tiers.
type Catalog struct {
	byPrice map[string]PriceRef
	byPlan  map[PriceRef]string
}

// PriceIDs lists the Stripe price ids configured per tier and interval.
// Legacy ids predate yearly billing and resolve to the monthly interval.
type PriceIDs struct {
	StarterMonthly  string
	StarterYearly   string
	StandardMonthly string
	StandardYearly  string
	ProMonthly      string
	ProYearly       string
	LegacyStandard  string
	LegacyPro       string
}

func NewCatalog(ids PriceIDs) *Catalog {
	c := &Catalog{
		byPrice: make(map[string]PriceRef),
		byPlan:  make(map[PriceRef]string),
	}
	c.add(ids.LegacyStandard, PriceRef{Standard, Monthly}, false)
	c.add(ids.LegacyPro, PriceRef{Pro, Monthly}, false)
	c.add(ids.StarterMonthly, PriceRef{Starter, Monthly}, true)
	c.add(ids.StarterYearly, PriceRef{Starter, Yearly}, true)
	c.add(ids.StandardMonthly, PriceRef{Standard, Monthly}, true)
	c.add(ids.StandardYearly, PriceRef{Standard, Yearly}, true)
	c.add(ids.ProMonthly, PriceRef{Pro, Monthly}, true)
	c.add(ids.ProYearly, PriceRef{Pro, Yearly}, true)
	return c
}

func (c *Catalog) add(priceID string, ref PriceRef, primary bool) {
	if priceID == "" {
		return
	}
	c.byPrice[priceID] = ref
	if _, ok := c.byPlan[ref]; !ok || primary {
		c.byPlan[ref] = priceID
	}
}

// Resolve returns the tier and interval for a Stripe price id.
func (c *Catalog) Resolve(priceID string) (PriceRef, bool) {
	if priceID == "" {
		return PriceRef{}, false
	}
	ref, ok := c.byPrice[priceID]
	return ref, ok
}

// PriceFor returns the Stripe price id configured for a tier and interval.
func (c *Catalog) PriceFor(tier, interval string) (string, error) {
	id, ok := c.byPlan[PriceRef{Tier: tier, Interval: interval}]
	if !ok {
		return "", ErrUnknownPlan
	}
	return id, nil
}
