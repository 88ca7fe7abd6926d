// File: internal/config/plans.go
package config

import (
	"ai-saas-billing/internal/domain/model"
)

// CreditGrant declares the credits a plan awards on successful payment.
// ExpireDays == 0 means the grant never expires (subscription plans use the
// billing period end instead).
type CreditGrant struct {
	Amount     int64 `yaml:"amount"`
	ExpireDays int   `yaml:"expire_days"`
}

type Price struct {
	PriceID         string             `yaml:"price_id"`
	Type            model.PaymentType  `yaml:"type"` // subscription | one_time
	Amount          int64              `yaml:"amount"`
	Currency        string             `yaml:"currency"`
	Interval        model.PlanInterval `yaml:"interval"`
	TrialPeriodDays int                `yaml:"trial_period_days"`
}

type PlanKind string

const (
	PlanKindFree         PlanKind = "free"
	PlanKindSubscription PlanKind = "subscription"
	PlanKindLifetime     PlanKind = "lifetime"
	// PlanKindCredits smooths out the difference between plans and
	// purchasable credit packages: a package is exposed as a synthetic
	// one-time plan so one granting path serves both.
	PlanKindCredits PlanKind = "credits"
)

type Plan struct {
	ID     string       `yaml:"id"`
	Kind   PlanKind     `yaml:"kind"`
	Credit *CreditGrant `yaml:"credit"`
	Prices []Price      `yaml:"prices"`
}

// CreditPackage is an a-la-carte credit bundle with a single one-time price.
type CreditPackage struct {
	ID     string      `yaml:"id"`
	Credit CreditGrant `yaml:"credit"`
	Price  Price       `yaml:"price"`
}

// Catalog is the static plan lookup used by checkout and the granting policy.
type Catalog struct {
	plans []Plan
}

func NewCatalog(plans []Plan, packages []CreditPackage) *Catalog {
	all := make([]Plan, 0, len(plans)+len(packages))
	all = append(all, plans...)
	for _, pkg := range packages {
		all = append(all, pkg.AsPlan())
	}
	return &Catalog{plans: all}
}

// AsPlan transforms a credit package into a synthetic one-time plan.
func (p CreditPackage) AsPlan() Plan {
	credit := p.Credit
	price := p.Price
	price.Type = model.PaymentTypeOneTime
	return Plan{
		ID:     p.ID,
		Kind:   PlanKindCredits,
		Credit: &credit,
		Prices: []Price{price},
	}
}

func (c *Catalog) PlanByID(planID string) (*Plan, bool) {
	for i := range c.plans {
		if c.plans[i].ID == planID {
			return &c.plans[i], true
		}
	}
	return nil, false
}

func (c *Catalog) PriceByID(planID, priceID string) (*Price, bool) {
	plan, ok := c.PlanByID(planID)
	if !ok {
		return nil, false
	}
	for i := range plan.Prices {
		if plan.Prices[i].PriceID == priceID {
			return &plan.Prices[i], true
		}
	}
	return nil, false
}

// FirstRegistrationBonus is granted once when a user account is created.
const FirstRegistrationBonus int64 = 50

// DefaultPlans is the built-in catalog used when the config file declares none.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:   "free",
			Kind: PlanKindFree,
		},
		{
			ID:     "pro",
			Kind:   PlanKindSubscription,
			Credit: &CreditGrant{Amount: 1000},
			Prices: []Price{
				{PriceID: "price_pro_monthly", Type: model.PaymentTypeSubscription, Amount: 990, Currency: "usd", Interval: model.PlanIntervalMonth},
				{PriceID: "price_pro_yearly", Type: model.PaymentTypeSubscription, Amount: 9900, Currency: "usd", Interval: model.PlanIntervalYear},
			},
		},
		{
			ID:     "lifetime",
			Kind:   PlanKindLifetime,
			Credit: &CreditGrant{Amount: 5000},
			Prices: []Price{
				{PriceID: "price_lifetime", Type: model.PaymentTypeOneTime, Amount: 19900, Currency: "usd"},
			},
		},
	}
}
