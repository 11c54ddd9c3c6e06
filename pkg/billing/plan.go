package billing

import "time"

// PricingPlan is an immutable catalog entry describing a subscription tier.
// Plans are reference data: the engine reads them but never mutates them.
// MonthlyPriceID and AnnualPriceID must match the processor's price IDs so
// webhook events can be mapped back to a plan.
type PricingPlan struct {
	ID             string             `yaml:"id"`
	Name           string             `yaml:"name"`
	Description    string             `yaml:"description"`
	MonthlyPrice   Money              `yaml:"monthly_price"`
	AnnualPrice    Money              `yaml:"annual_price"`
	MonthlyPriceID string             `yaml:"monthly_price_id"`
	AnnualPriceID  string             `yaml:"annual_price_id"`
	Limits         map[Resource]int64 `yaml:"limits"` // -1 represents unlimited
	TrialDays      int                `yaml:"trial_days"`
	Metered        bool               `yaml:"metered"` // usage reported to the processor
	Public         bool               `yaml:"public"`  // available for self-service signup
}

// Price returns the plan's price for the given billing interval.
func (p PricingPlan) Price(interval BillingInterval) Money {
	if interval == IntervalAnnual {
		return p.AnnualPrice
	}
	return p.MonthlyPrice
}

// PriceID returns the processor price ID for the given billing interval.
func (p PricingPlan) PriceID(interval BillingInterval) string {
	if interval == IntervalAnnual {
		return p.AnnualPriceID
	}
	return p.MonthlyPriceID
}

// MonthlyEquivalent normalizes the plan's price for an interval to a
// per-month amount in the smallest currency unit. Annual amounts are divided
// by 12 so plans on different cycles can be compared.
func (p PricingPlan) MonthlyEquivalent(interval BillingInterval) int64 {
	if interval == IntervalAnnual {
		return p.AnnualPrice.Amount / 12
	}
	return p.MonthlyPrice.Amount
}

// Limit returns the plan's limit for a resource. Resources absent from the
// plan are treated as forbidden (limit 0).
func (p PricingPlan) Limit(res Resource) int64 {
	limit, ok := p.Limits[res]
	if !ok {
		return 0
	}
	return limit
}

// TrialEndsAt calculates when the trial period ends.
// Returns startedAt unchanged if the plan has no trial.
func (p PricingPlan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}
