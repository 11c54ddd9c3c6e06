package billing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// PlanSource defines how pricing plans are loaded into the engine.
// Plans are cached in memory after loading; catalog changes require restart.
type PlanSource interface {
	Load(ctx context.Context) (map[string]PricingPlan, error)
}

// Catalog is the loaded, validated plan catalog with processor price ID
// lookup. It is immutable after construction and safe for concurrent use.
type Catalog struct {
	plans     map[string]PricingPlan
	byPriceID map[string]string // processor price ID -> plan ID
}

// LoadCatalog loads and validates plans from the given source.
func LoadCatalog(ctx context.Context, src PlanSource) (*Catalog, error) {
	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	byPriceID := make(map[string]string, len(plans)*2)
	for id, plan := range plans {
		if plan.ID != id {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", id, plan.ID))
		}
		if plan.TrialDays < 0 {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative trial days: %d", id, plan.TrialDays))
		}
		if plan.MonthlyPriceID != "" {
			byPriceID[plan.MonthlyPriceID] = id
		}
		if plan.AnnualPriceID != "" {
			byPriceID[plan.AnnualPriceID] = id
		}
	}

	return &Catalog{plans: plans, byPriceID: byPriceID}, nil
}

// Plan returns the plan with the given ID.
func (c *Catalog) Plan(id string) (PricingPlan, error) {
	plan, ok := c.plans[id]
	if !ok {
		return PricingPlan{}, ErrPlanNotFound
	}
	return plan, nil
}

// PlanByPriceID resolves a processor price ID to its plan and interval.
func (c *Catalog) PlanByPriceID(priceID string) (PricingPlan, BillingInterval, error) {
	id, ok := c.byPriceID[priceID]
	if !ok {
		return PricingPlan{}, "", ErrPlanNotFound
	}
	plan := c.plans[id]
	if plan.AnnualPriceID == priceID {
		return plan, IntervalAnnual, nil
	}
	return plan, IntervalMonthly, nil
}

// Plans returns a copy of all plans in the catalog.
func (c *Catalog) Plans() map[string]PricingPlan {
	return maps.Clone(c.plans)
}

// PublicPlans returns plans available for self-service signup.
func (c *Catalog) PublicPlans() []PricingPlan {
	out := make([]PricingPlan, 0, len(c.plans))
	for _, plan := range c.plans {
		if plan.Public {
			out = append(out, plan)
		}
	}
	return out
}

type inMemSource struct {
	mu    sync.RWMutex
	plans map[string]PricingPlan
}

// NewInMemSource returns an in-memory PlanSource with a copy of the given
// plans. Panics if no plans are provided so a misconfigured service fails
// at startup rather than at first request.
func NewInMemSource(plans ...PricingPlan) PlanSource {
	if len(plans) < 1 {
		panic("billing: at least one plan is required")
	}
	plansCopy := make(map[string]PricingPlan, len(plans))
	for _, plan := range plans {
		plan.Limits = maps.Clone(plan.Limits)
		plansCopy[plan.ID] = plan
	}
	return &inMemSource{plans: plansCopy}
}

func (s *inMemSource) Load(ctx context.Context) (map[string]PricingPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plansCopy := make(map[string]PricingPlan, len(s.plans))
	for id, plan := range s.plans {
		plan.Limits = maps.Clone(plan.Limits)
		plansCopy[id] = plan
	}
	return plansCopy, nil
}

type yamlSource struct {
	path string
}

// NewYAMLSource returns a PlanSource that reads the catalog from a YAML file
// containing a top-level `plans` list.
func NewYAMLSource(path string) PlanSource {
	return &yamlSource{path: path}
}

func (s *yamlSource) Load(ctx context.Context) (map[string]PricingPlan, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog %s: %w", s.path, err)
	}

	var doc struct {
		Plans []PricingPlan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog %s: %w", s.path, err)
	}
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog %s contains no plans", s.path)
	}

	plans := make(map[string]PricingPlan, len(doc.Plans))
	for _, plan := range doc.Plans {
		if plan.ID == "" {
			return nil, errors.Join(ErrInvalidPlanConfiguration, errors.New("plan without ID"))
		}
		plans[plan.ID] = plan
	}
	return plans, nil
}
