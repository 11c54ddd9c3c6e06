package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuplane/billing/pkg/billing"
)

// Aggregation period types.
const (
	PeriodMonth   = "month"
	PeriodQuarter = "quarter"
	PeriodYear    = "year"
)

// Revenue breakdown line-item types.
const (
	RevenueSubscription = "subscription"
	RevenueUsage        = "usage"
	RevenueOneTime      = "one_time"
)

// Store defines the read operations the aggregator needs, plus the summary
// upsert it writes results to.
type Store interface {
	ListSubscriptionsByStatus(ctx context.Context, statuses ...billing.SubscriptionStatus) ([]billing.Subscription, error)
	CountActiveCustomersAt(ctx context.Context, at time.Time) (int64, error)
	ChangesInRange(ctx context.Context, typ billing.ChangeType, from, to time.Time) ([]billing.SubscriptionChange, error)
	PaidInvoicesInRange(ctx context.Context, from, to time.Time) ([]billing.Invoice, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*billing.Subscription, error)
	EndedSubscriptions(ctx context.Context) ([]billing.Subscription, error)
	UpsertRevenueSummary(ctx context.Context, summary *billing.RevenueSummary) error
}

// Aggregator computes revenue metrics from billing history. It never writes
// operational state, only summary rows.
type Aggregator struct {
	store   Store
	catalog *billing.Catalog
	log     *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// NewAggregator creates an analytics aggregator. Panics on nil required
// dependencies to fail fast during initialization.
func NewAggregator(store Store, catalog *billing.Catalog, opts ...Option) *Aggregator {
	if store == nil {
		panic("analytics: Store is required")
	}
	if catalog == nil {
		panic("analytics: plan catalog is required")
	}

	a := &Aggregator{
		store:   store,
		catalog: catalog,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MRR returns monthly recurring revenue: the sum of all active and trialing
// subscriptions' plan prices normalized to a monthly amount, in the smallest
// currency unit.
func (a *Aggregator) MRR(ctx context.Context) (int64, error) {
	subs, err := a.store.ListSubscriptionsByStatus(ctx, billing.StatusActive, billing.StatusTrialing)
	if err != nil {
		return 0, fmt.Errorf("failed to list live subscriptions: %w", err)
	}

	var mrr int64
	for _, sub := range subs {
		plan, err := a.catalog.Plan(sub.PlanID)
		if err != nil {
			a.log.WarnContext(ctx, "subscription references unknown plan, excluded from MRR",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("plan_id", sub.PlanID))
			continue
		}
		mrr += plan.MonthlyEquivalent(sub.Interval)
	}
	return mrr, nil
}

// Aggregate computes all metrics for the given period and upserts the
// result keyed by (periodType, periodStart). Re-running for the same period
// replaces the prior summary.
func (a *Aggregator) Aggregate(ctx context.Context, periodType string, periodStart time.Time) (*billing.RevenueSummary, error) {
	periodStart = periodStart.UTC()
	periodEnd, err := periodEnd(periodType, periodStart)
	if err != nil {
		return nil, err
	}

	mrr, err := a.MRR(ctx)
	if err != nil {
		return nil, err
	}

	activeAtStart, err := a.store.CountActiveCustomersAt(ctx, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to count active customers: %w", err)
	}

	canceled, err := a.canceledCustomers(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	var churn float64
	if activeAtStart > 0 {
		churn = float64(canceled) / float64(activeAtStart) * 100
	}

	byType, byRegion, err := a.revenueBreakdown(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	avgLTV, err := a.averageLTV(ctx)
	if err != nil {
		return nil, err
	}

	summary := &billing.RevenueSummary{
		PeriodType:       periodType,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		MRR:              mrr,
		ARR:              mrr * 12,
		ChurnRatePct:     churn,
		ActiveCustomers:  activeAtStart,
		CanceledInPeriod: canceled,
		RevenueByType:    byType,
		RevenueByRegion:  byRegion,
		AvgLTV:           avgLTV,
		GeneratedAt:      time.Now().UTC(),
	}
	if err := a.store.UpsertRevenueSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to store revenue summary: %w", err)
	}

	a.log.InfoContext(ctx, "period aggregated",
		slog.String("period_type", periodType),
		slog.Time("period_start", periodStart),
		slog.Int64("mrr", mrr),
		slog.Float64("churn_pct", churn))
	return summary, nil
}

// AggregateCurrentMonth aggregates the calendar month containing now.
func (a *Aggregator) AggregateCurrentMonth(ctx context.Context) (*billing.RevenueSummary, error) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return a.Aggregate(ctx, PeriodMonth, start)
}

// canceledCustomers counts distinct customers with a cancellation recorded
// within [from, to).
func (a *Aggregator) canceledCustomers(ctx context.Context, from, to time.Time) (int64, error) {
	changes, err := a.store.ChangesInRange(ctx, billing.ChangeCanceled, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to list cancellations: %w", err)
	}

	customers := make(map[uuid.UUID]struct{}, len(changes))
	for _, c := range changes {
		customers[c.CustomerID] = struct{}{}
	}
	return int64(len(customers)), nil
}

// revenueBreakdown classifies each invoice paid within [from, to). Invoices
// are stored as totals, so the split between base subscription revenue and
// metered overage is inferred from the owning subscription's plan price: for
// a metered subscription, anything above the plan's base price for the
// billed interval is usage revenue. Invoices without a subscription are
// one-time charges.
func (a *Aggregator) revenueBreakdown(ctx context.Context, from, to time.Time) (byType, byRegion map[string]int64, err error) {
	invoices, err := a.store.PaidInvoicesInRange(ctx, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list paid invoices: %w", err)
	}

	byType = make(map[string]int64)
	byRegion = make(map[string]int64)
	for _, inv := range invoices {
		amount := inv.AmountPaid
		if amount == 0 {
			amount = inv.Total
		}
		byRegion[regionForCurrency(inv.Currency)] += amount

		if inv.SubscriptionID == uuid.Nil {
			byType[RevenueOneTime] += amount
			continue
		}

		sub, err := a.store.GetSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			if errors.Is(err, billing.ErrSubscriptionNotFound) {
				byType[RevenueOneTime] += amount
				continue
			}
			return nil, nil, err
		}

		base := amount
		if plan, err := a.catalog.Plan(sub.PlanID); err == nil {
			base = plan.Price(sub.Interval).Amount
		}
		if sub.Metered && amount > base {
			byType[RevenueSubscription] += base
			byType[RevenueUsage] += amount - base
		} else {
			byType[RevenueSubscription] += amount
		}
	}
	return byType, byRegion, nil
}

// averageLTV approximates customer lifetime value over ended subscriptions:
// the average monthly-normalized plan price multiplied by the average
// subscription lifetime in months. Returns 0 until at least one
// subscription has ended.
func (a *Aggregator) averageLTV(ctx context.Context) (int64, error) {
	subs, err := a.store.EndedSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list ended subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	var totalRate, totalMonths float64
	var counted int
	for _, sub := range subs {
		plan, err := a.catalog.Plan(sub.PlanID)
		if err != nil {
			continue
		}
		totalRate += float64(plan.MonthlyEquivalent(sub.Interval))
		totalMonths += sub.EndedAt.Sub(sub.CreatedAt).Hours() / (24 * 30)
		counted++
	}
	if counted == 0 {
		return 0, nil
	}

	avgRate := totalRate / float64(counted)
	avgMonths := totalMonths / float64(counted)
	return int64(math.Round(avgRate * avgMonths)), nil
}

func periodEnd(periodType string, start time.Time) (time.Time, error) {
	switch periodType {
	case PeriodMonth:
		return start.AddDate(0, 1, 0), nil
	case PeriodQuarter:
		return start.AddDate(0, 3, 0), nil
	case PeriodYear:
		return start.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownPeriodType, periodType)
	}
}

// regionForCurrency maps an ISO currency code to a coarse settlement region
// for the revenue breakdown.
func regionForCurrency(currency string) string {
	switch strings.ToLower(currency) {
	case "usd", "cad":
		return "north_america"
	case "eur", "gbp", "chf", "sek", "nok", "dkk", "pln", "czk":
		return "europe"
	case "jpy", "cny", "inr", "sgd", "hkd", "krw", "aud", "nzd":
		return "asia_pacific"
	case "brl", "mxn", "ars", "clp", "cop":
		return "latin_america"
	default:
		return "other"
	}
}
