package usage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/gateway"
	"github.com/docuplane/billing/pkg/logger"
)

// Store defines the persistence operations the ledger needs.
type Store interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*billing.Subscription, error)
	InsertUsage(ctx context.Context, record *billing.UsageRecord) error
	SumUsage(ctx context.Context, subscriptionID uuid.UUID, from, to time.Time) (map[billing.UsageType]float64, error)
	MarkUsageBilled(ctx context.Context, subscriptionID uuid.UUID, before time.Time) error
}

// UsageReporter is the slice of the payment gateway used for metered
// forwarding.
type UsageReporter interface {
	ReportUsage(ctx context.Context, params gateway.UsageReportParams) error
}

// Ledger records usage events and evaluates plan limits.
type Ledger struct {
	store    Store
	catalog  *billing.Catalog
	reporter UsageReporter
	log      *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithUsageReporter enables forwarding metered quantities to the processor.
func WithUsageReporter(r UsageReporter) Option {
	return func(l *Ledger) {
		if r != nil {
			l.reporter = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLedger creates a usage ledger. Panics on nil required dependencies to
// fail fast during initialization.
func NewLedger(store Store, catalog *billing.Catalog, opts ...Option) *Ledger {
	if store == nil {
		panic("usage: Store is required")
	}
	if catalog == nil {
		panic("usage: plan catalog is required")
	}

	l := &Ledger{
		store:   store,
		catalog: catalog,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReportParams describes one usage event.
type ReportParams struct {
	SubscriptionID uuid.UUID
	Type           billing.UsageType
	// Quantity as the caller measures it: bytes for storage, counts for
	// everything else. Storage is converted to fractional gigabytes before
	// recording and replaces the period gauge; counted quantities
	// accumulate.
	Quantity   float64
	OccurredAt time.Time // zero means now
}

// Report records a usage event against the subscription's current billing
// period. Metered subscriptions additionally forward the quantity to the
// processor. Limits are not enforced here.
func (l *Ledger) Report(ctx context.Context, params ReportParams) error {
	if params.Quantity <= 0 {
		return ErrInvalidQuantity
	}

	quantity := params.Quantity
	if params.Type == billing.UsageStorage {
		quantity = billing.BytesToGB(int64(params.Quantity))
	}

	sub, err := l.store.GetSubscription(ctx, params.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() || sub.Ended() {
		return ErrSubscriptionInactive
	}

	occurredAt := params.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	if !sub.InPeriod(occurredAt) {
		return fmt.Errorf("%w: %s not in [%s, %s)", ErrOutsidePeriod,
			occurredAt.Format(time.RFC3339),
			sub.CurrentPeriodStart.Format(time.RFC3339),
			sub.CurrentPeriodEnd.Format(time.RFC3339))
	}

	record := &billing.UsageRecord{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Type:           params.Type,
		Quantity:       quantity,
		OccurredAt:     occurredAt,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
	}
	if err := l.store.InsertUsage(ctx, record); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	if sub.Metered && l.reporter != nil {
		mode := gateway.UsageModeIncrement
		if params.Type == billing.UsageStorage {
			mode = gateway.UsageModeSet
		}
		err := l.reporter.ReportUsage(ctx, gateway.UsageReportParams{
			ProcessorItemID: sub.ProcessorItemID,
			Quantity:        int64(math.Ceil(quantity)),
			Timestamp:       occurredAt,
			Mode:            mode,
		})
		if err != nil {
			// The local record is authoritative; forwarding is best effort
			// and reconciled by the processor's own invoicing.
			l.log.ErrorContext(ctx, "failed to forward metered usage",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("type", string(params.Type)),
				logger.Error(err))
		}
	}
	return nil
}

// CurrentPeriodUsage returns unbilled usage totals for the subscription's
// current billing period, keyed by usage type.
func (l *Ledger) CurrentPeriodUsage(ctx context.Context, subscriptionID uuid.UUID) (map[billing.UsageType]float64, error) {
	sub, err := l.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return l.store.SumUsage(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
}

// Reset closes out usage recorded before the given time, marking it billed.
// Invoked when a subscription rolls into a new billing period.
func (l *Ledger) Reset(ctx context.Context, subscriptionID uuid.UUID, before time.Time) error {
	if err := l.store.MarkUsageBilled(ctx, subscriptionID, before); err != nil {
		return fmt.Errorf("failed to close usage period: %w", err)
	}
	l.log.InfoContext(ctx, "usage period closed",
		slog.String("subscription_id", subscriptionID.String()),
		slog.Time("before", before))
	return nil
}

// LimitLevel is the severity band of a resource's consumption.
type LimitLevel string

const (
	LevelOK          LimitLevel = "ok"          // below 50%
	LevelApproaching LimitLevel = "approaching" // 50-74%
	LevelWarning     LimitLevel = "warning"     // 75-89%
	LevelCritical    LimitLevel = "critical"    // 90-99%
	LevelExceeded    LimitLevel = "exceeded"    // at or over the cap
)

func levelFor(percent float64) LimitLevel {
	switch {
	case percent >= 100:
		return LevelExceeded
	case percent >= 90:
		return LevelCritical
	case percent >= 75:
		return LevelWarning
	case percent >= 50:
		return LevelApproaching
	default:
		return LevelOK
	}
}

// LimitStatus reports consumption against one plan resource.
type LimitStatus struct {
	Resource billing.Resource `json:"resource"`
	Used     float64          `json:"used"`
	Limit    int64            `json:"limit"` // billing.Unlimited for no cap
	Percent  float64          `json:"percent"`
	Level    LimitLevel       `json:"level"`
}

// CheckLimits evaluates current-period consumption against the plan's
// resource limits. Unlimited resources always report LevelOK at zero
// percent. Resources the plan does not cap are omitted.
func (l *Ledger) CheckLimits(ctx context.Context, subscriptionID uuid.UUID) ([]LimitStatus, error) {
	sub, err := l.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	plan, err := l.catalog.Plan(sub.PlanID)
	if err != nil {
		return nil, err
	}

	totals, err := l.store.SumUsage(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		return nil, err
	}
	byResource := make(map[billing.Resource]float64, len(totals))
	for usageType, quantity := range totals {
		byResource[usageType.Resource()] += quantity
	}

	statuses := make([]LimitStatus, 0, len(plan.Limits))
	for _, resource := range billing.Resources() {
		limit, ok := plan.Limits[resource]
		if !ok {
			continue
		}

		status := LimitStatus{
			Resource: resource,
			Used:     byResource[resource],
			Limit:    limit,
			Level:    LevelOK,
		}
		if limit != billing.Unlimited && limit > 0 {
			status.Percent = status.Used / float64(limit) * 100
			status.Level = levelFor(status.Percent)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
