package gateway

import (
	"context"
	"time"
)

// Gateway defines the minimal command surface the billing engine needs from
// the payment processor. The abstraction keeps the engine testable and
// avoids vendor lock-in; the processor remains the source of truth for
// payment execution, and confirmation of every command arrives
// asynchronously via webhooks.
type Gateway interface {
	// CreateCustomer registers a customer with the processor and returns
	// the processor's customer identifier.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (string, error)

	// CreateSubscription starts a processor-side subscription. The local
	// row is materialized later by the webhook processor.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*ProcessorSubscription, error)

	// ChangePlan swaps the subscription's price. Proration is applied
	// unless explicitly disabled.
	ChangePlan(ctx context.Context, params ChangePlanParams) error

	// SetCancelAtPeriodEnd sets or clears the cancel-at-period-end flag.
	SetCancelAtPeriodEnd(ctx context.Context, processorSubID string, cancel bool) error

	// CancelNow cancels the subscription immediately.
	CancelNow(ctx context.Context, processorSubID string) error

	// CreateCheckoutSession creates a hosted checkout session.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// CreateBillingPortalSession returns a pre-authenticated URL to the
	// processor's billing portal.
	CreateBillingPortalSession(ctx context.Context, processorCustomerID, returnURL string) (string, error)

	// ReportUsage forwards a metered usage quantity for usage-based billing.
	ReportUsage(ctx context.Context, params UsageReportParams) error

	// PayInvoice re-attempts payment of an open invoice.
	PayInvoice(ctx context.Context, processorInvoiceID string) error

	// FindPromotionCode looks up an active promotion code by its
	// customer-facing name.
	FindPromotionCode(ctx context.Context, code string) (*PromotionCode, error)
}

// CreateCustomerParams identifies the organization being registered.
type CreateCustomerParams struct {
	OrganizationID string // carried in processor metadata for webhook mapping
	Email          string
	Name           string
}

// CreateSubscriptionParams describes a new processor-side subscription.
type CreateSubscriptionParams struct {
	ProcessorCustomerID string
	PriceID             string
	TrialDays           int
	PaymentMethodToken  string // optional; processor default used when empty
	OrganizationID      string // carried in metadata
	Metered             bool
}

// ProcessorSubscription holds the identifiers returned by the processor.
type ProcessorSubscription struct {
	ID     string
	ItemID string
	Status string
}

// ChangePlanParams describes a price swap on an existing subscription.
type ChangePlanParams struct {
	ProcessorSubID  string
	ProcessorItemID string
	NewPriceID      string
	Prorate         bool
}

// UsageReportMode selects how a reported quantity is applied.
type UsageReportMode string

const (
	// UsageModeIncrement adds the quantity to the period total.
	UsageModeIncrement UsageReportMode = "increment"
	// UsageModeSet replaces the period total with the quantity.
	UsageModeSet UsageReportMode = "set"
)

// UsageReportParams describes a point-in-time metered usage report.
type UsageReportParams struct {
	ProcessorItemID string
	Quantity        int64
	Timestamp       time.Time
	Mode            UsageReportMode
}

// CheckoutParams describes a hosted checkout session request.
type CheckoutParams struct {
	ProcessorCustomerID string // empty for first-time purchases
	PriceID             string
	OrganizationID      string
	Email               string
	TrialDays           int
	SuccessURL          string
	CancelURL           string
}

// CheckoutSession is a hosted checkout session created by the processor.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// PromotionCode is a promotion code resolved by name.
type PromotionCode struct {
	ID         string
	Code       string
	PercentOff float64
	AmountOff  int64
	Currency   string
	Active     bool
}
