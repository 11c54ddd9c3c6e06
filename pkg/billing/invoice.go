package billing

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus represents the state of a billing attempt.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
	InvoiceVoid          InvoiceStatus = "void"
)

// Terminal reports whether the invoice will see no further payment attempts.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceUncollectible || s == InvoiceVoid
}

// Invoice records one billing attempt for a subscription period.
// Rows are keyed by the processor invoice ID and upserted as processor
// events arrive; the dunning scheduler updates attempt bookkeeping.
type Invoice struct {
	ID                 uuid.UUID
	CustomerID         uuid.UUID
	OrganizationID     uuid.UUID
	SubscriptionID     uuid.UUID
	ProcessorInvoiceID string
	Status             InvoiceStatus
	Currency           string
	Subtotal           int64
	Tax                int64
	Discount           int64
	Total              int64
	AmountPaid         int64
	AmountDue          int64
	PeriodStart        time.Time
	PeriodEnd          time.Time
	AttemptCount       int
	NextAttemptAt      *time.Time
	LastFailureReason  string
	PaidAt             *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UsageRecord is one row per metered event, immutable once written.
// PeriodStart/PeriodEnd capture the subscription's billing period at report
// time so a period rollover cannot silently re-attribute in-flight reports.
type UsageRecord struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	OrganizationID uuid.UUID
	Type           UsageType
	Quantity       float64 // fractional GB for storage, counts otherwise
	OccurredAt     time.Time
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Billed         bool
	CreatedAt      time.Time
}
