package billing

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the internal state of a subscription.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

// Terminal reports whether the status is one a subscription never leaves.
// At most one subscription per customer may be in a non-terminal status.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusUnpaid
}

// Customer holds the billing identity of an organization. One customer
// exists per organization, created lazily on the first subscription attempt
// and soft-retired rather than deleted.
type Customer struct {
	ID                  uuid.UUID
	OrganizationID      uuid.UUID
	ProcessorCustomerID string
	Email               string
	Name                string
	Retired             bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Subscription is the authoritative local representation of a customer's
// subscription. Plan changes mutate the existing row; only cancellation
// followed by a new purchase creates a new one.
type Subscription struct {
	ID                 uuid.UUID
	CustomerID         uuid.UUID
	OrganizationID     uuid.UUID
	PlanID             string
	ProcessorSubID     string
	ProcessorItemID    string
	Status             SubscriptionStatus
	Interval           BillingInterval
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	EndedAt            *time.Time
	Metered            bool

	// StatusUpdatedAt holds the processor event timestamp that last wrote
	// status/period fields, for last-write-wins conflict resolution.
	StatusUpdatedAt time.Time

	// Version is the optimistic concurrency counter, incremented on every
	// successful conditional update.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the subscription is in a paid, usable state.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// IsTrialing reports whether the subscription is within its trial period.
func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

// Ended reports whether the subscription has fully ended.
func (s *Subscription) Ended() bool {
	return s.EndedAt != nil
}

// InPeriod reports whether t falls inside the current billing period.
func (s *Subscription) InPeriod(t time.Time) bool {
	return !t.Before(s.CurrentPeriodStart) && !t.After(s.CurrentPeriodEnd)
}

// ChangeType classifies an entry in the subscription change log.
type ChangeType string

const (
	ChangeCreated      ChangeType = "created"
	ChangeTrialStarted ChangeType = "trial_started"
	ChangeUpgraded     ChangeType = "upgraded"
	ChangeDowngraded   ChangeType = "downgraded"
	ChangeCanceled     ChangeType = "canceled"
	ChangeReactivated  ChangeType = "reactivated"
)

// Initiator identifies who triggered a subscription change.
type Initiator string

const (
	InitiatorCustomer  Initiator = "customer"
	InitiatorAdmin     Initiator = "admin"
	InitiatorSystem    Initiator = "system"
	InitiatorProcessor Initiator = "processor"
)

// SubscriptionChange is an append-only audit row recording a transition.
// Rows are never updated or deleted; this log is the primary input to
// churn analytics.
type SubscriptionChange struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	CustomerID     uuid.UUID
	OrganizationID uuid.UUID
	Type           ChangeType
	FromPlanID     string
	ToPlanID       string
	FromAmount     int64 // smallest currency unit, per billing interval
	ToAmount       int64
	Currency       string
	Initiator      Initiator
	Reason         string
	CreatedAt      time.Time
}
