package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docuplane/billing/pkg/billing"
)

// Store defines the persistence operations the synchronizer needs. Both
// billing.MemoryStore and billing.PostgresStore satisfy it.
type Store interface {
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, eventID, eventType string) (bool, error)

	GetCustomerByProcessorID(ctx context.Context, processorID string) (*billing.Customer, error)
	GetCustomerByOrg(ctx context.Context, orgID uuid.UUID) (*billing.Customer, error)
	SaveCustomer(ctx context.Context, customer *billing.Customer) error

	GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*billing.Subscription, error)
	InsertSubscription(ctx context.Context, sub *billing.Subscription) error
	UpdateSubscription(ctx context.Context, sub *billing.Subscription) error

	InsertChange(ctx context.Context, change *billing.SubscriptionChange) error
	ChangeExists(ctx context.Context, subscriptionID uuid.UUID, typ billing.ChangeType, after time.Time) (bool, error)

	GetInvoiceByProcessorID(ctx context.Context, processorID string) (*billing.Invoice, error)
	UpsertInvoice(ctx context.Context, invoice *billing.Invoice) error
}

// RetryScheduler is the dunning hook: failed invoices get scheduled for
// retry, paid or voided ones get their pending jobs cleared.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, invoice *billing.Invoice) error
	ClearPending(ctx context.Context, invoiceID uuid.UUID) error
	ClearPendingForSubscription(ctx context.Context, subscriptionID uuid.UUID) error
}

// UsageResetter closes out the previous billing period's usage when a
// subscription rolls into a new period.
type UsageResetter interface {
	Reset(ctx context.Context, subscriptionID uuid.UUID, before time.Time) error
}

// Processor applies verified webhook events to the subscription store.
// Handlers are re-entrant and safe to invoke concurrently for different
// subscriptions; conflicting writes on the same subscription are resolved
// by the store's conditional update.
type Processor struct {
	secret  string
	store   Store
	catalog *billing.Catalog
	dunning RetryScheduler
	usage   UsageResetter
	log     *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithRetryScheduler wires the dunning scheduler.
func WithRetryScheduler(rs RetryScheduler) Option {
	return func(p *Processor) {
		if rs != nil {
			p.dunning = rs
		}
	}
}

// WithUsageResetter wires period rollover handling for the usage ledger.
func WithUsageResetter(ur UsageResetter) Option {
	return func(p *Processor) {
		if ur != nil {
			p.usage = ur
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// NewProcessor creates a webhook processor. Panics on nil required
// dependencies to fail fast during initialization.
func NewProcessor(secret string, store Store, catalog *billing.Catalog, opts ...Option) (*Processor, error) {
	if secret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if store == nil {
		panic("sync: Store is required")
	}
	if catalog == nil {
		panic("sync: plan catalog is required")
	}

	p := &Processor{
		secret:  secret,
		store:   store,
		catalog: catalog,
		dunning: noopScheduler{},
		usage:   noopResetter{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process verifies, de-duplicates, and applies one webhook delivery.
//
// Return value contract: nil means the event was applied or intentionally
// ignored and the caller should acknowledge delivery; ErrSignatureVerification
// means the payload is inauthentic and must be discarded; any other error is
// transient and the caller must signal redelivery.
func (p *Processor) Process(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := ParseEvent(payload, sigHeader, p.secret)
	if err != nil {
		return err
	}

	processed, err := p.store.EventProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	if processed {
		p.log.DebugContext(ctx, "skipping already applied event",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.ProviderType))
		return nil
	}

	switch event.Type {
	case EventSubscriptionCreated:
		err = p.applySubscriptionCreated(ctx, event)
	case EventSubscriptionUpdated:
		err = p.applySubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		err = p.applySubscriptionDeleted(ctx, event)
	case EventInvoiceCreated, EventInvoiceFinalized:
		err = p.applyInvoiceUpsert(ctx, event)
	case EventInvoicePaid:
		err = p.applyInvoicePaid(ctx, event)
	case EventInvoiceFailed:
		err = p.applyInvoiceFailed(ctx, event)
	case EventInvoiceVoided:
		err = p.applyInvoiceVoided(ctx, event)
	case EventUnknown:
		// Forward-compatible: unknown event types are acknowledged, not errors.
		p.log.InfoContext(ctx, "ignoring unrecognized event type",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.ProviderType))
	}
	if err != nil {
		return err
	}

	// Record only after the mutation succeeded so a crash in between leads
	// to reprocessing, never to a dropped event.
	if _, err := p.store.RecordEvent(ctx, event.ID, event.ProviderType); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	return nil
}

func (p *Processor) applySubscriptionCreated(ctx context.Context, event *Event) error {
	data := event.Subscription

	plan, interval, err := p.catalog.PlanByPriceID(data.PriceID())
	if err != nil {
		// Unknown price: catalog is out of date. Redelivery retries after
		// the catalog is fixed.
		return fmt.Errorf("%w: unknown price %q for subscription %s", ErrRetryLater, data.PriceID(), data.ID)
	}

	customer, err := p.resolveCustomer(ctx, data)
	if err != nil {
		return err
	}

	// Redelivered or late create: fall through to update semantics.
	if existing, err := p.store.GetSubscriptionByProcessorID(ctx, data.ID); err == nil {
		return p.applyFields(ctx, existing, event)
	} else if !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}

	now := time.Now().UTC()
	sub := &billing.Subscription{
		ID:                 uuid.New(),
		CustomerID:         customer.ID,
		OrganizationID:     customer.OrganizationID,
		PlanID:             plan.ID,
		ProcessorSubID:     data.ID,
		ProcessorItemID:    data.ItemID(),
		Status:             MapStatus(data.Status),
		Interval:           interval,
		CurrentPeriodStart: time.Unix(data.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(data.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  data.CancelAtPeriodEnd,
		Metered:            plan.Metered,
		StatusUpdatedAt:    event.OccurredAt,
		CreatedAt:          now,
	}
	if data.TrialStart > 0 {
		ts := time.Unix(data.TrialStart, 0).UTC()
		sub.TrialStart = &ts
	}
	if data.TrialEnd > 0 {
		te := time.Unix(data.TrialEnd, 0).UTC()
		sub.TrialEnd = &te
	}

	if err := p.store.InsertSubscription(ctx, sub); err != nil {
		if errors.Is(err, billing.ErrDuplicateSubscription) {
			// Another non-terminal subscription exists for this customer.
			// Local state and processor state disagree; keep redelivering
			// until an operator resolves it rather than dropping the event.
			p.log.ErrorContext(ctx, "subscription created event conflicts with existing active subscription",
				slog.String("event_id", event.ID),
				slog.String("processor_sub_id", data.ID),
				slog.String("customer_id", customer.ID.String()))
		}
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}

	changeType := billing.ChangeCreated
	if sub.TrialEnd != nil && sub.Status == billing.StatusTrialing {
		changeType = billing.ChangeTrialStarted
	}
	price := plan.Price(interval)
	change := &billing.SubscriptionChange{
		SubscriptionID: sub.ID,
		CustomerID:     customer.ID,
		OrganizationID: customer.OrganizationID,
		Type:           changeType,
		ToPlanID:       plan.ID,
		ToAmount:       price.Amount,
		Currency:       price.Currency,
		Initiator:      billing.InitiatorProcessor,
	}
	if err := p.store.InsertChange(ctx, change); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}

	p.log.InfoContext(ctx, "subscription materialized",
		slog.String("processor_sub_id", data.ID),
		slog.String("plan_id", plan.ID),
		slog.String("status", string(sub.Status)))
	return nil
}

// resolveCustomer finds the local customer for a subscription event, first
// by processor customer ID, then by the organization carried in event
// metadata (checkout-originated subscriptions reach us before the lifecycle
// controller ever saw the customer), creating the row lazily if needed.
func (p *Processor) resolveCustomer(ctx context.Context, data *SubscriptionData) (*billing.Customer, error) {
	customer, err := p.store.GetCustomerByProcessorID(ctx, data.Customer)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, billing.ErrCustomerNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
	}

	orgRaw, ok := data.Metadata["organization_id"]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s has no organization metadata and unknown customer %s",
			ErrRetryLater, data.ID, data.Customer)
	}
	orgID, err := uuid.Parse(orgRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid organization ID in subscription %s metadata: %v",
			ErrRetryLater, data.ID, err)
	}

	customer, err = p.store.GetCustomerByOrg(ctx, orgID)
	switch {
	case err == nil:
		if customer.ProcessorCustomerID != data.Customer {
			customer.ProcessorCustomerID = data.Customer
			if err := p.store.SaveCustomer(ctx, customer); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
			}
		}
		return customer, nil
	case errors.Is(err, billing.ErrCustomerNotFound):
		customer = &billing.Customer{
			ID:                  uuid.New(),
			OrganizationID:      orgID,
			ProcessorCustomerID: data.Customer,
		}
		if err := p.store.SaveCustomer(ctx, customer); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		return customer, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
}

func (p *Processor) applySubscriptionUpdated(ctx context.Context, event *Event) error {
	sub, err := p.store.GetSubscriptionByProcessorID(ctx, event.Subscription.ID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			// Ordering race: updated arrived before created.
			return fmt.Errorf("%w: subscription %s not materialized yet", ErrRetryLater, event.Subscription.ID)
		}
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	return p.applyFields(ctx, sub, event)
}

// applyFields writes status/period/cancellation fields last-write-wins and
// retries lost conditional updates against a fresh read.
func (p *Processor) applyFields(ctx context.Context, sub *billing.Subscription, event *Event) error {
	data := event.Subscription

	for attempt := 0; attempt < 3; attempt++ {
		if event.OccurredAt.Before(sub.StatusUpdatedAt) {
			p.log.DebugContext(ctx, "dropping stale subscription event",
				slog.String("event_id", event.ID),
				slog.String("processor_sub_id", data.ID))
			return nil
		}

		oldPeriodStart := sub.CurrentPeriodStart

		sub.Status = MapStatus(data.Status)
		sub.CurrentPeriodStart = time.Unix(data.CurrentPeriodStart, 0).UTC()
		sub.CurrentPeriodEnd = time.Unix(data.CurrentPeriodEnd, 0).UTC()
		sub.CancelAtPeriodEnd = data.CancelAtPeriodEnd
		sub.StatusUpdatedAt = event.OccurredAt
		if data.CanceledAt > 0 {
			t := time.Unix(data.CanceledAt, 0).UTC()
			sub.CanceledAt = &t
		}
		if data.EndedAt > 0 {
			t := time.Unix(data.EndedAt, 0).UTC()
			sub.EndedAt = &t
		}
		// Plan confirmation after a lifecycle-initiated change; the audit
		// row was already written at request time, never re-derived here.
		if plan, interval, err := p.catalog.PlanByPriceID(data.PriceID()); err == nil {
			sub.PlanID = plan.ID
			sub.Interval = interval
			sub.Metered = plan.Metered
			if itemID := data.ItemID(); itemID != "" {
				sub.ProcessorItemID = itemID
			}
		}

		err := p.store.UpdateSubscription(ctx, sub)
		if err == nil {
			if sub.CurrentPeriodStart.After(oldPeriodStart) && !oldPeriodStart.IsZero() {
				if err := p.usage.Reset(ctx, sub.ID, sub.CurrentPeriodStart); err != nil {
					return fmt.Errorf("%w: failed to close usage period: %v", ErrRetryLater, err)
				}
			}
			return nil
		}
		if !errors.Is(err, billing.ErrVersionConflict) {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}

		sub, err = p.store.GetSubscriptionByProcessorID(ctx, data.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
	}
	return fmt.Errorf("%w: subscription %s kept changing under us", ErrRetryLater, data.ID)
}

func (p *Processor) applySubscriptionDeleted(ctx context.Context, event *Event) error {
	data := event.Subscription

	sub, err := p.store.GetSubscriptionByProcessorID(ctx, data.ID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return fmt.Errorf("%w: subscription %s not materialized yet", ErrRetryLater, data.ID)
		}
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		now := time.Now().UTC()
		sub.Status = billing.StatusCanceled
		sub.StatusUpdatedAt = event.OccurredAt
		if sub.EndedAt == nil {
			ended := now
			if data.EndedAt > 0 {
				ended = time.Unix(data.EndedAt, 0).UTC()
			}
			sub.EndedAt = &ended
		}
		if sub.CanceledAt == nil {
			canceled := now
			if data.CanceledAt > 0 {
				canceled = time.Unix(data.CanceledAt, 0).UTC()
			}
			sub.CanceledAt = &canceled
		}

		err := p.store.UpdateSubscription(ctx, sub)
		if err == nil {
			break
		}
		if !errors.Is(err, billing.ErrVersionConflict) {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		sub, err = p.store.GetSubscriptionByProcessorID(ctx, data.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
	}

	// A late retry must not resurrect a dead subscription.
	if err := p.dunning.ClearPendingForSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}

	// The lifecycle controller records the cancellation when it initiated
	// it; only record here if this transition has no audit row yet.
	exists, err := p.store.ChangeExists(ctx, sub.ID, billing.ChangeCanceled, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	if !exists {
		plan, _ := p.catalog.Plan(sub.PlanID)
		price := plan.Price(sub.Interval)
		change := &billing.SubscriptionChange{
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			OrganizationID: sub.OrganizationID,
			Type:           billing.ChangeCanceled,
			FromPlanID:     sub.PlanID,
			FromAmount:     price.Amount,
			Currency:       price.Currency,
			Initiator:      billing.InitiatorProcessor,
		}
		if err := p.store.InsertChange(ctx, change); err != nil {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
	}
	return nil
}

// invoiceFromEvent maps event data onto the local invoice, resolving the
// owning subscription for foreign keys.
func (p *Processor) invoiceFromEvent(ctx context.Context, data *InvoiceData) (*billing.Invoice, error) {
	inv := &billing.Invoice{
		ProcessorInvoiceID: data.ID,
		Status:             MapInvoiceStatus(data.Status),
		Currency:           data.Currency,
		Subtotal:           data.Subtotal,
		Tax:                data.Tax,
		Discount:           data.Discount(),
		Total:              data.Total,
		AmountPaid:         data.AmountPaid,
		AmountDue:          data.AmountDue,
		PeriodStart:        time.Unix(data.PeriodStart, 0).UTC(),
		PeriodEnd:          time.Unix(data.PeriodEnd, 0).UTC(),
		AttemptCount:       data.AttemptCount,
	}
	if data.NextPaymentAttempt > 0 {
		t := time.Unix(data.NextPaymentAttempt, 0).UTC()
		inv.NextAttemptAt = &t
	}

	if existing, err := p.store.GetInvoiceByProcessorID(ctx, data.ID); err == nil {
		inv.ID = existing.ID
		inv.CustomerID = existing.CustomerID
		inv.OrganizationID = existing.OrganizationID
		inv.SubscriptionID = existing.SubscriptionID
		if inv.LastFailureReason == "" {
			inv.LastFailureReason = existing.LastFailureReason
		}
		if inv.PaidAt == nil {
			inv.PaidAt = existing.PaidAt
		}
		return inv, nil
	} else if !errors.Is(err, billing.ErrInvoiceNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
	}

	if data.Subscription == "" {
		// Standalone invoices (one-time charges) are out of scope here.
		return nil, nil
	}
	sub, err := p.store.GetSubscriptionByProcessorID(ctx, data.Subscription)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("%w: invoice %s references unmaterialized subscription %s",
				ErrRetryLater, data.ID, data.Subscription)
		}
		return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	inv.CustomerID = sub.CustomerID
	inv.OrganizationID = sub.OrganizationID
	inv.SubscriptionID = sub.ID
	return inv, nil
}

func (p *Processor) applyInvoiceUpsert(ctx context.Context, event *Event) error {
	inv, err := p.invoiceFromEvent(ctx, event.Invoice)
	if err != nil || inv == nil {
		return err
	}
	if err := p.store.UpsertInvoice(ctx, inv); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	return nil
}

func (p *Processor) applyInvoicePaid(ctx context.Context, event *Event) error {
	inv, err := p.invoiceFromEvent(ctx, event.Invoice)
	if err != nil || inv == nil {
		return err
	}

	now := time.Now().UTC()
	inv.Status = billing.InvoicePaid
	inv.PaidAt = &now
	inv.AmountPaid = inv.Total
	inv.AmountDue = 0
	inv.NextAttemptAt = nil

	if err := p.store.UpsertInvoice(ctx, inv); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	if err := p.dunning.ClearPending(ctx, inv.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	return nil
}

func (p *Processor) applyInvoiceFailed(ctx context.Context, event *Event) error {
	data := event.Invoice

	inv, err := p.invoiceFromEvent(ctx, data)
	if err != nil || inv == nil {
		return err
	}

	inv.Status = billing.InvoiceOpen
	if data.AttemptCount > inv.AttemptCount {
		inv.AttemptCount = data.AttemptCount
	} else {
		inv.AttemptCount++
	}
	if reason := data.FailureReason(); reason != "" {
		inv.LastFailureReason = reason
	}

	if err := p.store.UpsertInvoice(ctx, inv); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	if err := p.dunning.ScheduleRetry(ctx, inv); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}

	p.log.WarnContext(ctx, "invoice payment failed",
		slog.String("processor_invoice_id", data.ID),
		slog.Int("attempt_count", inv.AttemptCount),
		slog.String("reason", inv.LastFailureReason))
	return nil
}

func (p *Processor) applyInvoiceVoided(ctx context.Context, event *Event) error {
	inv, err := p.invoiceFromEvent(ctx, event.Invoice)
	if err != nil || inv == nil {
		return err
	}

	inv.Status = billing.InvoiceVoid
	inv.NextAttemptAt = nil

	if err := p.store.UpsertInvoice(ctx, inv); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	if err := p.dunning.ClearPending(ctx, inv.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	return nil
}

type noopScheduler struct{}

func (noopScheduler) ScheduleRetry(context.Context, *billing.Invoice) error        { return nil }
func (noopScheduler) ClearPending(context.Context, uuid.UUID) error                { return nil }
func (noopScheduler) ClearPendingForSubscription(context.Context, uuid.UUID) error { return nil }

type noopResetter struct{}

func (noopResetter) Reset(context.Context, uuid.UUID, time.Time) error { return nil }
