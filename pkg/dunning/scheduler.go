package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/gateway"
	"github.com/docuplane/billing/pkg/jobqueue"
	"github.com/docuplane/billing/pkg/logger"
)

// DefaultRetryOffsets is the recovery ladder: each failed attempt schedules
// the next retry this long after the failure.
var DefaultRetryOffsets = []time.Duration{
	3 * 24 * time.Hour,
	5 * 24 * time.Hour,
	7 * 24 * time.Hour,
}

// Store defines the persistence operations the scheduler needs.
type Store interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error)
	UpsertInvoice(ctx context.Context, invoice *billing.Invoice) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*billing.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *billing.Subscription) error
	GetCustomer(ctx context.Context, id uuid.UUID) (*billing.Customer, error)
}

// InvoicePayer is the slice of the payment gateway the scheduler uses.
type InvoicePayer interface {
	PayInvoice(ctx context.Context, processorInvoiceID string) error
}

// Scheduler schedules and executes payment retries. It is the concrete
// implementation behind the synchronizer's RetryScheduler hook.
type Scheduler struct {
	store    Store
	payer    InvoicePayer
	queue    *jobqueue.Enqueuer
	notifier Notifier
	offsets  []time.Duration
	log      *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithNotifier wires dunning emails.
func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithRetryOffsets overrides the recovery ladder. The ladder length is also
// the maximum number of retries.
func WithRetryOffsets(offsets []time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if len(offsets) > 0 {
			s.offsets = offsets
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// NewScheduler creates a dunning scheduler. Panics on nil required
// dependencies to fail fast during initialization.
func NewScheduler(store Store, payer InvoicePayer, queue *jobqueue.Enqueuer, opts ...SchedulerOption) *Scheduler {
	if store == nil {
		panic("dunning: Store is required")
	}
	if payer == nil {
		panic("dunning: InvoicePayer is required")
	}
	if queue == nil {
		panic("dunning: job enqueuer is required")
	}

	s := &Scheduler{
		store:    store,
		payer:    payer,
		queue:    queue,
		notifier: NoopNotifier{},
		offsets:  DefaultRetryOffsets,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type retryPaymentJob struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

// Handler returns the jobqueue handler executing scheduled retries.
func (s *Scheduler) Handler() jobqueue.Handler {
	return jobqueue.NewJobHandler(s.executeRetry)
}

func invoiceKey(id uuid.UUID) string {
	return "dunning:invoice:" + id.String()
}

func subscriptionKey(id uuid.UUID) string {
	return "dunning:subscription:" + id.String()
}

// ScheduleRetry plans the next payment retry after a failure, or writes the
// invoice off once the recovery ladder is exhausted. The per-invoice job key
// guarantees at most one pending retry regardless of redeliveries.
func (s *Scheduler) ScheduleRetry(ctx context.Context, invoice *billing.Invoice) error {
	if invoice.Status != billing.InvoiceOpen {
		return nil
	}

	// The first attempt is the processor's own charge; everything after it
	// is one of ours.
	retriesDone := invoice.AttemptCount - 1
	if retriesDone < 0 {
		retriesDone = 0
	}
	if retriesDone >= len(s.offsets) {
		return s.writeOff(ctx, invoice)
	}

	runAt := time.Now().UTC().Add(s.offsets[retriesDone])
	if err := s.queue.Enqueue(ctx, retryPaymentJob{InvoiceID: invoice.ID},
		jobqueue.WithKey(invoiceKey(invoice.ID)),
		jobqueue.WithGroupKey(subscriptionKey(invoice.SubscriptionID)),
		jobqueue.WithRunAt(runAt),
	); err != nil {
		return fmt.Errorf("failed to schedule payment retry for invoice %s: %w", invoice.ID, err)
	}

	invoice.NextAttemptAt = &runAt
	if err := s.store.UpsertInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("failed to record next attempt time: %w", err)
	}

	s.log.InfoContext(ctx, "payment retry scheduled",
		slog.String("invoice_id", invoice.ID.String()),
		slog.Int("retry", retriesDone+1),
		slog.Time("run_at", runAt))

	s.notifyPaymentFailed(ctx, invoice, &runAt)
	return nil
}

// ClearPending cancels the pending retry for an invoice, typically because
// payment landed or the invoice was voided.
func (s *Scheduler) ClearPending(ctx context.Context, invoiceID uuid.UUID) error {
	return s.queue.Cancel(ctx, invoiceKey(invoiceID))
}

// ClearPendingForSubscription cancels all pending retries for a
// subscription, typically on cancellation.
func (s *Scheduler) ClearPendingForSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	return s.queue.CancelGroup(ctx, subscriptionKey(subscriptionID))
}

// ForceRetry triggers an immediate payment attempt regardless of schedule.
// Admin operation; the pending scheduled retry, if any, is canceled first so
// a success does not leave a stale job behind.
func (s *Scheduler) ForceRetry(ctx context.Context, invoiceID uuid.UUID) error {
	invoice, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status != billing.InvoiceOpen && invoice.Status != billing.InvoiceUncollectible {
		return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotRetryable, invoiceID, invoice.Status)
	}

	if err := s.ClearPending(ctx, invoiceID); err != nil {
		return err
	}
	return s.attemptPayment(ctx, invoice)
}

// executeRetry runs one scheduled retry. A settled or voided invoice makes
// it a no-op so a payment racing the schedule never double-charges.
func (s *Scheduler) executeRetry(ctx context.Context, job retryPaymentJob) error {
	invoice, err := s.store.GetInvoice(ctx, job.InvoiceID)
	if err != nil {
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			s.log.WarnContext(ctx, "scheduled retry for unknown invoice",
				slog.String("invoice_id", job.InvoiceID.String()))
			return nil
		}
		return err
	}
	if invoice.Status != billing.InvoiceOpen {
		s.log.InfoContext(ctx, "skipping retry for settled invoice",
			slog.String("invoice_id", invoice.ID.String()),
			slog.String("status", string(invoice.Status)))
		return nil
	}
	return s.attemptPayment(ctx, invoice)
}

func (s *Scheduler) attemptPayment(ctx context.Context, invoice *billing.Invoice) error {
	err := s.payer.PayInvoice(ctx, invoice.ProcessorInvoiceID)
	if err == nil {
		// The paid webhook confirms and settles the invoice.
		s.log.InfoContext(ctx, "payment retry succeeded",
			slog.String("invoice_id", invoice.ID.String()))
		return nil
	}
	if gateway.IsTransient(err) {
		// Let the job queue retry shortly instead of burning a ladder step.
		return fmt.Errorf("payment attempt for invoice %s: %w", invoice.ID, err)
	}

	invoice.AttemptCount++
	invoice.LastFailureReason = err.Error()
	invoice.NextAttemptAt = nil
	if err := s.store.UpsertInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("failed to record payment failure: %w", err)
	}
	return s.ScheduleRetry(ctx, invoice)
}

// writeOff marks the invoice uncollectible and suspends the subscription.
func (s *Scheduler) writeOff(ctx context.Context, invoice *billing.Invoice) error {
	invoice.Status = billing.InvoiceUncollectible
	invoice.NextAttemptAt = nil
	if err := s.store.UpsertInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("failed to write off invoice %s: %w", invoice.ID, err)
	}

	if err := s.suspendSubscription(ctx, invoice.SubscriptionID); err != nil {
		return err
	}

	if err := s.ClearPendingForSubscription(ctx, invoice.SubscriptionID); err != nil {
		return err
	}

	s.log.WarnContext(ctx, "invoice written off after exhausted retries",
		slog.String("invoice_id", invoice.ID.String()),
		slog.String("subscription_id", invoice.SubscriptionID.String()),
		slog.Int("attempts", invoice.AttemptCount))

	if customer, err := s.store.GetCustomer(ctx, invoice.CustomerID); err == nil {
		if err := s.notifier.SubscriptionSuspended(ctx, customer, invoice); err != nil {
			s.log.ErrorContext(ctx, "failed to send suspension notice",
				slog.String("invoice_id", invoice.ID.String()),
				logger.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) suspendSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	for attempt := 0; attempt < 3; attempt++ {
		sub, err := s.store.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status.Terminal() {
			return nil
		}

		sub.Status = billing.StatusUnpaid
		sub.StatusUpdatedAt = time.Now().UTC()

		err = s.store.UpdateSubscription(ctx, sub)
		if err == nil {
			return nil
		}
		if !errors.Is(err, billing.ErrVersionConflict) {
			return fmt.Errorf("failed to suspend subscription %s: %w", subscriptionID, err)
		}
	}
	return fmt.Errorf("failed to suspend subscription %s: %w", subscriptionID, billing.ErrVersionConflict)
}

func (s *Scheduler) notifyPaymentFailed(ctx context.Context, invoice *billing.Invoice, nextAttempt *time.Time) {
	customer, err := s.store.GetCustomer(ctx, invoice.CustomerID)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to load customer for dunning notice",
			slog.String("invoice_id", invoice.ID.String()),
			logger.Error(err))
		return
	}
	if err := s.notifier.PaymentFailed(ctx, customer, invoice, nextAttempt); err != nil {
		s.log.ErrorContext(ctx, "failed to send payment failure notice",
			slog.String("invoice_id", invoice.ID.String()),
			logger.Error(err))
	}
}
