package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/gateway"
)

// Store defines the persistence operations the lifecycle service needs.
type Store interface {
	GetCustomerByOrg(ctx context.Context, orgID uuid.UUID) (*billing.Customer, error)
	SaveCustomer(ctx context.Context, customer *billing.Customer) error

	GetSubscription(ctx context.Context, id uuid.UUID) (*billing.Subscription, error)
	CurrentSubscription(ctx context.Context, customerID uuid.UUID) (*billing.Subscription, error)
	GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*billing.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *billing.Subscription) error
	InsertChange(ctx context.Context, change *billing.SubscriptionChange) error
}

// Service orchestrates subscription lifecycle transitions against the
// payment processor and the local store.
type Service struct {
	store   Store
	gw      gateway.Gateway
	catalog *billing.Catalog
	log     *slog.Logger

	materializeWait time.Duration
	pollInterval    time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMaterializationWait bounds how long Subscribe waits for the webhook
// stream to materialize the new subscription before returning a pending
// result.
func WithMaterializationWait(wait, poll time.Duration) Option {
	return func(s *Service) {
		if wait > 0 {
			s.materializeWait = wait
		}
		if poll > 0 {
			s.pollInterval = poll
		}
	}
}

// NewService creates a lifecycle service. Panics on nil required
// dependencies to fail fast during initialization.
func NewService(store Store, gw gateway.Gateway, catalog *billing.Catalog, opts ...Option) *Service {
	if store == nil {
		panic("lifecycle: Store is required")
	}
	if gw == nil {
		panic("lifecycle: payment gateway is required")
	}
	if catalog == nil {
		panic("lifecycle: plan catalog is required")
	}

	s := &Service{
		store:           store,
		gw:              gw,
		catalog:         catalog,
		log:             slog.Default(),
		materializeWait: 5 * time.Second,
		pollInterval:    250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckoutParams describes a hosted-checkout signup request.
type CheckoutParams struct {
	OrganizationID uuid.UUID
	Email          string
	Name           string
	PlanID         string
	Interval       billing.BillingInterval
	SuccessURL     string
	CancelURL      string
}

// StartCheckout creates a hosted checkout session for a self-service
// signup. The subscription itself is materialized by the webhook stream
// once checkout completes.
func (s *Service) StartCheckout(ctx context.Context, params CheckoutParams) (*gateway.CheckoutSession, error) {
	plan, err := s.catalog.Plan(params.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Public {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotPurchasable, plan.ID)
	}

	customer, err := s.ensureCustomer(ctx, params.OrganizationID, params.Email, params.Name)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNoLiveSubscription(ctx, customer.ID); err != nil {
		return nil, err
	}

	session, err := s.gw.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		ProcessorCustomerID: customer.ProcessorCustomerID,
		PriceID:             plan.PriceID(params.Interval),
		OrganizationID:      params.OrganizationID.String(),
		Email:               params.Email,
		TrialDays:           plan.TrialDays,
		SuccessURL:          params.SuccessURL,
		CancelURL:           params.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.log.InfoContext(ctx, "checkout session created",
		slog.String("organization_id", params.OrganizationID.String()),
		slog.String("plan_id", plan.ID),
		slog.String("session_id", session.ID))
	return session, nil
}

// SubscribeParams describes a direct signup for a customer whose payment
// method is charged by the processor without a hosted checkout.
type SubscribeParams struct {
	OrganizationID     uuid.UUID
	Email              string
	Name               string
	PlanID             string
	Interval           billing.BillingInterval
	PaymentMethodToken string
}

// SubscribeResult is the outcome of a direct signup. When Pending is true
// the processor accepted the subscription but the webhook confirming it has
// not arrived yet; Subscription is nil and callers should poll by
// ProcessorSubID.
type SubscribeResult struct {
	Subscription   *billing.Subscription
	ProcessorSubID string
	Pending        bool
}

// Subscribe creates a subscription directly with the processor, then waits
// a bounded time for the webhook stream to materialize the local row.
func (s *Service) Subscribe(ctx context.Context, params SubscribeParams) (*SubscribeResult, error) {
	plan, err := s.catalog.Plan(params.PlanID)
	if err != nil {
		return nil, err
	}

	customer, err := s.ensureCustomer(ctx, params.OrganizationID, params.Email, params.Name)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNoLiveSubscription(ctx, customer.ID); err != nil {
		return nil, err
	}

	created, err := s.gw.CreateSubscription(ctx, gateway.CreateSubscriptionParams{
		ProcessorCustomerID: customer.ProcessorCustomerID,
		PriceID:             plan.PriceID(params.Interval),
		TrialDays:           plan.TrialDays,
		PaymentMethodToken:  params.PaymentMethodToken,
		OrganizationID:      params.OrganizationID.String(),
		Metered:             plan.Metered,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.log.InfoContext(ctx, "subscription created with processor",
		slog.String("organization_id", params.OrganizationID.String()),
		slog.String("processor_sub_id", created.ID),
		slog.String("plan_id", plan.ID))

	// The webhook stream owns materialization. Wait briefly so the common
	// case returns a concrete row, but never block on webhook delivery.
	deadline := time.Now().Add(s.materializeWait)
	for {
		sub, err := s.store.GetSubscriptionByProcessorID(ctx, created.ID)
		if err == nil {
			return &SubscribeResult{Subscription: sub, ProcessorSubID: created.ID}, nil
		}
		if !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return &SubscribeResult{ProcessorSubID: created.ID, Pending: true}, nil
		}
		select {
		case <-ctx.Done():
			return &SubscribeResult{ProcessorSubID: created.ID, Pending: true}, nil
		case <-time.After(s.pollInterval):
		}
	}
}

// ChangePlanParams describes a plan or interval switch.
type ChangePlanParams struct {
	SubscriptionID uuid.UUID
	PlanID         string
	Interval       billing.BillingInterval
	Initiator      billing.Initiator
	Reason         string
}

// ChangePlan switches the subscription to a new plan or billing interval.
// The processor prorates the remainder of the current period on every
// switch. A strictly higher normalized monthly price classifies the change
// as an upgrade; an equal or lower price as a downgrade.
func (s *Service) ChangePlan(ctx context.Context, params ChangePlanParams) error {
	sub, err := s.store.GetSubscription(ctx, params.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() || sub.Ended() {
		return ErrSubscriptionTerminal
	}
	if sub.PlanID == params.PlanID && sub.Interval == params.Interval {
		return ErrSamePlan
	}

	fromPlan, err := s.catalog.Plan(sub.PlanID)
	if err != nil {
		return err
	}
	toPlan, err := s.catalog.Plan(params.PlanID)
	if err != nil {
		return err
	}

	fromMonthly := fromPlan.MonthlyEquivalent(sub.Interval)
	toMonthly := toPlan.MonthlyEquivalent(params.Interval)
	upgrade := toMonthly > fromMonthly

	if err := s.gw.ChangePlan(ctx, gateway.ChangePlanParams{
		ProcessorSubID:  sub.ProcessorSubID,
		ProcessorItemID: sub.ProcessorItemID,
		NewPriceID:      toPlan.PriceID(params.Interval),
		Prorate:         true,
	}); err != nil {
		return fmt.Errorf("failed to change plan with processor: %w", err)
	}

	fromInterval := sub.Interval
	if err := s.updateWithRetry(ctx, sub.ID, func(sub *billing.Subscription) {
		sub.PlanID = toPlan.ID
		sub.Interval = params.Interval
		sub.Metered = toPlan.Metered
	}); err != nil {
		return err
	}

	changeType := billing.ChangeDowngraded
	if upgrade {
		changeType = billing.ChangeUpgraded
	}
	change := &billing.SubscriptionChange{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		OrganizationID: sub.OrganizationID,
		Type:           changeType,
		FromPlanID:     fromPlan.ID,
		ToPlanID:       toPlan.ID,
		FromAmount:     fromPlan.Price(fromInterval).Amount,
		ToAmount:       toPlan.Price(params.Interval).Amount,
		Currency:       toPlan.Price(params.Interval).Currency,
		Initiator:      params.Initiator,
		Reason:         params.Reason,
	}
	if err := s.store.InsertChange(ctx, change); err != nil {
		return fmt.Errorf("failed to record plan change: %w", err)
	}

	s.log.InfoContext(ctx, "plan changed",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("from_plan", fromPlan.ID),
		slog.String("to_plan", toPlan.ID),
		slog.String("change", string(changeType)))
	return nil
}

// CancelParams describes a cancellation request.
type CancelParams struct {
	SubscriptionID uuid.UUID
	// Immediate ends the subscription now instead of at the period end.
	Immediate bool
	Initiator billing.Initiator
	Reason    string
}

// Cancel schedules or executes a cancellation. Requesting a period-end
// cancel on a subscription already flagged to cancel is a no-op, so the
// operation is safe to repeat.
func (s *Service) Cancel(ctx context.Context, params CancelParams) error {
	sub, err := s.store.GetSubscription(ctx, params.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() || sub.Ended() {
		return ErrSubscriptionTerminal
	}

	if params.Immediate {
		return s.cancelNow(ctx, sub, params)
	}

	if sub.CancelAtPeriodEnd {
		return nil
	}

	if err := s.gw.SetCancelAtPeriodEnd(ctx, sub.ProcessorSubID, true); err != nil {
		return fmt.Errorf("failed to schedule cancellation with processor: %w", err)
	}

	now := time.Now().UTC()
	if err := s.updateWithRetry(ctx, sub.ID, func(sub *billing.Subscription) {
		sub.CancelAtPeriodEnd = true
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
	}); err != nil {
		return err
	}

	if err := s.recordCancellation(ctx, sub, params); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "cancellation scheduled for period end",
		slog.String("subscription_id", sub.ID.String()),
		slog.Time("period_end", sub.CurrentPeriodEnd))
	return nil
}

func (s *Service) cancelNow(ctx context.Context, sub *billing.Subscription, params CancelParams) error {
	if err := s.gw.CancelNow(ctx, sub.ProcessorSubID); err != nil {
		return fmt.Errorf("failed to cancel subscription with processor: %w", err)
	}

	now := time.Now().UTC()
	if err := s.updateWithRetry(ctx, sub.ID, func(sub *billing.Subscription) {
		sub.Status = billing.StatusCanceled
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
		if sub.EndedAt == nil {
			sub.EndedAt = &now
		}
	}); err != nil {
		return err
	}

	if err := s.recordCancellation(ctx, sub, params); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "subscription canceled immediately",
		slog.String("subscription_id", sub.ID.String()))
	return nil
}

func (s *Service) recordCancellation(ctx context.Context, sub *billing.Subscription, params CancelParams) error {
	plan, err := s.catalog.Plan(sub.PlanID)
	if err != nil {
		return err
	}
	change := &billing.SubscriptionChange{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		OrganizationID: sub.OrganizationID,
		Type:           billing.ChangeCanceled,
		FromPlanID:     plan.ID,
		FromAmount:     plan.Price(sub.Interval).Amount,
		Currency:       plan.Price(sub.Interval).Currency,
		Initiator:      params.Initiator,
		Reason:         params.Reason,
	}
	if err := s.store.InsertChange(ctx, change); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}
	return nil
}

// Reactivate clears a pending period-end cancellation. Only a subscription
// that is flagged to cancel and has not ended can be reactivated.
func (s *Service) Reactivate(ctx context.Context, subscriptionID uuid.UUID, initiator billing.Initiator) error {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() || sub.Ended() {
		return ErrSubscriptionTerminal
	}
	if !sub.CancelAtPeriodEnd {
		return ErrNotPendingCancellation
	}

	if err := s.gw.SetCancelAtPeriodEnd(ctx, sub.ProcessorSubID, false); err != nil {
		return fmt.Errorf("failed to reactivate with processor: %w", err)
	}

	if err := s.updateWithRetry(ctx, sub.ID, func(sub *billing.Subscription) {
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = nil
	}); err != nil {
		return err
	}

	plan, err := s.catalog.Plan(sub.PlanID)
	if err != nil {
		return err
	}
	change := &billing.SubscriptionChange{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		OrganizationID: sub.OrganizationID,
		Type:           billing.ChangeReactivated,
		ToPlanID:       plan.ID,
		ToAmount:       plan.Price(sub.Interval).Amount,
		Currency:       plan.Price(sub.Interval).Currency,
		Initiator:      initiator,
	}
	if err := s.store.InsertChange(ctx, change); err != nil {
		return fmt.Errorf("failed to record reactivation: %w", err)
	}

	s.log.InfoContext(ctx, "subscription reactivated",
		slog.String("subscription_id", sub.ID.String()))
	return nil
}

// PortalURL returns a pre-authenticated billing portal URL for the
// organization's customer.
func (s *Service) PortalURL(ctx context.Context, orgID uuid.UUID, returnURL string) (string, error) {
	customer, err := s.store.GetCustomerByOrg(ctx, orgID)
	if err != nil {
		return "", err
	}
	return s.gw.CreateBillingPortalSession(ctx, customer.ProcessorCustomerID, returnURL)
}

// ResolvePromoCode validates a customer-facing promotion code.
func (s *Service) ResolvePromoCode(ctx context.Context, code string) (*gateway.PromotionCode, error) {
	return s.gw.FindPromotionCode(ctx, code)
}

// ensureCustomer finds or creates the billing customer for an organization,
// registering it with the processor on first contact.
func (s *Service) ensureCustomer(ctx context.Context, orgID uuid.UUID, email, name string) (*billing.Customer, error) {
	customer, err := s.store.GetCustomerByOrg(ctx, orgID)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrCustomerNotFound):
		customer = &billing.Customer{
			ID:             uuid.New(),
			OrganizationID: orgID,
			Email:          email,
			Name:           name,
		}
	default:
		return nil, err
	}

	if customer.ProcessorCustomerID == "" {
		processorID, err := s.gw.CreateCustomer(ctx, gateway.CreateCustomerParams{
			OrganizationID: orgID.String(),
			Email:          email,
			Name:           name,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register customer with processor: %w", err)
		}
		customer.ProcessorCustomerID = processorID
		if err := s.store.SaveCustomer(ctx, customer); err != nil {
			return nil, err
		}
	}
	return customer, nil
}

func (s *Service) ensureNoLiveSubscription(ctx context.Context, customerID uuid.UUID) error {
	_, err := s.store.CurrentSubscription(ctx, customerID)
	switch {
	case err == nil:
		return ErrAlreadySubscribed
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return nil
	default:
		return err
	}
}

// updateWithRetry applies a mutation under optimistic concurrency,
// re-reading and retrying on version conflicts.
func (s *Service) updateWithRetry(ctx context.Context, id uuid.UUID, mutate func(*billing.Subscription)) error {
	for attempt := 0; attempt < 3; attempt++ {
		sub, err := s.store.GetSubscription(ctx, id)
		if err != nil {
			return err
		}

		mutate(sub)

		err = s.store.UpdateSubscription(ctx, sub)
		if err == nil {
			return nil
		}
		if !errors.Is(err, billing.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("failed to update subscription %s: %w", id, billing.ErrVersionConflict)
}
