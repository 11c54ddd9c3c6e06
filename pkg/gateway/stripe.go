package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Config holds configuration for the Stripe-backed gateway.
type Config struct {
	APIKey        string        `env:"STRIPE_API_KEY,required"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	CallTimeout   time.Duration `env:"STRIPE_CALL_TIMEOUT" envDefault:"15s"`
}

// StripeGateway implements Gateway using the Stripe SDK.
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeGateway creates a Stripe-backed payment processor gateway.
func NewStripeGateway(cfg Config) (*StripeGateway, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeGateway{
		api:     client.New(cfg.APIKey, nil),
		timeout: timeout,
	}, nil
}

func (g *StripeGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// classify maps SDK errors onto the gateway error taxonomy. Card declines
// feed the dunning state machine; 5xx and network failures are transient and
// may be retried; everything else processor-side is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			return errors.Join(ErrPaymentDeclined, err)
		case stripeErr.Type == stripe.ErrorTypeAPI, stripeErr.HTTPStatusCode >= 500:
			return errors.Join(ErrProcessorTransient, err)
		default:
			return errors.Join(ErrProcessorPermanent, err)
		}
	}
	// Timeouts and transport errors: the call may have succeeded
	// processor-side, so treat as transient and let webhooks resolve state.
	return errors.Join(ErrProcessorTransient, err)
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, params CreateCustomerParams) (string, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	cusParams := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(params.Email),
		Name:   stripe.String(params.Name),
	}
	cusParams.AddMetadata("organization_id", params.OrganizationID)

	cus, err := g.api.Customers.New(cusParams)
	if err != nil {
		return "", classify(err)
	}
	return cus.ID, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*ProcessorSubscription, error) {
	if params.ProcessorCustomerID == "" {
		return nil, ErrMissingCustomerID
	}
	if params.PriceID == "" {
		return nil, ErrMissingPriceID
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	subParams := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(params.ProcessorCustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
	}
	subParams.AddMetadata("organization_id", params.OrganizationID)
	if params.TrialDays > 0 {
		subParams.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}
	if params.PaymentMethodToken != "" {
		subParams.DefaultPaymentMethod = stripe.String(params.PaymentMethodToken)
	}

	sub, err := g.api.Subscriptions.New(subParams)
	if err != nil {
		return nil, classify(err)
	}

	out := &ProcessorSubscription{ID: sub.ID, Status: string(sub.Status)}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		out.ItemID = sub.Items.Data[0].ID
	}
	return out, nil
}

func (g *StripeGateway) ChangePlan(ctx context.Context, params ChangePlanParams) error {
	if params.NewPriceID == "" {
		return ErrMissingPriceID
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	proration := "create_prorations"
	if !params.Prorate {
		proration = "none"
	}

	subParams := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(params.ProcessorItemID),
				Price: stripe.String(params.NewPriceID),
			},
		},
		ProrationBehavior: stripe.String(proration),
	}

	if _, err := g.api.Subscriptions.Update(params.ProcessorSubID, subParams); err != nil {
		return classify(err)
	}
	return nil
}

func (g *StripeGateway) SetCancelAtPeriodEnd(ctx context.Context, processorSubID string, cancel bool) error {
	ctx, cancelFn := g.callContext(ctx)
	defer cancelFn()

	subParams := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	if _, err := g.api.Subscriptions.Update(processorSubID, subParams); err != nil {
		return classify(err)
	}
	return nil
}

func (g *StripeGateway) CancelNow(ctx context.Context, processorSubID string) error {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	}
	if _, err := g.api.Subscriptions.Cancel(processorSubID, params); err != nil {
		return classify(err)
	}
	return nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if params.PriceID == "" {
		return nil, ErrMissingPriceID
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	sessParams := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
		Mode:   stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(params.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"organization_id": params.OrganizationID},
		},
	}
	if params.TrialDays > 0 {
		sessParams.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}
	if params.ProcessorCustomerID != "" {
		sessParams.Customer = stripe.String(params.ProcessorCustomerID)
	} else if params.Email != "" {
		sessParams.CustomerEmail = stripe.String(params.Email)
	}

	sess, err := g.api.CheckoutSessions.New(sessParams)
	if err != nil {
		return nil, classify(err)
	}
	if sess.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0),
	}, nil
}

func (g *StripeGateway) CreateBillingPortalSession(ctx context.Context, processorCustomerID, returnURL string) (string, error) {
	if processorCustomerID == "" {
		return "", ErrMissingCustomerID
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	sess, err := g.api.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(processorCustomerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", classify(err)
	}
	if sess.URL == "" {
		return "", ErrNoPortalURL
	}
	return sess.URL, nil
}

func (g *StripeGateway) ReportUsage(ctx context.Context, params UsageReportParams) error {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	action := string(params.Mode)
	if action == "" {
		action = string(UsageModeIncrement)
	}
	ts := params.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := g.api.UsageRecords.New(&stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		SubscriptionItem: stripe.String(params.ProcessorItemID),
		Quantity:         stripe.Int64(params.Quantity),
		Timestamp:        stripe.Int64(ts.Unix()),
		Action:           stripe.String(action),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (g *StripeGateway) PayInvoice(ctx context.Context, processorInvoiceID string) error {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.InvoicePayParams{
		Params: stripe.Params{Context: ctx},
	}
	if _, err := g.api.Invoices.Pay(processorInvoiceID, params); err != nil {
		return classify(err)
	}
	return nil
}

func (g *StripeGateway) FindPromotionCode(ctx context.Context, code string) (*PromotionCode, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	listParams := &stripe.PromotionCodeListParams{
		Code:   stripe.String(code),
		Active: stripe.Bool(true),
	}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)

	iter := g.api.PromotionCodes.List(listParams)
	for iter.Next() {
		pc := iter.PromotionCode()
		out := &PromotionCode{
			ID:     pc.ID,
			Code:   pc.Code,
			Active: pc.Active,
		}
		if pc.Coupon != nil {
			out.PercentOff = pc.Coupon.PercentOff
			out.AmountOff = pc.Coupon.AmountOff
			out.Currency = string(pc.Coupon.Currency)
		}
		return out, nil
	}
	if err := iter.Err(); err != nil {
		return nil, classify(err)
	}
	return nil, ErrPromoCodeNotFound
}

var _ Gateway = (*StripeGateway)(nil)
