package dunning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrz1836/postmark"

	"github.com/docuplane/billing/pkg/billing"
)

// Notifier delivers dunning emails. Implementations must tolerate customers
// without an email address by returning nil.
type Notifier interface {
	// PaymentFailed tells the customer a charge failed and when the next
	// retry happens. nextAttempt is nil on the last failure before write-off.
	PaymentFailed(ctx context.Context, customer *billing.Customer, invoice *billing.Invoice, nextAttempt *time.Time) error

	// SubscriptionSuspended tells the customer their subscription was
	// suspended after payment recovery gave up.
	SubscriptionSuspended(ctx context.Context, customer *billing.Customer, invoice *billing.Invoice) error
}

// NotifierConfig holds postmark notifier settings.
type NotifierConfig struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN,required"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail  string `env:"DUNNING_SENDER_EMAIL,required"`
	ReplyTo      string `env:"DUNNING_REPLY_TO_EMAIL"`
}

type postmarkNotifier struct {
	client *postmark.Client
	cfg    NotifierConfig
}

// NewPostmarkNotifier creates a Notifier on Postmark's transactional API.
func NewPostmarkNotifier(cfg NotifierConfig) (Notifier, error) {
	if cfg.ServerToken == "" {
		return nil, ErrMissingServerToken
	}
	if cfg.SenderEmail == "" {
		return nil, errors.New("dunning sender email is required")
	}
	return &postmarkNotifier{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg:    cfg,
	}, nil
}

func (n *postmarkNotifier) PaymentFailed(ctx context.Context, customer *billing.Customer, invoice *billing.Invoice, nextAttempt *time.Time) error {
	if customer.Email == "" {
		return nil
	}

	body := fmt.Sprintf(
		"We could not collect payment of %s for your subscription.",
		formatAmount(invoice.AmountDue, invoice.Currency))
	if invoice.LastFailureReason != "" {
		body += fmt.Sprintf(" Your payment provider reported: %s.", invoice.LastFailureReason)
	}
	if nextAttempt != nil {
		body += fmt.Sprintf(" We will retry automatically on %s. To avoid service interruption, please update your payment method before then.",
			nextAttempt.Format("January 2, 2006"))
	} else {
		body += " Please update your payment method to keep your subscription active."
	}

	return n.send(ctx, customer.Email, "Payment failed — action required", "payment-failed", body)
}

func (n *postmarkNotifier) SubscriptionSuspended(ctx context.Context, customer *billing.Customer, invoice *billing.Invoice) error {
	if customer.Email == "" {
		return nil
	}

	body := fmt.Sprintf(
		"After several attempts we were unable to collect payment of %s, and your subscription has been suspended. Update your payment method and contact support to restore access.",
		formatAmount(invoice.AmountDue, invoice.Currency))

	return n.send(ctx, customer.Email, "Your subscription has been suspended", "subscription-suspended", body)
}

func (n *postmarkNotifier) send(ctx context.Context, to, subject, tag, body string) error {
	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:     n.cfg.SenderEmail,
		ReplyTo:  n.cfg.ReplyTo,
		To:       to,
		Subject:  subject,
		Tag:      tag,
		TextBody: body,
	})
	if err != nil {
		return fmt.Errorf("failed to send %s email: %w", tag, err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("failed to send %s email: postmark error %d - %s", tag, resp.ErrorCode, resp.Message)
	}
	return nil
}

func formatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(amount)/100, currency)
}

// NoopNotifier discards all notifications. Useful in tests and environments
// without outbound email.
type NoopNotifier struct{}

func (NoopNotifier) PaymentFailed(context.Context, *billing.Customer, *billing.Invoice, *time.Time) error {
	return nil
}

func (NoopNotifier) SubscriptionSuspended(context.Context, *billing.Customer, *billing.Invoice) error {
	return nil
}
