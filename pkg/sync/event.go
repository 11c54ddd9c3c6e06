package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
)

// EventType enumerates the processor event types the engine handles.
// Anything else parses to EventUnknown and is intentionally ignored so new
// processor event types cannot break delivery.
type EventType string

const (
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
	EventInvoiceCreated      EventType = "invoice.created"
	EventInvoiceFinalized    EventType = "invoice.finalized"
	EventInvoicePaid         EventType = "invoice.paid"
	EventInvoiceFailed       EventType = "invoice.payment_failed"
	EventInvoiceVoided       EventType = "invoice.voided"
	EventUnknown             EventType = "unknown"
)

// Event is the parsed, verified webhook event. Exactly one of Subscription
// or Invoice is set depending on the event family; both are nil for
// EventUnknown.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string // original processor event name
	OccurredAt   time.Time
	Subscription *SubscriptionData
	Invoice      *InvoiceData
}

// SubscriptionData carries the subscription fields the synchronizer applies.
type SubscriptionData struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialStart         int64             `json:"trial_start"`
	TrialEnd           int64             `json:"trial_end"`
	CanceledAt         int64             `json:"canceled_at"`
	EndedAt            int64             `json:"ended_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			ID    string `json:"id"`
			Price struct {
				ID        string `json:"id"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PriceID returns the subscription's first line item price ID.
func (d *SubscriptionData) PriceID() string {
	if len(d.Items.Data) == 0 {
		return ""
	}
	return d.Items.Data[0].Price.ID
}

// ItemID returns the subscription's first line item ID.
func (d *SubscriptionData) ItemID() string {
	if len(d.Items.Data) == 0 {
		return ""
	}
	return d.Items.Data[0].ID
}

// InvoiceData carries the invoice fields the synchronizer applies.
type InvoiceData struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Subscription       string `json:"subscription"`
	Status             string `json:"status"`
	Currency           string `json:"currency"`
	Subtotal           int64  `json:"subtotal"`
	Tax                int64  `json:"tax"`
	Total              int64  `json:"total"`
	AmountPaid         int64  `json:"amount_paid"`
	AmountDue          int64  `json:"amount_due"`
	PeriodStart        int64  `json:"period_start"`
	PeriodEnd          int64  `json:"period_end"`
	AttemptCount       int    `json:"attempt_count"`
	NextPaymentAttempt int64  `json:"next_payment_attempt"`
	LastPaymentError   *struct {
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"`
	} `json:"last_payment_error"`
}

// Discount returns the discount implied by the invoice amounts.
func (d *InvoiceData) Discount() int64 {
	discount := d.Subtotal + d.Tax - d.Total
	if discount < 0 {
		return 0
	}
	return discount
}

// FailureReason returns the human-readable payment failure reason, if any.
func (d *InvoiceData) FailureReason() string {
	if d.LastPaymentError == nil {
		return ""
	}
	if d.LastPaymentError.DeclineCode != "" {
		return d.LastPaymentError.DeclineCode
	}
	return d.LastPaymentError.Message
}

// ParseEvent verifies the payload signature against the shared secret and
// parses the event into the typed union. Verification happens before any
// payload parsing.
func ParseEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	if secret == "" {
		return nil, ErrMissingWebhookSecret
	}

	raw, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}

	event := &Event{
		ID:           raw.ID,
		ProviderType: string(raw.Type),
		OccurredAt:   time.Unix(raw.Created, 0).UTC(),
	}

	switch EventType(raw.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		event.Type = EventType(raw.Type)
		var data SubscriptionData
		if err := json.Unmarshal(raw.Data.Raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse subscription event %s: %w", raw.ID, err)
		}
		event.Subscription = &data
	case EventInvoiceCreated, EventInvoiceFinalized, EventInvoicePaid, EventInvoiceFailed, EventInvoiceVoided,
		"invoice.payment_succeeded": // delivered alongside invoice.paid by some processor API versions
		event.Type = EventType(raw.Type)
		if event.Type == "invoice.payment_succeeded" {
			event.Type = EventInvoicePaid
		}
		var data InvoiceData
		if err := json.Unmarshal(raw.Data.Raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse invoice event %s: %w", raw.ID, err)
		}
		event.Invoice = &data
	default:
		event.Type = EventUnknown
	}

	return event, nil
}
