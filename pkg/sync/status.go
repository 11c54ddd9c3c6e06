package sync

import "github.com/docuplane/billing/pkg/billing"

// MapStatus translates a processor subscription status to the internal one.
// incomplete and incomplete_expired are treated as never-activated, and
// paused subscriptions are not a state the engine models, so all three map
// to canceled.
func MapStatus(processor string) billing.SubscriptionStatus {
	switch processor {
	case "active":
		return billing.StatusActive
	case "trialing":
		return billing.StatusTrialing
	case "past_due":
		return billing.StatusPastDue
	case "canceled":
		return billing.StatusCanceled
	case "unpaid":
		return billing.StatusUnpaid
	case "incomplete", "incomplete_expired", "paused":
		return billing.StatusCanceled
	default:
		return billing.StatusCanceled
	}
}

// MapInvoiceStatus translates a processor invoice status. The processor's
// vocabulary matches the internal one; anything unrecognized stays open so
// a later event can settle it.
func MapInvoiceStatus(processor string) billing.InvoiceStatus {
	switch billing.InvoiceStatus(processor) {
	case billing.InvoiceDraft, billing.InvoiceOpen, billing.InvoicePaid,
		billing.InvoiceUncollectible, billing.InvoiceVoid:
		return billing.InvoiceStatus(processor)
	default:
		return billing.InvoiceOpen
	}
}
