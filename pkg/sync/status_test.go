package sync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/sync"
)

func TestMapStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]billing.SubscriptionStatus{
		"active":             billing.StatusActive,
		"trialing":           billing.StatusTrialing,
		"past_due":           billing.StatusPastDue,
		"canceled":           billing.StatusCanceled,
		"unpaid":             billing.StatusUnpaid,
		"incomplete":         billing.StatusCanceled,
		"incomplete_expired": billing.StatusCanceled,
		"paused":             billing.StatusCanceled,
		"something_new":      billing.StatusCanceled,
	}
	for in, want := range cases {
		assert.Equal(t, want, sync.MapStatus(in), "status %q", in)
	}
}

func TestMapInvoiceStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]billing.InvoiceStatus{
		"draft":         billing.InvoiceDraft,
		"open":          billing.InvoiceOpen,
		"paid":          billing.InvoicePaid,
		"uncollectible": billing.InvoiceUncollectible,
		"void":          billing.InvoiceVoid,
		"mystery":       billing.InvoiceOpen,
	}
	for in, want := range cases {
		assert.Equal(t, want, sync.MapInvoiceStatus(in), "status %q", in)
	}
}
