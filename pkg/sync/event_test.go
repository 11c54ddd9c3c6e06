package sync_test

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/docuplane/billing/pkg/sync"
)

const testSecret = "whsec_test_secret"

// signedPayload builds a processor event envelope and a valid signature
// header for it.
func signedPayload(t *testing.T, eventID, eventType string, created time.Time, object map[string]any) ([]byte, string) {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"created":     created.Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)

	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, testSecret)
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
	return payload, header
}

func TestParseEvent(t *testing.T) {
	t.Parallel()

	t.Run("rejects tampered payload", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "evt_1", "invoice.paid", time.Now(), map[string]any{"id": "in_1"})
		payload[len(payload)-2] ^= 0xff

		_, err := sync.ParseEvent(payload, header, testSecret)
		require.ErrorIs(t, err, sync.ErrSignatureVerification)
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "evt_1", "invoice.paid", time.Now(), map[string]any{"id": "in_1"})

		_, err := sync.ParseEvent(payload, header, "whsec_other")
		require.ErrorIs(t, err, sync.ErrSignatureVerification)
	})

	t.Run("requires secret", func(t *testing.T) {
		t.Parallel()

		_, err := sync.ParseEvent([]byte("{}"), "t=1,v1=00", "")
		require.ErrorIs(t, err, sync.ErrMissingWebhookSecret)
	})

	t.Run("parses subscription event", func(t *testing.T) {
		t.Parallel()

		created := time.Now().Add(-time.Minute).Truncate(time.Second)
		payload, header := signedPayload(t, "evt_sub", "customer.subscription.created", created, map[string]any{
			"id":                   "sub_123",
			"customer":             "cus_123",
			"status":               "trialing",
			"cancel_at_period_end": false,
			"current_period_start": 1700000000,
			"current_period_end":   1702592000,
			"trial_end":            1701209600,
			"metadata":             map[string]string{"organization_id": "b4b2f1b6-0000-4000-8000-000000000001"},
			"items": map[string]any{
				"data": []map[string]any{{
					"id": "si_123",
					"price": map[string]any{
						"id":        "price_pro_monthly",
						"recurring": map[string]any{"interval": "month"},
					},
				}},
			},
		})

		event, err := sync.ParseEvent(payload, header, testSecret)
		require.NoError(t, err)

		assert.Equal(t, "evt_sub", event.ID)
		assert.Equal(t, sync.EventSubscriptionCreated, event.Type)
		assert.Equal(t, created.UTC(), event.OccurredAt)
		require.NotNil(t, event.Subscription)
		assert.Nil(t, event.Invoice)
		assert.Equal(t, "sub_123", event.Subscription.ID)
		assert.Equal(t, "cus_123", event.Subscription.Customer)
		assert.Equal(t, "trialing", event.Subscription.Status)
		assert.Equal(t, "price_pro_monthly", event.Subscription.PriceID())
		assert.Equal(t, "si_123", event.Subscription.ItemID())
		assert.Equal(t, int64(1701209600), event.Subscription.TrialEnd)
	})

	t.Run("parses invoice event", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "evt_inv", "invoice.payment_failed", time.Now(), map[string]any{
			"id":            "in_123",
			"customer":      "cus_123",
			"subscription":  "sub_123",
			"status":        "open",
			"currency":      "usd",
			"subtotal":      2000,
			"tax":           100,
			"total":         1900,
			"amount_paid":   0,
			"amount_due":    1900,
			"attempt_count": 2,
			"last_payment_error": map[string]any{
				"message":      "Your card was declined.",
				"decline_code": "insufficient_funds",
			},
		})

		event, err := sync.ParseEvent(payload, header, testSecret)
		require.NoError(t, err)

		assert.Equal(t, sync.EventInvoiceFailed, event.Type)
		require.NotNil(t, event.Invoice)
		assert.Nil(t, event.Subscription)
		assert.Equal(t, "in_123", event.Invoice.ID)
		assert.Equal(t, int64(200), event.Invoice.Discount())
		assert.Equal(t, "insufficient_funds", event.Invoice.FailureReason())
	})

	t.Run("aliases payment succeeded to paid", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "evt_alias", "invoice.payment_succeeded", time.Now(), map[string]any{
			"id": "in_123",
		})

		event, err := sync.ParseEvent(payload, header, testSecret)
		require.NoError(t, err)
		assert.Equal(t, sync.EventInvoicePaid, event.Type)
		assert.Equal(t, "invoice.payment_succeeded", event.ProviderType)
	})

	t.Run("unknown type parses without data", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "evt_new", "charge.refunded", time.Now(), map[string]any{"id": "ch_1"})

		event, err := sync.ParseEvent(payload, header, testSecret)
		require.NoError(t, err)
		assert.Equal(t, sync.EventUnknown, event.Type)
		assert.Equal(t, "charge.refunded", event.ProviderType)
		assert.Nil(t, event.Subscription)
		assert.Nil(t, event.Invoice)
	})
}
