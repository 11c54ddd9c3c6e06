package api_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/docuplane/billing/pkg/api"
	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/lifecycle"
	"github.com/docuplane/billing/pkg/sync"
	"github.com/docuplane/billing/pkg/usage"
)

const webhookSecret = "whsec_test"

// signedEvent builds a processor event envelope and a valid signature
// header for it.
func signedEvent(t *testing.T, eventID, eventType string, object map[string]any) ([]byte, string) {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"created":     time.Now().Add(-time.Minute).Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)

	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, webhookSecret)
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
	return payload, header
}

func postWebhook(t *testing.T, router http.Handler, payload []byte, sigHeader string) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set(api.SignatureHeader, sigHeader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec, env
}

func TestWebhookStatusMapping(t *testing.T) {
	t.Parallel()

	t.Run("acknowledges applied events", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		rec, env := postWebhook(t, f.router, []byte(`{"id":"evt_1"}`), "t=1,v1=aa")

		require.Equal(t, http.StatusOK, rec.Code)
		require.True(t, env.Success)
		require.Len(t, f.processor.payloads, 1)
		assert.JSONEq(t, `{"id":"evt_1"}`, string(f.processor.payloads[0]))
	})

	t.Run("rejects inauthentic payloads without redelivery", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.processor.err = sync.ErrSignatureVerification

		rec, env := postWebhook(t, f.router, []byte(`{}`), "t=1,v1=bad")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_signature", env.Error.Code)
	})

	t.Run("requests redelivery on ordering races", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.processor.err = sync.ErrRetryLater

		rec, env := postWebhook(t, f.router, []byte(`{}`), "t=1,v1=aa")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "retry_later", env.Error.Code)
	})

	t.Run("unexpected failures are server errors", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.processor.err = errors.New("store exploded")

		rec, env := postWebhook(t, f.router, []byte(`{}`), "t=1,v1=aa")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal_error", env.Error.Code)
	})
}

func TestWebhookEndToEnd(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	store := billing.NewMemoryStore()
	catalog := testCatalog(t)

	processor, err := sync.NewProcessor(webhookSecret, store, catalog)
	require.NoError(t, err)

	handler := api.NewHandler(store,
		lifecycle.NewService(store, &fakeGateway{}, catalog),
		usage.NewLedger(store, catalog),
		processor, catalog)
	router := handler.Router()

	subObject := map[string]any{
		"id":                   "sub_123",
		"customer":             "cus_123",
		"status":               "active",
		"cancel_at_period_end": false,
		"current_period_start": 1700000000,
		"current_period_end":   1702592000,
		"metadata":             map[string]string{"organization_id": orgID.String()},
		"items": map[string]any{
			"data": []map[string]any{{
				"id": "si_123",
				"price": map[string]any{
					"id":        "price_starter_monthly",
					"recurring": map[string]any{"interval": "month"},
				},
			}},
		},
	}

	t.Run("signed event materializes a subscription", func(t *testing.T) {
		payload, header := signedEvent(t, "evt_1", "customer.subscription.created", subObject)
		rec, _ := postWebhook(t, router, payload, header)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		req := httptest.NewRequest(http.MethodGet, "/v1/subscription", nil)
		req.Header.Set(api.OrganizationHeader, orgID.String())
		res := httptest.NewRecorder()
		router.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())

		var env testEnvelope
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &env))
		var data struct {
			PlanID string `json:"plan_id"`
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "starter", data.PlanID)
		assert.Equal(t, "active", data.Status)
	})

	t.Run("tampered payload is rejected", func(t *testing.T) {
		payload, header := signedEvent(t, "evt_2", "customer.subscription.created", subObject)
		payload = bytes.Replace(payload, []byte("sub_123"), []byte("sub_666"), 1)

		rec, env := postWebhook(t, router, payload, header)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_signature", env.Error.Code)
	})

	t.Run("update before create asks for redelivery", func(t *testing.T) {
		payload, header := signedEvent(t, "evt_3", "customer.subscription.updated",
			map[string]any{
				"id":                   "sub_unknown",
				"customer":             "cus_123",
				"status":               "active",
				"current_period_start": 1700000000,
				"current_period_end":   1702592000,
				"items": map[string]any{
					"data": []map[string]any{{
						"id": "si_123",
						"price": map[string]any{
							"id":        "price_starter_monthly",
							"recurring": map[string]any{"interval": "month"},
						},
					}},
				},
			})

		rec, env := postWebhook(t, router, payload, header)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "retry_later", env.Error.Code)
	})
}
