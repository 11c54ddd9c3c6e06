package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuplane/billing/pkg/api"
	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/gateway"
	"github.com/docuplane/billing/pkg/lifecycle"
	"github.com/docuplane/billing/pkg/ratelimit"
	"github.com/docuplane/billing/pkg/usage"
)

type fakeGateway struct {
	err error
}

func (f *fakeGateway) CreateCustomer(ctx context.Context, params gateway.CreateCustomerParams) (string, error) {
	return "cus_fake", f.err
}

func (f *fakeGateway) CreateSubscription(ctx context.Context, params gateway.CreateSubscriptionParams) (*gateway.ProcessorSubscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.ProcessorSubscription{ID: "sub_fake", ItemID: "si_fake", Status: "active"}, nil
}

func (f *fakeGateway) ChangePlan(ctx context.Context, params gateway.ChangePlanParams) error {
	return f.err
}

func (f *fakeGateway) SetCancelAtPeriodEnd(ctx context.Context, processorSubID string, cancel bool) error {
	return f.err
}

func (f *fakeGateway) CancelNow(ctx context.Context, processorSubID string) error {
	return f.err
}

func (f *fakeGateway) CreateCheckoutSession(ctx context.Context, params gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.CheckoutSession{ID: "cs_fake", URL: "https://checkout.example.com/cs_fake"}, nil
}

func (f *fakeGateway) CreateBillingPortalSession(ctx context.Context, processorCustomerID, returnURL string) (string, error) {
	return "https://portal.example.com/" + processorCustomerID, f.err
}

func (f *fakeGateway) ReportUsage(ctx context.Context, params gateway.UsageReportParams) error {
	return f.err
}

func (f *fakeGateway) PayInvoice(ctx context.Context, processorInvoiceID string) error {
	return f.err
}

func (f *fakeGateway) FindPromotionCode(ctx context.Context, code string) (*gateway.PromotionCode, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.PromotionCode{ID: "promo_fake", Code: code, Active: true}, nil
}

type stubProcessor struct {
	err      error
	payloads [][]byte
}

func (s *stubProcessor) Process(ctx context.Context, payload []byte, sigHeader string) error {
	s.payloads = append(s.payloads, payload)
	return s.err
}

type fixture struct {
	store     *billing.MemoryStore
	router    http.Handler
	processor *stubProcessor
	orgID     uuid.UUID
}

func testCatalog(t *testing.T) *billing.Catalog {
	t.Helper()

	catalog, err := billing.LoadCatalog(context.Background(), billing.NewInMemSource(
		billing.PricingPlan{
			ID:             "starter",
			Name:           "Starter",
			MonthlyPrice:   billing.Money{Amount: 900, Currency: "usd"},
			AnnualPrice:    billing.Money{Amount: 9000, Currency: "usd"},
			MonthlyPriceID: "price_starter_monthly",
			AnnualPriceID:  "price_starter_annual",
			Limits: map[billing.Resource]int64{
				billing.ResourceStorage:  10,
				billing.ResourceAPICalls: 1000,
			},
			Public: true,
		},
		billing.PricingPlan{
			ID:             "pro",
			Name:           "Pro",
			MonthlyPrice:   billing.Money{Amount: 2900, Currency: "usd"},
			AnnualPrice:    billing.Money{Amount: 34800, Currency: "usd"},
			MonthlyPriceID: "price_pro_monthly",
			AnnualPriceID:  "price_pro_annual",
			Metered:        true,
			Public:         true,
		},
		billing.PricingPlan{
			ID:             "enterprise",
			Name:           "Enterprise",
			MonthlyPrice:   billing.Money{Amount: 99900, Currency: "usd"},
			AnnualPrice:    billing.Money{Amount: 999000, Currency: "usd"},
			MonthlyPriceID: "price_ent_monthly",
			AnnualPriceID:  "price_ent_annual",
		},
	))
	require.NoError(t, err)
	return catalog
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()

	store := billing.NewMemoryStore()
	catalog := testCatalog(t)
	processor := &stubProcessor{}

	lc := lifecycle.NewService(store, &fakeGateway{}, catalog)
	ledger := usage.NewLedger(store, catalog)
	handler := api.NewHandler(store, lc, ledger, processor, catalog, opts...)

	return &fixture{
		store:     store,
		router:    handler.Router(),
		processor: processor,
		orgID:     uuid.New(),
	}
}

func (f *fixture) seedCustomer(t *testing.T) *billing.Customer {
	t.Helper()

	customer := &billing.Customer{
		ID:                  uuid.New(),
		OrganizationID:      f.orgID,
		ProcessorCustomerID: "cus_1",
		Email:               "owner@example.com",
	}
	require.NoError(t, f.store.SaveCustomer(context.Background(), customer))
	return customer
}

func (f *fixture) seedSubscription(t *testing.T, customer *billing.Customer, planID string) *billing.Subscription {
	t.Helper()

	sub := &billing.Subscription{
		ID:                 uuid.New(),
		CustomerID:         customer.ID,
		OrganizationID:     customer.OrganizationID,
		PlanID:             planID,
		ProcessorSubID:     "sub_1",
		ProcessorItemID:    "si_1",
		Status:             billing.StatusActive,
		Interval:           billing.IntervalMonthly,
		CurrentPeriodStart: time.Now().Add(-24 * time.Hour).UTC(),
		CurrentPeriodEnd:   time.Now().Add(29 * 24 * time.Hour).UTC(),
		StatusUpdatedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.store.InsertSubscription(context.Background(), sub))
	return sub
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string              `json:"code"`
		Message string              `json:"message"`
		Fields  map[string][]string `json:"fields"`
	} `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path string, body any, withOrg bool) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if withOrg {
		req.Header.Set(api.OrganizationHeader, f.orgID.String())
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec, env
}

func TestListPlans(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/v1/plans", nil, false)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	var plans []struct {
		ID           string `json:"id"`
		MonthlyPrice struct {
			Amount int64 `json:"amount"`
		} `json:"monthly_price"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &plans))
	require.Len(t, plans, 2, "non-public plans are hidden")
	assert.Equal(t, "starter", plans[0].ID)
	assert.Equal(t, "pro", plans[1].ID)
}

func TestRequireOrganization(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/v1/subscription", nil, false)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthorized", env.Error.Code)
}

func TestCheckout(t *testing.T) {
	t.Parallel()

	t.Run("creates session", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		rec, env := f.do(t, http.MethodPost, "/v1/checkout", map[string]string{
			"plan_id":     "starter",
			"interval":    "monthly",
			"email":       "owner@example.com",
			"success_url": "https://app.example.com/done",
			"cancel_url":  "https://app.example.com/cancel",
		}, true)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var data struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.NotEmpty(t, data.URL)
	})

	t.Run("rejects missing fields with field errors", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		rec, env := f.do(t, http.MethodPost, "/v1/checkout", map[string]string{
			"interval": "monthly",
		}, true)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "validation_failed", env.Error.Code)
		assert.Contains(t, env.Error.Fields, "plan_id")
	})

	t.Run("rejects relative redirect URLs", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		rec, env := f.do(t, http.MethodPost, "/v1/checkout", map[string]string{
			"plan_id":     "starter",
			"interval":    "monthly",
			"success_url": "/done",
			"cancel_url":  "app.example.com/cancel",
		}, true)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "validation_failed", env.Error.Code)
		assert.Contains(t, env.Error.Fields, "success_url")
		assert.Contains(t, env.Error.Fields, "cancel_url")
	})

	t.Run("rejects unknown plan", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		rec, env := f.do(t, http.MethodPost, "/v1/checkout", map[string]string{
			"plan_id":     "nonexistent",
			"interval":    "monthly",
			"success_url": "https://app.example.com/done",
			"cancel_url":  "https://app.example.com/cancel",
		}, true)

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "plan_not_found", env.Error.Code)
	})

	t.Run("rejects hidden plan", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		rec, env := f.do(t, http.MethodPost, "/v1/checkout", map[string]string{
			"plan_id":     "enterprise",
			"interval":    "monthly",
			"success_url": "https://app.example.com/done",
			"cancel_url":  "https://app.example.com/cancel",
		}, true)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "plan_not_available", env.Error.Code)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/v1/checkout", bytes.NewBufferString("{not json"))
		req.Header.Set(api.OrganizationHeader, f.orgID.String())
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "malformed_request")
	})
}

func TestGetSubscription(t *testing.T) {
	t.Parallel()

	t.Run("returns current subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodGet, "/v1/subscription", nil, true)

		require.Equal(t, http.StatusOK, rec.Code)
		var data struct {
			PlanID string `json:"plan_id"`
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "starter", data.PlanID)
		assert.Equal(t, "active", data.Status)
	})

	t.Run("404 when the organization has no billing account", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		rec, env := f.do(t, http.MethodGet, "/v1/subscription", nil, true)

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "customer_not_found", env.Error.Code)
	})

	t.Run("404 when no live subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.seedCustomer(t)

		rec, env := f.do(t, http.MethodGet, "/v1/subscription", nil, true)

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "subscription_not_found", env.Error.Code)
	})
}

func TestChangePlan(t *testing.T) {
	t.Parallel()

	t.Run("switches plan", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodPost, "/v1/subscription/change-plan", map[string]string{
			"plan_id":  "pro",
			"interval": "monthly",
		}, true)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var data struct {
			PlanID string `json:"plan_id"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "pro", data.PlanID)
	})

	t.Run("rejects same plan", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodPost, "/v1/subscription/change-plan", map[string]string{
			"plan_id":  "starter",
			"interval": "monthly",
		}, true)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "same_plan", env.Error.Code)
	})

	t.Run("rejects bad interval", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodPost, "/v1/subscription/change-plan", map[string]string{
			"plan_id":  "pro",
			"interval": "weekly",
		}, true)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_failed", env.Error.Code)
	})
}

func TestCancelAndReactivate(t *testing.T) {
	t.Parallel()

	t.Run("period end cancel then reactivate", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodPost, "/v1/subscription/cancel", map[string]any{
			"reason": "too expensive",
		}, true)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var data struct {
			CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
			Status            string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.True(t, data.CancelAtPeriodEnd)
		assert.Equal(t, "active", data.Status)

		rec, env = f.do(t, http.MethodPost, "/v1/subscription/reactivate", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.False(t, data.CancelAtPeriodEnd)
	})

	t.Run("immediate cancel reports terminal state", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodPost, "/v1/subscription/cancel", map[string]any{
			"immediate": true,
		}, true)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var data struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "canceled", data.Status)
	})

	t.Run("reactivate without pending cancellation", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodPost, "/v1/subscription/reactivate", nil, true)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "not_pending_cancellation", env.Error.Code)
	})
}

func TestUsageRoutes(t *testing.T) {
	t.Parallel()

	t.Run("report then read back", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, _ := f.do(t, http.MethodPost, "/v1/usage", map[string]any{
			"type":     "api_call",
			"quantity": 42,
		}, true)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		rec, env := f.do(t, http.MethodGet, "/v1/usage", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var data struct {
			Usage map[string]float64 `json:"usage"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, 42.0, data.Usage["api_call"])
	})

	t.Run("storage reported in bytes reads back in gigabytes", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, _ := f.do(t, http.MethodPost, "/v1/usage", map[string]any{
			"type":     "storage",
			"quantity": 1 << 30,
		}, true)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		rec, env := f.do(t, http.MethodGet, "/v1/usage", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var data struct {
			Usage map[string]float64 `json:"usage"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.InDelta(t, 1.0, data.Usage["storage"], 0.001)
	})

	t.Run("limits reflect consumption", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, _ := f.do(t, http.MethodPost, "/v1/usage", map[string]any{
			"type":     "api_call",
			"quantity": 900,
		}, true)
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec, env := f.do(t, http.MethodGet, "/v1/usage/limits", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var statuses []struct {
			Resource string  `json:"resource"`
			Percent  float64 `json:"percent"`
			Level    string  `json:"level"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &statuses))

		byResource := make(map[string]string)
		for _, s := range statuses {
			byResource[s.Resource] = s.Level
		}
		assert.Equal(t, "critical", byResource["api_calls"])
		assert.Equal(t, "ok", byResource["storage"])
	})

	t.Run("rejects unknown usage type", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodPost, "/v1/usage", map[string]any{
			"type":     "cpu_cycles",
			"quantity": 1,
		}, true)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_failed", env.Error.Code)
	})

	t.Run("rejects negative quantity", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		rec, env := f.do(t, http.MethodPost, "/v1/usage", map[string]any{
			"type":     "api_call",
			"quantity": -5,
		}, true)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_failed", env.Error.Code)
		assert.Contains(t, env.Error.Fields, "quantity")
	})

	t.Run("rejects usage outside the billing period", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		customer := f.seedCustomer(t)
		f.seedSubscription(t, customer, "starter")

		occurred := time.Now().Add(-60 * 24 * time.Hour).UTC()
		rec, env := f.do(t, http.MethodPost, "/v1/usage", map[string]any{
			"type":        "api_call",
			"quantity":    1,
			"occurred_at": occurred.Format(time.RFC3339),
		}, true)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "usage_outside_period", env.Error.Code)
	})
}

func TestListInvoices(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	customer := f.seedCustomer(t)
	sub := f.seedSubscription(t, customer, "starter")

	paidAt := time.Now().UTC()
	require.NoError(t, f.store.UpsertInvoice(context.Background(), &billing.Invoice{
		CustomerID:         customer.ID,
		SubscriptionID:     sub.ID,
		ProcessorInvoiceID: "in_1",
		Status:             billing.InvoicePaid,
		Currency:           "usd",
		Total:              900,
		AmountPaid:         900,
		PaidAt:             &paidAt,
	}))

	rec, env := f.do(t, http.MethodGet, "/v1/invoices", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var invoices []struct {
		Status string `json:"status"`
		Total  int64  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &invoices))
	require.Len(t, invoices, 1)
	assert.Equal(t, "paid", invoices[0].Status)
	assert.Equal(t, int64(900), invoices[0].Total)
}

func TestRateLimitedRoutes(t *testing.T) {
	t.Parallel()

	store := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(0))
	t.Cleanup(store.Close)
	bucket, err := ratelimit.NewBucket(store, ratelimit.Config{
		Capacity:       2,
		RefillRate:     1,
		RefillInterval: time.Minute,
	})
	require.NoError(t, err)

	keyFunc := func(r *http.Request) string { return r.Header.Get(api.OrganizationHeader) }
	f := newFixture(t, api.WithRateLimiter(ratelimit.Middleware(bucket, keyFunc)))

	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodGet, "/v1/plans", nil, true)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec, env := f.do(t, http.MethodGet, "/v1/plans", nil, true)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", env.Error.Code)
}
