package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/clientip"
	"github.com/docuplane/billing/pkg/lifecycle"
	"github.com/docuplane/billing/pkg/requestid"
	"github.com/docuplane/billing/pkg/usage"
	"github.com/docuplane/billing/pkg/validator"
)

// Store defines the read operations the HTTP surface needs directly.
// Mutations go through the lifecycle service and usage ledger.
type Store interface {
	GetCustomerByOrg(ctx context.Context, orgID uuid.UUID) (*billing.Customer, error)
	CurrentSubscription(ctx context.Context, customerID uuid.UUID) (*billing.Subscription, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*billing.Subscription, error)
	ListInvoices(ctx context.Context, customerID uuid.UUID, limit int) ([]billing.Invoice, error)
}

// WebhookProcessor applies one raw processor event.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, sigHeader string) error
}

// Handler is the application-facing HTTP surface.
type Handler struct {
	store     Store
	lifecycle *lifecycle.Service
	ledger    *usage.Ledger
	processor WebhookProcessor
	catalog   *billing.Catalog
	log       *slog.Logger
	limiter   func(http.Handler) http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithRateLimiter installs a rate limit middleware on the /v1 routes.
func WithRateLimiter(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.limiter = mw
	}
}

// NewHandler creates the HTTP surface. Panics on nil required dependencies
// to fail fast during initialization.
func NewHandler(store Store, lc *lifecycle.Service, ledger *usage.Ledger, processor WebhookProcessor, catalog *billing.Catalog, opts ...Option) *Handler {
	if store == nil {
		panic("api: Store is required")
	}
	if lc == nil {
		panic("api: lifecycle service is required")
	}
	if ledger == nil {
		panic("api: usage ledger is required")
	}
	if processor == nil {
		panic("api: webhook processor is required")
	}
	if catalog == nil {
		panic("api: plan catalog is required")
	}

	h := &Handler{
		store:     store,
		lifecycle: lc,
		ledger:    ledger,
		processor: processor,
		catalog:   catalog,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router assembles the route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(clientip.Middleware)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/payment", h.handleWebhook)

	r.Route("/v1", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter)
		}
		r.Get("/plans", h.handleListPlans)

		r.Group(func(r chi.Router) {
			r.Use(RequireOrganization)
			r.Post("/checkout", h.handleCheckout)
			r.Post("/portal", h.handlePortal)
			r.Get("/subscription", h.handleGetSubscription)
			r.Post("/subscription/change-plan", h.handleChangePlan)
			r.Post("/subscription/cancel", h.handleCancel)
			r.Post("/subscription/reactivate", h.handleReactivate)
			r.Get("/usage", h.handleGetUsage)
			r.Post("/usage", h.handleReportUsage)
			r.Get("/usage/limits", h.handleGetLimits)
			r.Get("/invoices", h.handleListInvoices)
		})
	})
	return r
}

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.catalog.PublicPlans()
	sort.Slice(plans, func(i, j int) bool {
		return plans[i].MonthlyPrice.Amount < plans[j].MonthlyPrice.Amount
	})

	out := make([]planResponse, 0, len(plans))
	for _, plan := range plans {
		out = append(out, toPlanResponse(plan))
	}
	respond(w, http.StatusOK, out)
}

type checkoutRequest struct {
	PlanID     string `json:"plan_id"`
	Interval   string `json:"interval"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validator.Apply(
		validator.Required("plan_id", req.PlanID),
		validator.InListString("interval", req.Interval, intervals()),
		validator.ValidURL("success_url", req.SuccessURL),
		validator.ValidURL("cancel_url", req.CancelURL),
	); err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	orgID, _ := OrganizationID(r.Context())
	session, err := h.lifecycle.StartCheckout(r.Context(), lifecycle.CheckoutParams{
		OrganizationID: orgID,
		Email:          req.Email,
		Name:           req.Name,
		PlanID:         req.PlanID,
		Interval:       billing.BillingInterval(req.Interval),
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}
	respond(w, http.StatusOK, checkoutResponse{SessionID: session.ID, URL: session.URL})
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

func (h *Handler) handlePortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validator.Apply(validator.ValidURL("return_url", req.ReturnURL)); err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	orgID, _ := OrganizationID(r.Context())
	url, err := h.lifecycle.PortalURL(r.Context(), orgID, req.ReturnURL)
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}
	respond(w, http.StatusOK, portalResponse{URL: url})
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.currentSubscription(r.Context())
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}
	respond(w, http.StatusOK, toSubscriptionResponse(sub))
}

type changePlanRequest struct {
	PlanID   string `json:"plan_id"`
	Interval string `json:"interval"`
	Reason   string `json:"reason"`
}

func (h *Handler) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validator.Apply(
		validator.Required("plan_id", req.PlanID),
		validator.InListString("interval", req.Interval, intervals()),
	); err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	sub, err := h.currentSubscription(r.Context())
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	err = h.lifecycle.ChangePlan(r.Context(), lifecycle.ChangePlanParams{
		SubscriptionID: sub.ID,
		PlanID:         req.PlanID,
		Interval:       billing.BillingInterval(req.Interval),
		Initiator:      billing.InitiatorCustomer,
		Reason:         req.Reason,
	})
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	h.respondSubscription(w, r, sub.ID)
}

type cancelRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.currentSubscription(r.Context())
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	err = h.lifecycle.Cancel(r.Context(), lifecycle.CancelParams{
		SubscriptionID: sub.ID,
		Immediate:      req.Immediate,
		Initiator:      billing.InitiatorCustomer,
		Reason:         req.Reason,
	})
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	h.respondSubscription(w, r, sub.ID)
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.currentSubscription(r.Context())
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	if err := h.lifecycle.Reactivate(r.Context(), sub.ID, billing.InitiatorCustomer); err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	h.respondSubscription(w, r, sub.ID)
}

func (h *Handler) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	sub, err := h.currentSubscription(r.Context())
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	totals, err := h.ledger.CurrentPeriodUsage(r.Context(), sub.ID)
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}
	respond(w, http.StatusOK, usageResponse{
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Usage:       totals,
	})
}

type reportUsageRequest struct {
	Type       string     `json:"type"`
	Quantity   float64    `json:"quantity"`
	OccurredAt *time.Time `json:"occurred_at"`
}

func (h *Handler) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	var req reportUsageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validator.Apply(
		validator.Required("type", req.Type),
		validator.InListString("type", req.Type, usageTypes()),
		validator.NonNegative("quantity", req.Quantity),
	); err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	sub, err := h.currentSubscription(r.Context())
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	params := usage.ReportParams{
		SubscriptionID: sub.ID,
		Type:           billing.UsageType(req.Type),
		Quantity:       req.Quantity,
	}
	if req.OccurredAt != nil {
		params.OccurredAt = *req.OccurredAt
	}
	if err := h.ledger.Report(r.Context(), params); err != nil {
		respondMapped(w, h.log, r, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]bool{"recorded": true})
}

func (h *Handler) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	sub, err := h.currentSubscription(r.Context())
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	statuses, err := h.ledger.CheckLimits(r.Context(), sub.ID)
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}
	respond(w, http.StatusOK, statuses)
}

func (h *Handler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	orgID, _ := OrganizationID(r.Context())
	customer, err := h.store.GetCustomerByOrg(r.Context(), orgID)
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	invoices, err := h.store.ListInvoices(r.Context(), customer.ID, 50)
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}

	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoiceResponse(inv))
	}
	respond(w, http.StatusOK, out)
}

// currentSubscription resolves the request's organization to its live
// subscription.
func (h *Handler) currentSubscription(ctx context.Context) (*billing.Subscription, error) {
	orgID, _ := OrganizationID(ctx)
	customer, err := h.store.GetCustomerByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return h.store.CurrentSubscription(ctx, customer.ID)
}

// respondSubscription re-reads the subscription by ID so the response
// reflects the mutation even when it moved the row to a terminal status.
func (h *Handler) respondSubscription(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondMapped(w, h.log, r, err)
		return
	}
	respond(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "malformed_request", "request body is not valid JSON", nil)
		return false
	}
	return true
}

func intervals() []string {
	return []string{string(billing.IntervalMonthly), string(billing.IntervalAnnual)}
}

func usageTypes() []string {
	return []string{
		string(billing.UsageStorage),
		string(billing.UsageAPICall),
		string(billing.UsageDocumentProcessed),
	}
}
