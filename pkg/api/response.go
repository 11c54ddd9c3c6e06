package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/gateway"
	"github.com/docuplane/billing/pkg/lifecycle"
	"github.com/docuplane/billing/pkg/usage"
	"github.com/docuplane/billing/pkg/validator"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string, fields map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &errorBody{Code: code, Message: message, Fields: fields},
	})
}

// respondMapped translates an internal error into an envelope with a
// business-meaningful code. Processor-internal messages never reach the
// client; unknown errors collapse to a generic 500 and are logged with
// full context server-side.
func respondMapped(w http.ResponseWriter, log *slog.Logger, r *http.Request, err error) {
	if validator.IsValidationError(err) {
		fields := make(map[string][]string)
		for _, ve := range validator.ExtractValidationErrors(err) {
			fields[ve.Field] = append(fields[ve.Field], ve.Message)
		}
		respondError(w, http.StatusBadRequest, "validation_failed", "request validation failed", fields)
		return
	}

	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	respondError(w, status, code, message, nil)
}

func classify(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, billing.ErrPlanNotFound):
		return http.StatusNotFound, "plan_not_found", "plan not found"
	case errors.Is(err, billing.ErrCustomerNotFound):
		return http.StatusNotFound, "customer_not_found", "no billing account for this organization"
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return http.StatusNotFound, "subscription_not_found", "no subscription for this organization"
	case errors.Is(err, billing.ErrInvoiceNotFound):
		return http.StatusNotFound, "invoice_not_found", "invoice not found"
	case errors.Is(err, lifecycle.ErrPlanNotPurchasable):
		return http.StatusBadRequest, "plan_not_available", "plan is not available for signup"
	case errors.Is(err, lifecycle.ErrAlreadySubscribed):
		return http.StatusBadRequest, "already_subscribed", "organization already has a subscription"
	case errors.Is(err, lifecycle.ErrSamePlan):
		return http.StatusBadRequest, "same_plan", "subscription is already on this plan"
	case errors.Is(err, lifecycle.ErrSubscriptionTerminal):
		return http.StatusBadRequest, "already_canceled", "subscription has already ended"
	case errors.Is(err, lifecycle.ErrNotPendingCancellation):
		return http.StatusBadRequest, "not_pending_cancellation", "subscription is not scheduled to cancel"
	case errors.Is(err, usage.ErrOutsidePeriod):
		return http.StatusBadRequest, "usage_outside_period", "usage timestamp falls outside the current billing period"
	case errors.Is(err, usage.ErrSubscriptionInactive):
		return http.StatusBadRequest, "subscription_inactive", "subscription cannot accept usage"
	case errors.Is(err, usage.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity", "quantity must be positive"
	case gateway.IsDeclined(err):
		return http.StatusBadRequest, "payment_declined", "payment method declined"
	case gateway.IsTransient(err):
		return http.StatusServiceUnavailable, "processor_unavailable", "payment processor is temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}
