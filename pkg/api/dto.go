package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/docuplane/billing/pkg/billing"
)

type planResponse struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Description  string                     `json:"description,omitempty"`
	MonthlyPrice billing.Money              `json:"monthly_price"`
	AnnualPrice  billing.Money              `json:"annual_price"`
	Limits       map[billing.Resource]int64 `json:"limits,omitempty"`
	TrialDays    int                        `json:"trial_days,omitempty"`
	Metered      bool                       `json:"metered"`
}

func toPlanResponse(plan billing.PricingPlan) planResponse {
	return planResponse{
		ID:           plan.ID,
		Name:         plan.Name,
		Description:  plan.Description,
		MonthlyPrice: plan.MonthlyPrice,
		AnnualPrice:  plan.AnnualPrice,
		Limits:       plan.Limits,
		TrialDays:    plan.TrialDays,
		Metered:      plan.Metered,
	}
}

type subscriptionResponse struct {
	ID                 uuid.UUID  `json:"id"`
	PlanID             string     `json:"plan_id"`
	Status             string     `json:"status"`
	Interval           string     `json:"interval"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	Metered            bool       `json:"metered"`
}

func toSubscriptionResponse(sub *billing.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                 sub.ID,
		PlanID:             sub.PlanID,
		Status:             string(sub.Status),
		Interval:           string(sub.Interval),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialEnd:           sub.TrialEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		Metered:            sub.Metered,
	}
}

type invoiceResponse struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	Currency      string     `json:"currency"`
	Total         int64      `json:"total"`
	AmountPaid    int64      `json:"amount_paid"`
	AmountDue     int64      `json:"amount_due"`
	PeriodStart   time.Time  `json:"period_start"`
	PeriodEnd     time.Time  `json:"period_end"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toInvoiceResponse(inv billing.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:            inv.ID,
		Status:        string(inv.Status),
		Currency:      inv.Currency,
		Total:         inv.Total,
		AmountPaid:    inv.AmountPaid,
		AmountDue:     inv.AmountDue,
		PeriodStart:   inv.PeriodStart,
		PeriodEnd:     inv.PeriodEnd,
		AttemptCount:  inv.AttemptCount,
		NextAttemptAt: inv.NextAttemptAt,
		PaidAt:        inv.PaidAt,
		CreatedAt:     inv.CreatedAt,
	}
}

type usageResponse struct {
	PeriodStart time.Time                     `json:"period_start"`
	PeriodEnd   time.Time                     `json:"period_end"`
	Usage       map[billing.UsageType]float64 `json:"usage"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type portalResponse struct {
	URL string `json:"url"`
}
