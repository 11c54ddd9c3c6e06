package billing

import "errors"

var (
	ErrCustomerNotFound     = errors.New("billing customer not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrPlanNotFound         = errors.New("pricing plan not found")

	// ErrVersionConflict is returned by conditional subscription updates when
	// the row was modified since it was read. Callers re-read and retry.
	ErrVersionConflict = errors.New("subscription modified concurrently")

	// ErrDuplicateSubscription is returned when inserting a non-terminal
	// subscription for a customer that already has one.
	ErrDuplicateSubscription = errors.New("customer already has an active subscription")

	ErrSummaryNotFound = errors.New("revenue summary not found")

	ErrInvalidPlanConfiguration = errors.New("invalid pricing plan configuration")
	ErrFailedToLoadPlans        = errors.New("failed to load pricing plans")
)
