package lifecycle

import "errors"

var (
	// ErrSubscriptionTerminal is returned for operations on a canceled or
	// unpaid subscription.
	ErrSubscriptionTerminal = errors.New("subscription is in a terminal state")

	// ErrSamePlan is returned when a plan change targets the subscription's
	// current plan and interval.
	ErrSamePlan = errors.New("subscription is already on the requested plan")

	// ErrNotPendingCancellation is returned when reactivating a subscription
	// that is not scheduled to cancel.
	ErrNotPendingCancellation = errors.New("subscription is not pending cancellation")

	// ErrAlreadySubscribed is returned when a signup is attempted for a
	// customer that already has a live subscription.
	ErrAlreadySubscribed = errors.New("customer already has an active subscription")

	// ErrPlanNotPurchasable is returned when signup targets a non-public plan.
	ErrPlanNotPurchasable = errors.New("plan is not available for purchase")
)
