package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuplane/billing/pkg/billing"
)

func seedStoreCustomer(t *testing.T, store *billing.MemoryStore) *billing.Customer {
	t.Helper()

	customer := &billing.Customer{
		ID:                  uuid.New(),
		OrganizationID:      uuid.New(),
		ProcessorCustomerID: "cus_" + uuid.NewString()[:8],
		Email:               "owner@example.com",
	}
	require.NoError(t, store.SaveCustomer(context.Background(), customer))
	return customer
}

func newSubscription(customer *billing.Customer, status billing.SubscriptionStatus) *billing.Subscription {
	now := time.Now().UTC()
	return &billing.Subscription{
		ID:                 uuid.New(),
		CustomerID:         customer.ID,
		OrganizationID:     customer.OrganizationID,
		PlanID:             "starter",
		ProcessorSubID:     "sub_" + uuid.NewString()[:8],
		Status:             status,
		Interval:           billing.IntervalMonthly,
		CurrentPeriodStart: now.Add(-24 * time.Hour),
		CurrentPeriodEnd:   now.Add(29 * 24 * time.Hour),
	}
}

func TestInsertSubscriptionSingleLive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("second live subscription is rejected", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		customer := seedStoreCustomer(t, store)

		require.NoError(t, store.InsertSubscription(ctx, newSubscription(customer, billing.StatusActive)))

		err := store.InsertSubscription(ctx, newSubscription(customer, billing.StatusTrialing))
		require.Error(t, err)
		assert.ErrorIs(t, err, billing.ErrDuplicateSubscription)
	})

	t.Run("past_due still counts as live", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		customer := seedStoreCustomer(t, store)

		require.NoError(t, store.InsertSubscription(ctx, newSubscription(customer, billing.StatusPastDue)))

		err := store.InsertSubscription(ctx, newSubscription(customer, billing.StatusActive))
		assert.ErrorIs(t, err, billing.ErrDuplicateSubscription)
	})

	t.Run("terminal history does not block a new subscription", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		customer := seedStoreCustomer(t, store)

		require.NoError(t, store.InsertSubscription(ctx, newSubscription(customer, billing.StatusCanceled)))
		require.NoError(t, store.InsertSubscription(ctx, newSubscription(customer, billing.StatusUnpaid)))
		require.NoError(t, store.InsertSubscription(ctx, newSubscription(customer, billing.StatusActive)))
	})

	t.Run("other customers are unaffected", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		first := seedStoreCustomer(t, store)
		second := seedStoreCustomer(t, store)

		require.NoError(t, store.InsertSubscription(ctx, newSubscription(first, billing.StatusActive)))
		require.NoError(t, store.InsertSubscription(ctx, newSubscription(second, billing.StatusActive)))
	})

	t.Run("insert seeds the version counter", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		customer := seedStoreCustomer(t, store)
		sub := newSubscription(customer, billing.StatusActive)

		require.NoError(t, store.InsertSubscription(ctx, sub))
		assert.Equal(t, int64(1), sub.Version)
	})
}

func TestUpdateSubscriptionVersionCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("matching version succeeds and increments", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		customer := seedStoreCustomer(t, store)
		sub := newSubscription(customer, billing.StatusActive)
		require.NoError(t, store.InsertSubscription(ctx, sub))

		sub.PlanID = "pro"
		require.NoError(t, store.UpdateSubscription(ctx, sub))
		assert.Equal(t, int64(2), sub.Version)

		stored, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, "pro", stored.PlanID)
		assert.Equal(t, int64(2), stored.Version)
	})

	t.Run("stale copy loses to a concurrent writer", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		customer := seedStoreCustomer(t, store)
		sub := newSubscription(customer, billing.StatusActive)
		require.NoError(t, store.InsertSubscription(ctx, sub))

		stale, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)

		// Winner bumps the version first.
		sub.Status = billing.StatusPastDue
		require.NoError(t, store.UpdateSubscription(ctx, sub))

		stale.CancelAtPeriodEnd = true
		err = store.UpdateSubscription(ctx, stale)
		require.Error(t, err)
		assert.ErrorIs(t, err, billing.ErrVersionConflict)

		// The winner's write is intact.
		stored, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, stored.Status)
		assert.False(t, stored.CancelAtPeriodEnd)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		customer := seedStoreCustomer(t, store)

		err := store.UpdateSubscription(ctx, newSubscription(customer, billing.StatusActive))
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}
