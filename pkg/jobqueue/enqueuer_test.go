package jobqueue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuplane/billing/pkg/jobqueue"
)

type testPayload struct {
	Value string `json:"value"`
}

func TestNewEnqueuer(t *testing.T) {
	t.Parallel()

	_, err := jobqueue.NewEnqueuer(nil)
	require.ErrorIs(t, err, jobqueue.ErrStorageNil)
}

func TestEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects nil payload", func(t *testing.T) {
		t.Parallel()

		storage := jobqueue.NewMemoryStorage()
		defer storage.Close()
		enq, err := jobqueue.NewEnqueuer(storage)
		require.NoError(t, err)

		require.ErrorIs(t, enq.Enqueue(ctx, nil), jobqueue.ErrPayloadNil)
	})

	t.Run("derives kind from payload type", func(t *testing.T) {
		t.Parallel()

		storage := jobqueue.NewMemoryStorage()
		defer storage.Close()
		enq, err := jobqueue.NewEnqueuer(storage)
		require.NoError(t, err)

		require.NoError(t, enq.Enqueue(ctx, testPayload{Value: "hello"}))

		pending := storage.PendingJobs()
		require.Len(t, pending, 1)
		assert.Equal(t, "jobqueue_test.testPayload", pending[0].Kind)
		assert.Equal(t, 3, pending[0].MaxAttempts)

		var decoded testPayload
		require.NoError(t, json.Unmarshal(pending[0].Payload, &decoded))
		assert.Equal(t, "hello", decoded.Value)
	})

	t.Run("applies scheduling options", func(t *testing.T) {
		t.Parallel()

		storage := jobqueue.NewMemoryStorage()
		defer storage.Close()
		enq, err := jobqueue.NewEnqueuer(storage)
		require.NoError(t, err)

		runAt := time.Now().Add(72 * time.Hour).UTC()
		require.NoError(t, enq.Enqueue(ctx, testPayload{},
			jobqueue.WithKind("payment.retry"),
			jobqueue.WithKey("invoice:1"),
			jobqueue.WithGroupKey("sub:1"),
			jobqueue.WithRunAt(runAt),
			jobqueue.WithMaxAttempts(1)))

		pending := storage.PendingJobs()
		require.Len(t, pending, 1)
		assert.Equal(t, "payment.retry", pending[0].Kind)
		assert.Equal(t, "invoice:1", pending[0].Key)
		assert.Equal(t, "sub:1", pending[0].GroupKey)
		assert.Equal(t, runAt, pending[0].RunAt)
		assert.Equal(t, 1, pending[0].MaxAttempts)
	})

	t.Run("same key replaces pending job", func(t *testing.T) {
		t.Parallel()

		storage := jobqueue.NewMemoryStorage()
		defer storage.Close()
		enq, err := jobqueue.NewEnqueuer(storage)
		require.NoError(t, err)

		require.NoError(t, enq.Enqueue(ctx, testPayload{Value: "first"}, jobqueue.WithKey("invoice:1")))
		require.NoError(t, enq.Enqueue(ctx, testPayload{Value: "second"}, jobqueue.WithKey("invoice:1")))

		pending := storage.PendingJobs()
		require.Len(t, pending, 1)

		var decoded testPayload
		require.NoError(t, json.Unmarshal(pending[0].Payload, &decoded))
		assert.Equal(t, "second", decoded.Value)
	})

	t.Run("delay offsets run time", func(t *testing.T) {
		t.Parallel()

		storage := jobqueue.NewMemoryStorage()
		defer storage.Close()
		enq, err := jobqueue.NewEnqueuer(storage)
		require.NoError(t, err)

		before := time.Now().UTC()
		require.NoError(t, enq.Enqueue(ctx, testPayload{}, jobqueue.WithDelay(time.Hour)))

		pending := storage.PendingJobs()
		require.Len(t, pending, 1)
		assert.False(t, pending[0].RunAt.Before(before.Add(time.Hour)))
	})
}

func TestEnqueuer_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := jobqueue.NewMemoryStorage()
	defer storage.Close()
	enq, err := jobqueue.NewEnqueuer(storage)
	require.NoError(t, err)

	require.NoError(t, enq.Enqueue(ctx, testPayload{}, jobqueue.WithKey("invoice:1"), jobqueue.WithGroupKey("sub:1")))
	require.NoError(t, enq.Enqueue(ctx, testPayload{}, jobqueue.WithKey("invoice:2"), jobqueue.WithGroupKey("sub:1")))

	require.NoError(t, enq.Cancel(ctx, "invoice:1"))
	require.Len(t, storage.PendingJobs(), 1)

	require.NoError(t, enq.CancelGroup(ctx, "sub:1"))
	assert.Empty(t, storage.PendingJobs())
}
