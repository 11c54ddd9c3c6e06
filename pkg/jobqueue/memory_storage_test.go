package jobqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuplane/billing/pkg/jobqueue"
)

func newJob(key string, runAt time.Time) *jobqueue.Job {
	now := time.Now().UTC()
	return &jobqueue.Job{
		ID:          uuid.New(),
		Kind:        "test.job",
		Key:         key,
		Payload:     []byte(`{}`),
		Status:      jobqueue.JobStatusPending,
		MaxAttempts: 3,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStorage_KeyReplacement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := jobqueue.NewMemoryStorage()
	defer storage.Close()

	first := newJob("invoice:abc", time.Now().Add(time.Hour))
	second := newJob("invoice:abc", time.Now().Add(2*time.Hour))
	require.NoError(t, storage.CreateJob(ctx, first))
	require.NoError(t, storage.CreateJob(ctx, second))

	pending := storage.PendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestMemoryStorage_CancelByKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := jobqueue.NewMemoryStorage()
	defer storage.Close()

	require.NoError(t, storage.CreateJob(ctx, newJob("invoice:abc", time.Now().Add(time.Hour))))
	require.NoError(t, storage.CreateJob(ctx, newJob("invoice:def", time.Now().Add(time.Hour))))

	require.NoError(t, storage.CancelByKey(ctx, "invoice:abc"))

	pending := storage.PendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, "invoice:def", pending[0].Key)
}

func TestMemoryStorage_CancelByGroup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := jobqueue.NewMemoryStorage()
	defer storage.Close()

	a := newJob("invoice:a", time.Now().Add(time.Hour))
	a.GroupKey = "sub:1"
	b := newJob("invoice:b", time.Now().Add(time.Hour))
	b.GroupKey = "sub:1"
	c := newJob("invoice:c", time.Now().Add(time.Hour))
	c.GroupKey = "sub:2"
	for _, job := range []*jobqueue.Job{a, b, c} {
		require.NoError(t, storage.CreateJob(ctx, job))
	}

	require.NoError(t, storage.CancelByGroup(ctx, "sub:1"))

	pending := storage.PendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, "sub:2", pending[0].GroupKey)
}

func TestMemoryStorage_ClaimRespectsRunAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := jobqueue.NewMemoryStorage()
	defer storage.Close()

	require.NoError(t, storage.CreateJob(ctx, newJob("future", time.Now().Add(time.Hour))))

	_, err := storage.ClaimJob(ctx, uuid.New(), time.Minute)
	require.ErrorIs(t, err, jobqueue.ErrNoJobToClaim)

	due := newJob("due", time.Now().Add(-time.Second))
	require.NoError(t, storage.CreateJob(ctx, due))

	claimed, err := storage.ClaimJob(ctx, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, due.ID, claimed.ID)
	assert.Equal(t, jobqueue.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.LockedUntil)

	// The claimed job is no longer claimable.
	_, err = storage.ClaimJob(ctx, uuid.New(), time.Minute)
	require.ErrorIs(t, err, jobqueue.ErrNoJobToClaim)
}

func TestMemoryStorage_ClaimEarliestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := jobqueue.NewMemoryStorage()
	defer storage.Close()

	later := newJob("later", time.Now().Add(-time.Minute))
	earlier := newJob("earlier", time.Now().Add(-time.Hour))
	require.NoError(t, storage.CreateJob(ctx, later))
	require.NoError(t, storage.CreateJob(ctx, earlier))

	claimed, err := storage.ClaimJob(ctx, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, earlier.ID, claimed.ID)
}

func TestMemoryStorage_FailJobRetriesThenFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := jobqueue.NewMemoryStorage()
	defer storage.Close()

	job := newJob("retrying", time.Now().Add(-time.Second))
	job.MaxAttempts = 2
	require.NoError(t, storage.CreateJob(ctx, job))

	claimed, err := storage.ClaimJob(ctx, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, storage.FailJob(ctx, claimed.ID, "boom"))

	// First failure: back to pending with backoff.
	pending := storage.PendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "boom", pending[0].LastError)
	assert.True(t, pending[0].RunAt.After(time.Now()))

	// A single-attempt job fails permanently on its first failure.
	fresh := newJob("one-shot", time.Now().Add(-time.Second))
	fresh.MaxAttempts = 1
	require.NoError(t, storage.CreateJob(ctx, fresh))

	claimed, err = storage.ClaimJob(ctx, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, fresh.ID, claimed.ID)
	require.NoError(t, storage.FailJob(ctx, claimed.ID, "boom again"))

	pending = storage.PendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, "retrying", pending[0].Key)
}

func TestMemoryStorage_CompleteJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	storage := jobqueue.NewMemoryStorage()
	defer storage.Close()

	require.ErrorIs(t, storage.CompleteJob(ctx, uuid.New()), jobqueue.ErrJobNotFound)

	job := newJob("done", time.Now().Add(-time.Second))
	require.NoError(t, storage.CreateJob(ctx, job))

	require.ErrorIs(t, storage.CompleteJob(ctx, job.ID), jobqueue.ErrJobNotRunning)

	claimed, err := storage.ClaimJob(ctx, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, storage.CompleteJob(ctx, claimed.ID))
	assert.Empty(t, storage.PendingJobs())
}
