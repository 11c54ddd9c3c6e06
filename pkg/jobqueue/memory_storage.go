package jobqueue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage is an in-memory queue backend for tests and local
// development. It implements EnqueueRepository and WorkerRepository.
type MemoryStorage struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job

	reaper *time.Ticker
	done   chan struct{}
}

// NewMemoryStorage creates an in-memory storage. Close releases its
// background lease reaper.
func NewMemoryStorage() *MemoryStorage {
	ms := &MemoryStorage{
		jobs: make(map[uuid.UUID]*Job),
		done: make(chan struct{}),
	}
	ms.reaper = time.NewTicker(time.Second)
	go ms.reapExpiredLeases()
	return ms
}

// Close stops the background lease reaper.
func (ms *MemoryStorage) Close() error {
	close(ms.done)
	ms.reaper.Stop()
	return nil
}

func (ms *MemoryStorage) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	// One pending job per key: a reschedule replaces the old one.
	if job.Key != "" {
		for _, existing := range ms.jobs {
			if existing.Key == job.Key && existing.Status == JobStatusPending {
				existing.Status = JobStatusCanceled
				existing.UpdatedAt = time.Now().UTC()
			}
		}
	}

	cp := *job
	ms.jobs[job.ID] = &cp
	return nil
}

func (ms *MemoryStorage) CancelByKey(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, job := range ms.jobs {
		if job.Key == key && job.Status == JobStatusPending {
			job.Status = JobStatusCanceled
			job.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (ms *MemoryStorage) CancelByGroup(ctx context.Context, groupKey string) error {
	if groupKey == "" {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, job := range ms.jobs {
		if job.GroupKey == groupKey && job.Status == JobStatusPending {
			job.Status = JobStatusCanceled
			job.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (ms *MemoryStorage) ClaimJob(ctx context.Context, workerID uuid.UUID, lease time.Duration) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now().UTC()
	var best *Job
	for _, job := range ms.jobs {
		if job.Status != JobStatusPending || job.RunAt.After(now) {
			continue
		}
		// Earliest due job first.
		if best == nil || job.RunAt.Before(best.RunAt) {
			best = job
		}
	}
	if best == nil {
		return nil, ErrNoJobToClaim
	}

	lockedUntil := now.Add(lease)
	best.Status = JobStatusRunning
	best.LockedUntil = &lockedUntil
	best.LockedBy = &workerID
	best.UpdatedAt = now

	cp := *best
	return &cp, nil
}

func (ms *MemoryStorage) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, ok := ms.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != JobStatusRunning {
		return ErrJobNotRunning
	}

	job.Status = JobStatusDone
	job.Attempts++
	job.LockedUntil = nil
	job.LockedBy = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (ms *MemoryStorage) FailJob(ctx context.Context, jobID uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, ok := ms.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != JobStatusRunning {
		return ErrJobNotRunning
	}

	now := time.Now().UTC()
	job.Attempts++
	job.LastError = errorMsg
	job.LockedUntil = nil
	job.LockedBy = nil
	job.UpdatedAt = now

	if job.Attempts >= job.MaxAttempts {
		job.Status = JobStatusFailed
		return nil
	}

	// Linear backoff keeps persistent failures from hammering the handler.
	job.Status = JobStatusPending
	job.RunAt = now.Add(time.Duration(job.Attempts) * 30 * time.Second)
	return nil
}

func (ms *MemoryStorage) ExtendLease(ctx context.Context, jobID uuid.UUID, lease time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, ok := ms.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != JobStatusRunning {
		return ErrJobNotRunning
	}

	lockedUntil := time.Now().UTC().Add(lease)
	job.LockedUntil = &lockedUntil
	return nil
}

// PendingJobs returns copies of all pending jobs, earliest due first. Test
// and inspection helper.
func (ms *MemoryStorage) PendingJobs() []Job {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []Job
	for _, job := range ms.jobs {
		if job.Status == JobStatusPending {
			out = append(out, *job)
		}
	}
	slices.SortFunc(out, func(a, b Job) int { return a.RunAt.Compare(b.RunAt) })
	return out
}

// reapExpiredLeases returns jobs whose worker died mid-flight to pending.
func (ms *MemoryStorage) reapExpiredLeases() {
	for {
		select {
		case <-ms.reaper.C:
			ms.mu.Lock()
			now := time.Now().UTC()
			for _, job := range ms.jobs {
				if job.Status == JobStatusRunning && job.LockedUntil != nil && job.LockedUntil.Before(now) {
					job.Status = JobStatusPending
					job.LockedUntil = nil
					job.LockedBy = nil
					job.UpdatedAt = now
				}
			}
			ms.mu.Unlock()
		case <-ms.done:
			return
		}
	}
}
