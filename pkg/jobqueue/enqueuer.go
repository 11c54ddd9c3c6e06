package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnqueueRepository defines the storage operations the enqueuer needs.
type EnqueueRepository interface {
	// CreateJob stores a new pending job. When the job carries a non-empty
	// Key, any existing pending job with the same key is replaced.
	CreateJob(ctx context.Context, job *Job) error

	// CancelByKey cancels the pending job with the given dedup key, if any.
	CancelByKey(ctx context.Context, key string) error

	// CancelByGroup cancels all pending jobs sharing the group key.
	CancelByGroup(ctx context.Context, groupKey string) error
}

// Enqueuer schedules jobs for later execution.
type Enqueuer struct {
	repo EnqueueRepository
}

// NewEnqueuer creates an Enqueuer backed by the given storage.
func NewEnqueuer(repo EnqueueRepository) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrStorageNil
	}
	return &Enqueuer{repo: repo}, nil
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	kind        string
	key         string
	groupKey    string
	runAt       *time.Time
	delay       time.Duration
	maxAttempts int
}

// WithKind overrides the job kind derived from the payload type.
func WithKind(kind string) EnqueueOption {
	return func(o *enqueueOptions) {
		if kind != "" {
			o.kind = kind
		}
	}
}

// WithKey sets the dedup key. Enqueueing a second job with the same key
// replaces the first while it is still pending.
func WithKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.key = key
	}
}

// WithGroupKey sets the group key used for bulk cancellation.
func WithGroupKey(groupKey string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.groupKey = groupKey
	}
}

// WithRunAt sets the exact time the job becomes eligible to run.
func WithRunAt(runAt time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.runAt = &runAt
	}
}

// WithDelay schedules the job after the given duration. Ignored when
// WithRunAt is also set.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if delay > 0 {
			o.delay = delay
		}
	}
}

// WithMaxAttempts caps execution attempts before the job fails permanently.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// Enqueue schedules a job carrying the JSON-encoded payload. The job kind
// defaults to the payload's type name, which is also what NewJobHandler
// registers under.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) error {
	if payload == nil {
		return ErrPayloadNil
	}

	options := &enqueueOptions{maxAttempts: 3}
	for _, opt := range opts {
		opt(options)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload of type %T: %w", payload, err)
	}

	kind := options.kind
	if kind == "" {
		kind = payloadKind(payload)
	}

	now := time.Now().UTC()
	runAt := now
	if options.runAt != nil {
		runAt = options.runAt.UTC()
	} else if options.delay > 0 {
		runAt = now.Add(options.delay)
	}

	job := &Job{
		ID:          uuid.New(),
		Kind:        kind,
		Key:         options.key,
		GroupKey:    options.groupKey,
		Payload:     data,
		Status:      JobStatusPending,
		MaxAttempts: options.maxAttempts,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.repo.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue %q job: %w", kind, err)
	}
	return nil
}

// Cancel removes the pending job with the given dedup key.
func (e *Enqueuer) Cancel(ctx context.Context, key string) error {
	return e.repo.CancelByKey(ctx, key)
}

// CancelGroup removes all pending jobs sharing the group key.
func (e *Enqueuer) CancelGroup(ctx context.Context, groupKey string) error {
	return e.repo.CancelByGroup(ctx, groupKey)
}

func payloadKind(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}
