package jobqueue

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Terminal reports whether the job will never run again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is a unit of deferred work.
//
// Key de-duplicates: at most one pending job exists per non-empty key, and
// enqueueing again replaces it. GroupKey groups related jobs so they can be
// canceled together.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	Kind        string     `json:"kind"`
	Key         string     `json:"key,omitempty"`
	GroupKey    string     `json:"group_key,omitempty"`
	Payload     []byte     `json:"payload,omitempty"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RunAt       time.Time  `json:"run_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LockedBy    *uuid.UUID `json:"locked_by,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
