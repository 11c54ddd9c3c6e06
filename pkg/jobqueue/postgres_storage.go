package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage is the production queue backend. It relies on
// FOR UPDATE SKIP LOCKED so multiple workers can claim concurrently without
// contention, and on the jobs table schema from the migrations.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a Postgres-backed queue storage.
func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	if pool == nil {
		panic("jobqueue: pgx pool is required")
	}
	return &PostgresStorage{pool: pool}
}

func (s *PostgresStorage) CreateJob(ctx context.Context, job *Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if job.Key != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'canceled', updated_at = now()
			WHERE key = $1 AND status = 'pending'`, job.Key); err != nil {
			return fmt.Errorf("failed to replace pending job for key %s: %w", job.Key, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, key, group_key, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Kind, job.Key, job.GroupKey, job.Payload, job.Status,
		job.Attempts, job.MaxAttempts, job.RunAt, job.CreatedAt, job.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job insert: %w", err)
	}
	return nil
}

func (s *PostgresStorage) CancelByKey(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'canceled', updated_at = now()
		WHERE key = $1 AND status = 'pending'`, key); err != nil {
		return fmt.Errorf("failed to cancel jobs for key %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStorage) CancelByGroup(ctx context.Context, groupKey string) error {
	if groupKey == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'canceled', updated_at = now()
		WHERE group_key = $1 AND status = 'pending'`, groupKey); err != nil {
		return fmt.Errorf("failed to cancel jobs for group %s: %w", groupKey, err)
	}
	return nil
}

func (s *PostgresStorage) ClaimJob(ctx context.Context, workerID uuid.UUID, lease time.Duration) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = 'running',
			locked_until = now() + $2,
			locked_by = $1,
			updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_at <= now()
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, key, group_key, payload, status, attempts, max_attempts,
			run_at, locked_until, locked_by, last_error, created_at, updated_at`,
		workerID, lease)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobToClaim
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStorage) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'done',
			attempts = attempts + 1,
			locked_until = NULL,
			locked_by = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'running'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotRunning
	}
	return nil
}

func (s *PostgresStorage) FailJob(ctx context.Context, jobID uuid.UUID, errorMsg string) error {
	// Attempts with headroom go back to pending with a linear backoff;
	// exhausted ones fail permanently.
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			attempts = attempts + 1,
			last_error = $2,
			locked_until = NULL,
			locked_by = NULL,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			run_at = CASE WHEN attempts + 1 >= max_attempts THEN run_at
				ELSE now() + make_interval(secs => (attempts + 1) * 30) END,
			updated_at = now()
		WHERE id = $1 AND status = 'running'`, jobID, errorMsg)
	if err != nil {
		return fmt.Errorf("failed to record job %s failure: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotRunning
	}
	return nil
}

func (s *PostgresStorage) ExtendLease(ctx context.Context, jobID uuid.UUID, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET locked_until = now() + $2, updated_at = now()
		WHERE id = $1 AND status = 'running'`, jobID, lease)
	if err != nil {
		return fmt.Errorf("failed to extend lease for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotRunning
	}
	return nil
}

// ReapExpiredLeases returns running jobs whose lease expired to pending.
// Intended to be called periodically, e.g. from a cron entry.
func (s *PostgresStorage) ReapExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'pending',
			locked_until = NULL,
			locked_by = NULL,
			updated_at = now()
		WHERE status = 'running' AND locked_until < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	err := row.Scan(&job.ID, &job.Kind, &job.Key, &job.GroupKey, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.RunAt, &job.LockedUntil, &job.LockedBy,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
