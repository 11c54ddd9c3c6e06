package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/docuplane/billing/pkg/logger"
)

// WorkerRepository defines the storage operations a worker needs.
type WorkerRepository interface {
	// ClaimJob atomically claims the next due pending job, moving it to
	// running with a lock lease. Returns ErrNoJobToClaim when the queue has
	// nothing due.
	ClaimJob(ctx context.Context, workerID uuid.UUID, lease time.Duration) (*Job, error)

	// CompleteJob marks a running job done.
	CompleteJob(ctx context.Context, jobID uuid.UUID) error

	// FailJob records a failed attempt. Jobs with attempts remaining return
	// to pending with a backoff; exhausted jobs become failed.
	FailJob(ctx context.Context, jobID uuid.UUID, errorMsg string) error

	// ExtendLease extends the lock lease for a long-running job.
	ExtendLease(ctx context.Context, jobID uuid.UUID, lease time.Duration) error
}

// Worker polls storage and dispatches claimed jobs to registered handlers.
type Worker struct {
	repo     WorkerRepository
	handlers map[string]Handler
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopMu   sync.Mutex

	pollInterval time.Duration
	lease        time.Duration
	log          *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	pollInterval time.Duration
	lease        time.Duration
	concurrency  int
	log          *slog.Logger
}

// WithPollInterval sets how often the worker checks for due jobs.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLease sets the lock lease claimed jobs are held under.
func WithLease(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithConcurrency sets the maximum number of jobs processed at once.
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// NewWorker creates a job worker.
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrStorageNil
	}

	options := &workerOptions{
		pollInterval: 5 * time.Second,
		lease:        5 * time.Minute,
		concurrency:  1,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		repo:         repo,
		handlers:     make(map[string]Handler),
		workerID:     uuid.New(),
		sem:          make(chan struct{}, options.concurrency),
		pollInterval: options.pollInterval,
		lease:        options.lease,
		log:          options.log,
	}, nil
}

// RegisterHandler registers a handler for its job kind. A later registration
// for the same kind replaces the earlier one.
func (w *Worker) RegisterHandler(handlers ...Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		w.handlers[h.Kind()] = h
	}
	return nil
}

// Start begins polling in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.stopping.Store(false)
	go w.run()

	w.log.Info("job worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Int("concurrency", cap(w.sem)))
	return nil
}

// Stop cancels polling and waits for in-flight jobs to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("worker not started")
	}

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.log.Info("job worker stopped", slog.String("worker_id", w.workerID.String()))
	return nil
}

// Run returns a function suitable for errgroup.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				// Do not add to the WaitGroup once Stop has begun waiting.
				w.stopMu.Lock()
				if w.stopping.Load() {
					w.stopMu.Unlock()
					<-w.sem
					return
				}
				w.wg.Add(1)
				w.stopMu.Unlock()

				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()

					if err := w.pullAndProcess(); err != nil && !errors.Is(err, ErrHandlerNotFound) {
						w.log.Error("failed to process job",
							slog.String("worker_id", w.workerID.String()),
							logger.Error(err))
					}
				}()
			default:
				// All slots busy; skip this tick.
			}
		}
	}
}

func (w *Worker) pullAndProcess() error {
	job, err := w.repo.ClaimJob(w.ctx, w.workerID, w.lease)
	if err != nil {
		if errors.Is(err, ErrNoJobToClaim) {
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}
	return w.processJob(job)
}

func (w *Worker) processJob(job *Job) (retErr error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.log.Error("job handler panicked",
				slog.String("job_id", job.ID.String()),
				slog.String("kind", job.Kind),
				slog.Any("panic", r))
			_ = w.repo.FailJob(w.ctx, job.ID, retErr.Error())
		}
	}()

	w.mu.RLock()
	handler, ok := w.handlers[job.Kind]
	w.mu.RUnlock()
	if !ok {
		// Retrying cannot help a job nobody handles; fail it immediately so
		// operators can requeue after deploying the handler.
		if err := w.repo.FailJob(w.ctx, job.ID, "no handler registered for kind: "+job.Kind); err != nil {
			return fmt.Errorf("failed to fail unhandled job %s: %w", job.ID, err)
		}
		return ErrHandlerNotFound
	}

	// Detached from the worker context so graceful shutdown lets in-flight
	// jobs finish.
	ctx, cancel := context.WithTimeout(context.Background(), w.lease)
	defer cancel()

	err := handler.Handle(ctx, job.Payload)
	duration := time.Since(start)

	if err != nil {
		w.log.Error("job failed",
			slog.String("job_id", job.ID.String()),
			slog.String("kind", job.Kind),
			slog.Int("attempts", job.Attempts+1),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Duration("duration", duration),
			logger.Error(err))
		if failErr := w.repo.FailJob(w.ctx, job.ID, err.Error()); failErr != nil {
			return fmt.Errorf("failed to record job %s failure: %w", job.ID, failErr)
		}
		return nil
	}

	if err := w.repo.CompleteJob(w.ctx, job.ID); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	w.log.Info("job completed",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.Duration("duration", duration))
	return nil
}

// ExtendLease extends the lock lease of a claimed job.
func (w *Worker) ExtendLease(ctx context.Context, jobID uuid.UUID, lease time.Duration) error {
	return w.repo.ExtendLease(ctx, jobID, lease)
}
