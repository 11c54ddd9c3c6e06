package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSchedule = "15 0 * * *" // daily at 00:15 UTC

// Runner schedules periodic re-aggregation of the current month. The daily
// run overwrites the month's summary row, so the metrics converge as the
// month fills in.
type Runner struct {
	agg      *Aggregator
	cron     *cron.Cron
	log      *slog.Logger
	schedule string
	timeout  time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSchedule overrides the cron schedule for the aggregation job.
func WithSchedule(spec string) RunnerOption {
	return func(r *Runner) {
		if spec != "" {
			r.schedule = spec
		}
	}
}

// WithRunTimeout bounds a single aggregation run.
func WithRunTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRunner creates a cron-driven aggregation runner. Panics on a nil
// aggregator to fail fast during initialization.
func NewRunner(agg *Aggregator, opts ...RunnerOption) *Runner {
	if agg == nil {
		panic("analytics: Aggregator is required")
	}

	r := &Runner{
		agg:      agg,
		cron:     cron.New(),
		log:      slog.Default(),
		schedule: defaultSchedule,
		timeout:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the aggregation job and starts the scheduler.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.runOnce); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("analytics aggregation scheduled", slog.String("schedule", r.schedule))
	return nil
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Runner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.agg.AggregateCurrentMonth(ctx); err != nil {
		r.log.ErrorContext(ctx, "scheduled aggregation failed", slog.Any("error", err))
	}
}
