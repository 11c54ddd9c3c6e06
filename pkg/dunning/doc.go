// Package dunning drives payment recovery for failed invoices.
//
// Each payment failure schedules exactly one pending retry job per invoice,
// spaced by a configurable offset ladder (3, 5, then 7 days by default).
// When the ladder is exhausted the invoice is written off as uncollectible
// and the owning subscription is suspended as unpaid. A payment that lands
// while a retry is pending cancels the retry; an already-settled invoice
// makes the retry a no-op rather than a double charge.
//
// The scheduler satisfies the synchronizer's RetryScheduler hook and
// executes retries through a jobqueue worker:
//
//	sched, _ := dunning.NewScheduler(store, gw, enqueuer)
//	_ = worker.RegisterHandler(sched.Handler())
package dunning
