// Package jobqueue provides a delayed job queue with at-least-once delivery.
//
// Jobs carry a run-at time and an optional dedup key. Enqueueing with a key
// replaces any pending job for that key, so schedulers can reschedule work
// without stacking duplicates. Workers claim jobs atomically with a lock
// lease; jobs whose lease expires (worker crash) return to pending and get
// picked up again.
//
// Two storage backends are provided: MemoryStorage for tests and local
// development, and PostgresStorage for production. Both implement the
// EnqueueRepository and WorkerRepository interfaces.
//
// Usage:
//
//	storage := jobqueue.NewMemoryStorage()
//	enq, _ := jobqueue.NewEnqueuer(storage)
//	_ = enq.Enqueue(ctx, retryPayment{InvoiceID: id},
//		jobqueue.WithKey("invoice:"+id.String()),
//		jobqueue.WithRunAt(time.Now().Add(3*24*time.Hour)))
//
//	worker, _ := jobqueue.NewWorker(storage)
//	_ = worker.RegisterHandler(jobqueue.NewJobHandler(func(ctx context.Context, p retryPayment) error {
//		return retry(ctx, p.InvoiceID)
//	}))
//	_ = worker.Start(ctx)
//	defer worker.Stop()
package jobqueue
