// Package async provides panic-safe goroutines and a bounded worker pool.
//
// SafeGo runs a background task with panic recovery and logs any error it
// returns. The balance notifier uses it for long-lived subscriptions:
//
//	async.SafeGo(ctx, log, 0, "balance subscription", func(ctx context.Context) error {
//		return consume(ctx, sub)
//	})
//
// WorkerPool and Batch fan work out over a fixed number of workers with a
// per-task timeout. The reconciler uses Batch to re-derive projections for
// every account:
//
//	errs := async.Batch(ctx, log, ids, 4, "reconcile", 30*time.Second, func(ctx context.Context, id string) error {
//		_, err := manager.EnsureConsistency(ctx, id)
//		return err
//	})
package async
