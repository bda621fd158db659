// Package ledger is the canonical prepaid credit balance of every account.
//
// Commit and Refund each map to one atomic storage primitive, so concurrent
// commits can never drive the available balance below zero. CanAfford is a
// read-only check and reserves nothing; the gap between CanAfford and Commit
// is accepted, and a Commit that loses the race fails cleanly with
// *InsufficientCreditsError.
//
// Every attempt is appended to the mutation log, including denied commits.
// Successful changes are pushed to subscribers through a Notifier: the
// LocalNotifier for single-instance deployments, or the RedisNotifier which
// fans events out over pub/sub.
package ledger
