package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/async"
	"github.com/platinummonkey/tiermeter/pkg/subscription"
)

type accountLister interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
}

type reconciler interface {
	EnsureConsistency(ctx context.Context, accountID string) (*subscription.Result, error)
}

// sweepStats summarizes one pass over every account
type sweepStats struct {
	Accounts   int
	Reconciled int64
	Partial    int64
	Skipped    int64
	Failed     int
	Duration   time.Duration
}

// sweeper re-applies the authoritative subscription state of every account
type sweeper struct {
	accounts    accountLister
	manager     reconciler
	workers     int
	taskTimeout time.Duration
	log         *logrus.Entry
}

// Run reconciles every account once. Accounts without a subscription are
// skipped; partially consistent accounts are retried on the next sweep.
func (s *sweeper) Run(ctx context.Context) (sweepStats, error) {
	start := time.Now()

	ids, err := s.accounts.ListAccountIDs(ctx)
	if err != nil {
		return sweepStats{}, fmt.Errorf("failed to list accounts: %w", err)
	}

	var reconciled, partial, skipped atomic.Int64
	errs := async.Batch(ctx, s.log, ids, s.workers, "reconcile", s.taskTimeout, func(ctx context.Context, id string) error {
		result, err := s.manager.EnsureConsistency(ctx, id)
		switch {
		case accounts.IsNotFound(err):
			skipped.Add(1)
			return nil
		case err != nil:
			return fmt.Errorf("account %s: %w", id, err)
		case !result.Success:
			partial.Add(1)
			s.log.WithFields(logrus.Fields{
				"account_id": id,
				"errors":     result.Errors,
			}).Warn("Account still partially consistent")
			return nil
		}
		reconciled.Add(1)
		return nil
	})

	stats := sweepStats{
		Accounts:   len(ids),
		Reconciled: reconciled.Load(),
		Partial:    partial.Load(),
		Skipped:    skipped.Load(),
		Failed:     len(errs),
		Duration:   time.Since(start),
	}
	for _, err := range errs {
		s.log.WithError(err).Error("Reconciliation failed")
	}

	s.log.WithFields(logrus.Fields{
		"accounts":    stats.Accounts,
		"reconciled":  stats.Reconciled,
		"partial":     stats.Partial,
		"skipped":     stats.Skipped,
		"failed":      stats.Failed,
		"duration_ms": stats.Duration.Milliseconds(),
	}).Info("Reconciliation sweep finished")

	if stats.Failed > 0 {
		return stats, fmt.Errorf("%d of %d accounts failed to reconcile", stats.Failed, stats.Accounts)
	}
	return stats, nil
}
