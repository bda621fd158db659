package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/retry"
	"github.com/platinummonkey/tiermeter/pkg/storage"
	"github.com/platinummonkey/tiermeter/pkg/storage/memory"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func testEntry() *logrus.Entry {
	log, _ := logtest.NewNullLogger()
	return logrus.NewEntry(log)
}

func newTestLedger(t *testing.T, store storage.AccountStore, opts ...Option) *Ledger {
	t.Helper()
	base := []Option{
		WithRetryPolicy(fastRetry()),
		WithLogger(testEntry()),
		WithClock(func() time.Time { return testNow }),
	}
	return New(store, accounts.DefaultPlans(), append(base, opts...)...)
}

// flakyStore fails the first n debits with a transient error
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) Debit(ctx context.Context, id, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	s.calls.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return accounts.CreditBalance{}, storage.Unavailable("memory", "debit", errors.New("connection reset"))
	}
	return s.Store.Debit(ctx, id, opID, amount, at)
}

// lostReplyStore applies balance changes and then reports a transient
// failure for the next lost calls, as if the reply never arrived
type lostReplyStore struct {
	*memory.Store
	lost  atomic.Int32
	calls atomic.Int32
}

func (s *lostReplyStore) dropReply(bal accounts.CreditBalance, err error) (accounts.CreditBalance, error) {
	s.calls.Add(1)
	if err == nil && s.lost.Load() > 0 {
		s.lost.Add(-1)
		return accounts.CreditBalance{}, storage.Unavailable("memory", "balance", errors.New("i/o timeout"))
	}
	return bal, err
}

func (s *lostReplyStore) Debit(ctx context.Context, id, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	return s.dropReply(s.Store.Debit(ctx, id, opID, amount, at))
}

func (s *lostReplyStore) Credit(ctx context.Context, id, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	return s.dropReply(s.Store.Credit(ctx, id, opID, amount, at))
}

func TestLedger_EnsureAccount(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(t, store)
	ctx := context.Background()

	account, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, accounts.TierFree, account.Tier)
	assert.Equal(t, accounts.CreditBalance{Total: 100}, account.Credits)
	assert.Equal(t, testNow, account.CreatedAt)

	_, err = l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 10})
	require.NoError(t, err)

	again, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.Credits.Used, "existing account must not be reset")

	_, err = l.EnsureAccount(ctx, "")
	assert.True(t, accounts.IsValidation(err))
}

func TestLedger_CanAfford(t *testing.T) {
	l := newTestLedger(t, memory.NewStore())
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	ok, err := l.CanAfford(ctx, "acct-1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.CanAfford(ctx, "acct-1", 101)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.CanAfford(ctx, "acct-1", 0)
	assert.True(t, accounts.IsValidation(err))

	_, err = l.CanAfford(ctx, "nobody", 1)
	assert.True(t, accounts.IsNotFound(err))
}

func TestLedger_CommitAndRefund(t *testing.T) {
	store := memory.NewStore()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	auditLog := audit.NewMemoryLogger()
	l := newTestLedger(t, store, WithMetrics(metrics), WithAudit(auditLog))
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	res, err := l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 30, Feature: accounts.FeatureMessages, SessionID: "s-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(70), res.AvailableAfter)
	require.NotNil(t, res.Mutation)
	assert.NotEmpty(t, res.Mutation.ID)
	assert.Equal(t, int64(30), res.Mutation.Amount)

	res, err = l.Refund(ctx, RefundRequest{AccountID: "acct-1", Amount: 10, Reason: "backend failure", SessionID: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.AvailableAfter)
	assert.Equal(t, int64(-10), res.Mutation.Amount)
	assert.Equal(t, accounts.MutationRefund, res.Mutation.Kind)

	assert.Equal(t, float64(30), testutil.ToFloat64(metrics.LedgerCreditsTotal.WithLabelValues("commit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LedgerMutationsTotal.WithLabelValues("refund", "success")))

	refunds, err := auditLog.Search(ctx, audit.SearchFilter{EventTypes: []audit.EventType{audit.EventTypeLedgerRefund}})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, "backend failure", refunds[0].Message)

	commits, err := auditLog.Search(ctx, audit.SearchFilter{EventTypes: []audit.EventType{audit.EventTypeLedgerCommit}})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, audit.EventStatusSuccess, commits[0].Status)
	assert.Equal(t, int64(30), commits[0].Metadata["amount"])
	assert.Equal(t, "messages", commits[0].Metadata["feature"])
}

func TestLedger_CommitInsufficient(t *testing.T) {
	store := memory.NewStore()
	auditLog := audit.NewMemoryLogger()
	l := newTestLedger(t, store, WithAudit(auditLog))
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	res, err := l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 150})
	assert.Nil(t, res)
	require.True(t, IsInsufficientCredits(err))

	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(150), insufficient.Requested)
	assert.Equal(t, int64(100), insufficient.Balance.Available())

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, accounts.CreditBalance{Total: 100}, balance, "balance must be unchanged")

	history, err := l.History(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, int64(150), history[0].Amount)

	denied := audit.EventStatusDenied
	events, err := auditLog.Search(ctx, audit.SearchFilter{Status: &denied})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLedger_RefundCapsAtTotal(t *testing.T) {
	l := newTestLedger(t, memory.NewStore())
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	_, err = l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 5})
	require.NoError(t, err)

	res, err := l.Refund(ctx, RefundRequest{AccountID: "acct-1", Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.AvailableAfter)
	assert.Equal(t, int64(0), res.Balance.Used)
	assert.Equal(t, "refund", res.Mutation.Reason)
}

func TestLedger_Validation(t *testing.T) {
	l := newTestLedger(t, memory.NewStore())
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"commit without account", func() error { _, err := l.Commit(ctx, CommitRequest{Amount: 1}); return err }},
		{"commit zero", func() error { _, err := l.Commit(ctx, CommitRequest{AccountID: "a", Amount: 0}); return err }},
		{"commit negative", func() error { _, err := l.Commit(ctx, CommitRequest{AccountID: "a", Amount: -5}); return err }},
		{"refund zero", func() error { _, err := l.Refund(ctx, RefundRequest{AccountID: "a"}); return err }},
		{"subscribe without callback", func() error { _, err := l.Subscribe("a", nil); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, accounts.IsValidation(tt.fn()))
		})
	}

	_, err := l.Commit(ctx, CommitRequest{AccountID: "ghost", Amount: 1})
	assert.True(t, accounts.IsNotFound(err))
	_, err = l.Refund(ctx, RefundRequest{AccountID: "ghost", Amount: 1})
	assert.True(t, accounts.IsNotFound(err))
}

func TestLedger_ConcurrentCommitsNeverOverdraw(t *testing.T) {
	l := newTestLedger(t, memory.NewStore())
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		denied    atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 10})
			switch {
			case err == nil:
				succeeded.Add(1)
			case IsInsufficientCredits(err):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int32(10), denied.Load())

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Available())
	assert.Equal(t, int64(100), balance.Used)
}

func TestLedger_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	l := newTestLedger(t, store, WithMetrics(metrics))
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	store.failures.Store(2)
	res, err := l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(99), res.AvailableAfter)
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StoreRetriesTotal.WithLabelValues("debit")))
}

func TestLedger_RetryAfterLostReplyChargesOnce(t *testing.T) {
	store := &lostReplyStore{Store: memory.NewStore()}
	l := newTestLedger(t, store)
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	store.lost.Store(1)
	res, err := l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(90), res.AvailableAfter)
	assert.Equal(t, int32(2), store.calls.Load())

	store.lost.Store(1)
	res, err = l.Refund(ctx, RefundRequest{AccountID: "acct-1", Amount: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(94), res.AvailableAfter)

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, accounts.CreditBalance{Total: 100, Used: 6}, balance)

	history, err := l.History(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-4), history[0].Amount)
	assert.Equal(t, int64(10), history[1].Amount)
}

func TestLedger_ExhaustedRetriesAreAudited(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	auditLog := audit.NewMemoryLogger()
	l := newTestLedger(t, store, WithAudit(auditLog))
	ctx := observability.WithRequestID(context.Background(), "req-1")
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	store.failures.Store(10)
	_, err = l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 1})
	require.Error(t, err)
	assert.True(t, storage.IsUnavailable(err))

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	events, err := auditLog.Search(ctx, audit.SearchFilter{EventTypes: []audit.EventType{audit.EventTypeStoreUnavailable}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "debit", events[0].ResourceID)
	assert.Equal(t, "req-1", events[0].RequestID)
}

func TestLedger_History(t *testing.T) {
	l := newTestLedger(t, memory.NewStore())
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: int64(i + 1)})
		require.NoError(t, err)
	}

	history, err := l.History(ctx, "acct-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(3), history[0].Amount, "newest first")

	_, err = l.History(ctx, "ghost", 10)
	assert.True(t, accounts.IsNotFound(err))
}

func TestLedger_Subscribe(t *testing.T) {
	l := newTestLedger(t, memory.NewStore())
	ctx := context.Background()
	_, err := l.EnsureAccount(ctx, "acct-1")
	require.NoError(t, err)

	var events []BalanceEvent
	cancel, err := l.Subscribe("acct-1", func(e BalanceEvent) { events = append(events, e) })
	require.NoError(t, err)

	res, err := l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 7})
	require.NoError(t, err)
	_, err = l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 500})
	require.Error(t, err)
	_, err = l.Refund(ctx, RefundRequest{AccountID: "acct-1", Amount: 2})
	require.NoError(t, err)

	require.Len(t, events, 2, "denied commits are not published")
	assert.Equal(t, res.Mutation.ID, events[0].MutationID)
	assert.Equal(t, int64(93), events[0].Balance.Available())
	assert.Equal(t, accounts.MutationRefund, events[1].Kind)
	assert.Equal(t, int64(95), events[1].Balance.Available())

	cancel()
	cancel()
	_, err = l.Commit(ctx, CommitRequest{AccountID: "acct-1", Amount: 1})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
