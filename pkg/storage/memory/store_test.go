package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, id string, total int64) {
	t.Helper()
	_, err := s.CreateAccountIfMissing(context.Background(), &accounts.Account{
		ID:      id,
		Tier:    accounts.TierFree,
		Credits: accounts.CreditBalance{Total: total},
	})
	require.NoError(t, err)
}

func TestStore_CreateAccountIfMissing(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	seed(t, s, "acct-1", 100)
	got, err := s.CreateAccountIfMissing(ctx, &accounts.Account{ID: "acct-1", Tier: accounts.TierPro, Credits: accounts.CreditBalance{Total: 5}})
	require.NoError(t, err)
	assert.Equal(t, accounts.TierFree, got.Tier)
	assert.Equal(t, int64(100), got.Credits.Total)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ids, err := s.ListAccountIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1"}, ids)
}

func TestStore_DebitCredit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seed(t, s, "acct-1", 10)

	bal, err := s.Debit(ctx, "acct-1", "op-1", 4, now)
	require.NoError(t, err)
	assert.Equal(t, int64(6), bal.Available())

	bal, err = s.Debit(ctx, "acct-1", "op-2", 7, now)
	assert.ErrorIs(t, err, storage.ErrInsufficientBalance)
	assert.Equal(t, int64(6), bal.Available())

	bal, err = s.Credit(ctx, "acct-1", "op-3", 100, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Used)
	assert.Equal(t, int64(10), bal.Available())

	_, err = s.Debit(ctx, "nope", "op-4", 1, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_OperationsApplyOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seed(t, s, "acct-1", 100)

	for i := 0; i < 3; i++ {
		bal, err := s.Debit(ctx, "acct-1", "commit-1", 10, now)
		require.NoError(t, err)
		assert.Equal(t, int64(10), bal.Used)
	}
	for i := 0; i < 3; i++ {
		bal, err := s.Credit(ctx, "acct-1", "refund-1", 4, now)
		require.NoError(t, err)
		assert.Equal(t, int64(6), bal.Used)
	}

	// a denied debit does not consume its id
	_, err := s.Debit(ctx, "acct-1", "commit-2", 500, now)
	require.ErrorIs(t, err, storage.ErrInsufficientBalance)
	require.NoError(t, s.ApplySubscription(ctx, "acct-1", accounts.TierPro, 1000, accounts.SubscriptionSnapshot{}))
	bal, err := s.Debit(ctx, "acct-1", "commit-2", 500, now)
	require.NoError(t, err)
	assert.Equal(t, int64(506), bal.Used)

	// empty ids are never deduplicated
	_, err = s.Debit(ctx, "acct-1", "", 1, now)
	require.NoError(t, err)
	bal, err = s.Debit(ctx, "acct-1", "", 1, now)
	require.NoError(t, err)
	assert.Equal(t, int64(508), bal.Used)
}

func TestStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seed(t, s, "acct-1", 50)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Debit(ctx, "acct-1", "", 1, now)
		}()
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), a.Credits.Used)
	assert.Equal(t, int64(0), a.Credits.Available())
}

func TestStore_ApplySubscription(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seed(t, s, "acct-1", 100)
	_, err := s.Debit(ctx, "acct-1", "op-1", 80, now)
	require.NoError(t, err)

	snap := accounts.SubscriptionSnapshot{Tier: accounts.TierFree, Status: accounts.StatusCanceled, UpdatedAt: now}
	require.NoError(t, s.ApplySubscription(ctx, "acct-1", accounts.TierFree, 50, snap))

	a, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), a.Credits.Total)
	assert.Equal(t, int64(50), a.Credits.Used, "used is clamped to the new total")
	require.NotNil(t, a.Subscription)
	assert.Equal(t, accounts.StatusCanceled, a.Subscription.Status)

	require.NoError(t, s.ApplySubscription(ctx, "new", accounts.TierPro, 1000, snap))
	a, err = s.GetAccount(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, accounts.TierPro, a.Tier)
}

func TestStore_ApplySubscriptionRenewal(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	snap := func(start time.Time) accounts.SubscriptionSnapshot {
		return accounts.SubscriptionSnapshot{Tier: accounts.TierPro, Status: accounts.StatusActive, PeriodStart: start, UpdatedAt: now}
	}

	require.NoError(t, s.ApplySubscription(ctx, "acct-1", accounts.TierPro, 1000, snap(march)))
	_, err := s.Debit(ctx, "acct-1", "", 1000, now)
	require.NoError(t, err)

	// same period keeps usage
	require.NoError(t, s.ApplySubscription(ctx, "acct-1", accounts.TierPro, 1000, snap(march)))
	a, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Credits.Available())

	require.NoError(t, s.ApplySubscription(ctx, "acct-1", accounts.TierPro, 1000, snap(april)))
	a, err = s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, accounts.CreditBalance{Total: 1000}, a.Credits, "a new period starts with a fresh grant")

	// replaying the renewal does not reset again
	_, err = s.Debit(ctx, "acct-1", "", 30, now)
	require.NoError(t, err)
	require.NoError(t, s.ApplySubscription(ctx, "acct-1", accounts.TierPro, 1000, snap(april)))
	a, err = s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), a.Credits.Used)

	// an older period never resets
	require.NoError(t, s.ApplySubscription(ctx, "acct-1", accounts.TierPro, 1000, snap(march)))
	a, err = s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), a.Credits.Used)
}

func TestStore_Mutations(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.AppendMutation(ctx, &accounts.LedgerMutation{AccountID: "acct-1", Amount: i}))
	}

	list, err := s.ListMutations(ctx, "acct-1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].Amount)
	assert.Equal(t, int64(2), list[1].Amount)
}

func TestStore_QuotaPeriod(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	resetAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	u, err := s.GetUsage(ctx, "acct-1", resetAt)
	require.NoError(t, err)
	assert.Equal(t, resetAt, u.ResetAt)

	n, err := s.Increment(ctx, "acct-1", accounts.FeatureMessages, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	next := resetAt.AddDate(0, 1, 0)
	done, err := s.ResetPeriod(ctx, "acct-1", resetAt, next)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.ResetPeriod(ctx, "acct-1", resetAt, next)
	require.NoError(t, err)
	assert.False(t, done, "second reset with a stale expectation is a no-op")

	u, err = s.GetUsage(ctx, "acct-1", resetAt)
	require.NoError(t, err)
	assert.Equal(t, next, u.ResetAt)
	assert.Zero(t, u.Counters[accounts.FeatureMessages])
}

func TestStore_Projections(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := &accounts.SubscriptionRecord{
		AccountID:     "acct-1",
		Tier:          accounts.TierPro,
		Status:        accounts.StatusActive,
		PeriodStart:   start,
		UsageSnapshot: map[accounts.Feature]int64{accounts.FeatureMessages: 7},
	}
	require.NoError(t, s.UpsertSubscriptionRecord(ctx, rec))

	rec.UsageSnapshot = map[accounts.Feature]int64{}
	require.NoError(t, s.UpsertSubscriptionRecord(ctx, rec))
	got, err := s.GetSubscriptionRecord(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UsageSnapshot[accounts.FeatureMessages], "same period keeps the snapshot")

	rec.PeriodStart = start.AddDate(0, 1, 0)
	require.NoError(t, s.UpsertSubscriptionRecord(ctx, rec))
	got, err = s.GetSubscriptionRecord(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, got.UsageSnapshot, "new period resets the snapshot")

	require.NoError(t, s.UpsertUsageRecord(ctx, &accounts.UsageRecord{AccountID: "acct-1", TotalCredits: 100, UsedCredits: 3}))
	require.NoError(t, s.UpsertUsageRecord(ctx, &accounts.UsageRecord{AccountID: "acct-1", TotalCredits: 100, UsedCredits: 3}))
	usage, err := s.GetUsageRecord(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.TotalCredits)
	assert.Equal(t, int64(3), usage.UsedCredits)

	_, err = s.GetUsageRecord(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Close(t *testing.T) {
	s := NewStore()
	seed(t, s, "acct-1", 10)
	require.NoError(t, s.Close())

	_, err := s.GetAccount(context.Background(), "acct-1")
	assert.True(t, storage.IsUnavailable(err))
}
