// Package memory provides a single-process implementation of the storage contracts.
//
// A Store is explicitly constructed and owned by its caller. It is suitable for
// development and tests; in a multi-instance deployment it is not authoritative
// and the postgres or hybrid backends must be used instead.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

// Store implements storage.AccountStore, storage.QuotaStore and storage.ProjectionStore in memory
type Store struct {
	mu            sync.Mutex
	accounts      map[string]*accounts.Account
	mutations     map[string][]*accounts.LedgerMutation
	quotas        map[string]*accounts.QuotaUsage
	subscriptions map[string]*accounts.SubscriptionRecord
	usage         map[string]*accounts.UsageRecord
	appliedOps    map[string]struct{}
	closed        bool
}

var (
	_ storage.AccountStore    = (*Store)(nil)
	_ storage.QuotaStore      = (*Store)(nil)
	_ storage.ProjectionStore = (*Store)(nil)
)

// NewStore creates a new empty in-memory store
func NewStore() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.accounts = make(map[string]*accounts.Account)
	s.mutations = make(map[string][]*accounts.LedgerMutation)
	s.quotas = make(map[string]*accounts.QuotaUsage)
	s.subscriptions = make(map[string]*accounts.SubscriptionRecord)
	s.usage = make(map[string]*accounts.UsageRecord)
	s.appliedOps = make(map[string]struct{})
}

// Close releases all state. Subsequent calls fail with a StoreUnavailableError.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.closed = true
	return nil
}

func (s *Store) check(op string) error {
	if s.closed {
		return storage.Unavailable("memory", op, errClosed)
	}
	return nil
}

var errClosed = errors.New("store closed")

func copyAccount(a *accounts.Account) *accounts.Account {
	out := *a
	if a.Subscription != nil {
		sub := *a.Subscription
		out.Subscription = &sub
	}
	return &out
}

// CreateAccountIfMissing inserts the account unless it exists
func (s *Store) CreateAccountIfMissing(ctx context.Context, account *accounts.Account) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create account"); err != nil {
		return nil, err
	}

	if existing, ok := s.accounts[account.ID]; ok {
		return copyAccount(existing), nil
	}
	s.accounts[account.ID] = copyAccount(account)
	return copyAccount(account), nil
}

// GetAccount retrieves an account
func (s *Store) GetAccount(ctx context.Context, accountID string) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get account"); err != nil {
		return nil, err
	}

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyAccount(a), nil
}

// ListAccountIDs returns all account IDs in sorted order
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list accounts"); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) applied(opID string) bool {
	_, done := s.appliedOps[opID]
	return done
}

func (s *Store) markApplied(opID string) {
	if opID != "" {
		s.appliedOps[opID] = struct{}{}
	}
}

// Debit increments used if the available balance covers amount
func (s *Store) Debit(ctx context.Context, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("debit"); err != nil {
		return accounts.CreditBalance{}, err
	}

	a, ok := s.accounts[accountID]
	if !ok {
		return accounts.CreditBalance{}, storage.ErrNotFound
	}
	if s.applied(opID) {
		return a.Credits, nil
	}
	if a.Credits.Available() < amount {
		return a.Credits, storage.ErrInsufficientBalance
	}
	s.markApplied(opID)
	a.Credits.Used += amount
	a.LastActivityAt = at
	return a.Credits, nil
}

// Credit decrements used, flooring at zero
func (s *Store) Credit(ctx context.Context, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("credit"); err != nil {
		return accounts.CreditBalance{}, err
	}

	a, ok := s.accounts[accountID]
	if !ok {
		return accounts.CreditBalance{}, storage.ErrNotFound
	}
	if s.applied(opID) {
		return a.Credits, nil
	}
	s.markApplied(opID)
	a.Credits.Used -= amount
	if a.Credits.Used < 0 {
		a.Credits.Used = 0
	}
	a.LastActivityAt = at
	return a.Credits, nil
}

// ApplySubscription sets the tier, credit total and subscription snapshot
func (s *Store) ApplySubscription(ctx context.Context, accountID string, tier accounts.Tier, creditTotal int64, snapshot accounts.SubscriptionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("apply subscription"); err != nil {
		return err
	}

	a, ok := s.accounts[accountID]
	if !ok {
		a = &accounts.Account{ID: accountID, CreatedAt: snapshot.UpdatedAt, LastActivityAt: snapshot.UpdatedAt}
		s.accounts[accountID] = a
	}
	a.Tier = tier
	a.Credits.Total = creditTotal
	switch {
	case a.Subscription.StartsNewPeriod(snapshot.PeriodStart):
		a.Credits.Used = 0
	case a.Credits.Used > creditTotal:
		a.Credits.Used = creditTotal
	}
	sub := snapshot
	a.Subscription = &sub
	return nil
}

// AppendMutation appends a ledger mutation
func (s *Store) AppendMutation(ctx context.Context, m *accounts.LedgerMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append mutation"); err != nil {
		return err
	}

	cp := *m
	s.mutations[m.AccountID] = append(s.mutations[m.AccountID], &cp)
	return nil
}

// ListMutations returns the newest mutations first
func (s *Store) ListMutations(ctx context.Context, accountID string, limit int) ([]*accounts.LedgerMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list mutations"); err != nil {
		return nil, err
	}

	all := s.mutations[accountID]
	out := make([]*accounts.LedgerMutation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func copyUsage(u *accounts.QuotaUsage) *accounts.QuotaUsage {
	out := &accounts.QuotaUsage{
		AccountID: u.AccountID,
		ResetAt:   u.ResetAt,
		Counters:  make(map[accounts.Feature]int64, len(u.Counters)),
	}
	for f, c := range u.Counters {
		out.Counters[f] = c
	}
	return out
}

func (s *Store) usageLocked(accountID string, initialResetAt time.Time) *accounts.QuotaUsage {
	u, ok := s.quotas[accountID]
	if !ok {
		u = &accounts.QuotaUsage{
			AccountID: accountID,
			Counters:  make(map[accounts.Feature]int64),
			ResetAt:   initialResetAt,
		}
		s.quotas[accountID] = u
	}
	return u
}

// GetUsage returns the quota counters, initializing the period if needed
func (s *Store) GetUsage(ctx context.Context, accountID string, initialResetAt time.Time) (*accounts.QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get usage"); err != nil {
		return nil, err
	}
	return copyUsage(s.usageLocked(accountID, initialResetAt)), nil
}

// ResetPeriod zeroes counters if the stored reset time equals expected
func (s *Store) ResetPeriod(ctx context.Context, accountID string, expected, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("reset period"); err != nil {
		return false, err
	}

	u, ok := s.quotas[accountID]
	if !ok || !u.ResetAt.Equal(expected) {
		return false, nil
	}
	u.Counters = make(map[accounts.Feature]int64)
	u.ResetAt = next
	return true, nil
}

// Increment adds delta to a feature counter
func (s *Store) Increment(ctx context.Context, accountID string, feature accounts.Feature, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("increment"); err != nil {
		return 0, err
	}

	u := s.usageLocked(accountID, time.Time{})
	u.Counters[feature] += delta
	return u.Counters[feature], nil
}

func copyLimits(m map[accounts.Feature]int64) map[accounts.Feature]int64 {
	out := make(map[accounts.Feature]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// UpsertSubscriptionRecord inserts or updates a subscription record.
// The usage snapshot is kept unless the billing period changed.
func (s *Store) UpsertSubscriptionRecord(ctx context.Context, rec *accounts.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert subscription"); err != nil {
		return err
	}

	next := *rec
	next.Limits = copyLimits(rec.Limits)
	next.UsageSnapshot = copyLimits(rec.UsageSnapshot)
	if existing, ok := s.subscriptions[rec.AccountID]; ok && existing.PeriodStart.Equal(rec.PeriodStart) {
		next.UsageSnapshot = copyLimits(existing.UsageSnapshot)
	}
	s.subscriptions[rec.AccountID] = &next
	return nil
}

// GetSubscriptionRecord retrieves a subscription record
func (s *Store) GetSubscriptionRecord(ctx context.Context, accountID string) (*accounts.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get subscription"); err != nil {
		return nil, err
	}

	rec, ok := s.subscriptions[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rec
	out.Limits = copyLimits(rec.Limits)
	out.UsageSnapshot = copyLimits(rec.UsageSnapshot)
	return &out, nil
}

// UpsertUsageRecord inserts or replaces a usage record
func (s *Store) UpsertUsageRecord(ctx context.Context, rec *accounts.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert usage"); err != nil {
		return err
	}

	next := *rec
	s.usage[rec.AccountID] = &next
	return nil
}

// GetUsageRecord retrieves a usage record
func (s *Store) GetUsageRecord(ctx context.Context, accountID string) (*accounts.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get usage record"); err != nil {
		return nil, err
	}

	rec, ok := s.usage[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rec
	return &out, nil
}
