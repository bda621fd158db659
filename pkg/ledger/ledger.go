package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/retry"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

// History page sizes
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// CommitRequest consumes credits for a completed unit of work
type CommitRequest struct {
	AccountID string
	Amount    int64
	Feature   accounts.Feature
	SessionID string
	Metadata  map[string]any
}

// RefundRequest returns previously consumed credits
type RefundRequest struct {
	AccountID string
	Amount    int64
	Reason    string
	SessionID string
}

// Result is the outcome of a balance mutation
type Result struct {
	Success        bool                     `json:"success"`
	AvailableAfter int64                    `json:"availableAfter"`
	Balance        accounts.CreditBalance   `json:"balance"`
	Mutation       *accounts.LedgerMutation `json:"mutation,omitempty"`
}

// Ledger is the prepaid credit balance of every account
type Ledger struct {
	store    storage.AccountStore
	plans    accounts.Plans
	notifier Notifier
	audit    audit.Logger
	metrics  *observability.Metrics
	policy   retry.Policy
	log      *logrus.Entry
	now      func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithNotifier sets the balance event notifier. Defaults to a LocalNotifier.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithAudit sets the audit logger
func WithAudit(a audit.Logger) Option {
	return func(l *Ledger) { l.audit = a }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithRetryPolicy overrides the storage retry policy
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over store. plans sizes the credit grant of new accounts.
func New(store storage.AccountStore, plans accounts.Plans, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		plans:  plans,
		audit:  audit.NewNoOpLogger(),
		policy: retry.DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.plans == nil {
		l.plans = accounts.DefaultPlans()
	}
	if l.log == nil {
		l.log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "ledger")
	}
	if l.notifier == nil {
		l.notifier = NewLocalNotifier(l.log)
	}
	l.policy.ShouldRetry = storage.IsUnavailable
	return l
}

func (l *Ledger) retryPolicy(op string) retry.Policy {
	p := l.policy
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		l.metrics.ObserveRetry(op)
		l.log.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("retrying ledger storage operation")
	}
	return p
}

func (l *Ledger) logger(ctx context.Context, accountID string) *logrus.Entry {
	entry := l.log.WithField("account_id", accountID)
	if id := observability.GetRequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

// storeFailed records a storage failure that survived the retry policy
func (l *Ledger) storeFailed(ctx context.Context, op, accountID string, err error) {
	if !storage.IsUnavailable(err) {
		return
	}
	l.logger(ctx, accountID).WithError(err).WithField("operation", op).Error("storage unavailable")
	if aerr := l.audit.Log(ctx, audit.StoreUnavailableEvent(ctx, op, accountID, err)); aerr != nil {
		l.logger(ctx, accountID).WithError(aerr).Warn("failed to write audit event")
	}
}

func validateAccountID(accountID string) error {
	if accountID == "" {
		return accounts.NewValidationError("accountId", "is required")
	}
	return nil
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return accounts.NewValidationError("amount", "must be a positive integer, got %d", amount)
	}
	return nil
}

func notFound(accountID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &accounts.NotFoundError{Resource: "account", ID: accountID}
	}
	return err
}

// EnsureAccount returns the account, creating it on the free tier with the
// free credit grant if it does not exist.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID string) (*accounts.Account, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	now := l.now()
	account := &accounts.Account{
		ID:             accountID,
		Tier:           accounts.TierFree,
		Credits:        accounts.CreditBalance{Total: l.plans.Grant(accounts.TierFree)},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	stored, err := retry.DoValue(ctx, l.retryPolicy("create account"), func(ctx context.Context) (*accounts.Account, error) {
		return l.store.CreateAccountIfMissing(ctx, account)
	})
	if err != nil {
		l.storeFailed(ctx, "create account", accountID, err)
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return stored, nil
}

// Account returns the stored account record
func (l *Ledger) Account(ctx context.Context, accountID string) (*accounts.Account, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	account, err := retry.DoValue(ctx, l.retryPolicy("get account"), func(ctx context.Context) (*accounts.Account, error) {
		return l.store.GetAccount(ctx, accountID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound(accountID, err)
		}
		l.storeFailed(ctx, "get account", accountID, err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// Balance returns the account's credit balance
func (l *Ledger) Balance(ctx context.Context, accountID string) (accounts.CreditBalance, error) {
	account, err := l.Account(ctx, accountID)
	if err != nil {
		return accounts.CreditBalance{}, err
	}
	return account.Credits, nil
}

// CanAfford reports whether the available balance covers amount. It does not
// reserve credits: a concurrent Commit may still consume them first, in which
// case the later Commit fails with InsufficientCreditsError.
func (l *Ledger) CanAfford(ctx context.Context, accountID string, amount int64) (bool, error) {
	if err := validateAmount(amount); err != nil {
		return false, err
	}
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return balance.Available() >= amount, nil
}

// Commit atomically consumes Amount credits. If the balance does not cover it,
// the balance is unchanged, a failed mutation is recorded and an
// *InsufficientCreditsError is returned.
func (l *Ledger) Commit(ctx context.Context, req CommitRequest) (*Result, error) {
	if err := validateAccountID(req.AccountID); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}

	log := l.logger(ctx, req.AccountID)
	mutation := &accounts.LedgerMutation{
		ID:        uuid.New().String(),
		AccountID: req.AccountID,
		Kind:      accounts.MutationCommit,
		Amount:    req.Amount,
		Feature:   req.Feature,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
		CreatedAt: l.now(),
	}

	// The mutation ID keys the debit, so a retry after a lost reply is not charged twice.
	var insufficient accounts.CreditBalance
	balance, err := retry.DoValue(ctx, l.retryPolicy("debit"), func(ctx context.Context) (accounts.CreditBalance, error) {
		b, err := l.store.Debit(ctx, req.AccountID, mutation.ID, req.Amount, mutation.CreatedAt)
		if errors.Is(err, storage.ErrInsufficientBalance) {
			insufficient = b
		}
		return b, err
	})

	switch {
	case err == nil:
	case errors.Is(err, storage.ErrInsufficientBalance):
		mutation.Success = false
		mutation.BalanceAfter = insufficient
		l.metrics.ObserveMutation(string(accounts.MutationCommit), false, req.Amount)
		l.appendMutation(ctx, mutation)
		l.auditMutation(ctx, mutation, audit.EventStatusDenied)
		log.WithFields(logrus.Fields{
			"requested": req.Amount,
			"available": insufficient.Available(),
		}).Info("commit denied: insufficient credits")
		return nil, &InsufficientCreditsError{AccountID: req.AccountID, Requested: req.Amount, Balance: insufficient}
	case errors.Is(err, storage.ErrNotFound):
		return nil, notFound(req.AccountID, err)
	default:
		l.metrics.ObserveMutation(string(accounts.MutationCommit), false, req.Amount)
		l.storeFailed(ctx, "debit", req.AccountID, err)
		return nil, fmt.Errorf("failed to commit credits: %w", err)
	}

	mutation.Success = true
	mutation.BalanceAfter = balance
	l.metrics.ObserveMutation(string(accounts.MutationCommit), true, req.Amount)
	l.appendMutation(ctx, mutation)
	l.auditMutation(ctx, mutation, audit.EventStatusSuccess)
	l.publish(ctx, mutation)

	log.WithFields(logrus.Fields{
		"mutation_id": mutation.ID,
		"amount":      req.Amount,
		"available":   balance.Available(),
	}).Debug("credits committed")

	return &Result{Success: true, AvailableAfter: balance.Available(), Balance: balance, Mutation: mutation}, nil
}

// Refund atomically returns Amount credits. Used never drops below zero, so
// the available balance never exceeds the total.
func (l *Ledger) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := validateAccountID(req.AccountID); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := l.now()
	balance, err := retry.DoValue(ctx, l.retryPolicy("credit"), func(ctx context.Context) (accounts.CreditBalance, error) {
		return l.store.Credit(ctx, req.AccountID, id, req.Amount, now)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound(req.AccountID, err)
		}
		l.metrics.ObserveMutation(string(accounts.MutationRefund), false, req.Amount)
		l.storeFailed(ctx, "credit", req.AccountID, err)
		return nil, fmt.Errorf("failed to refund credits: %w", err)
	}

	reason := req.Reason
	if reason == "" {
		reason = "refund"
	}
	mutation := &accounts.LedgerMutation{
		ID:           id,
		AccountID:    req.AccountID,
		Kind:         accounts.MutationRefund,
		Amount:       -req.Amount,
		Reason:       reason,
		SessionID:    req.SessionID,
		Success:      true,
		BalanceAfter: balance,
		CreatedAt:    now,
	}
	l.metrics.ObserveMutation(string(accounts.MutationRefund), true, req.Amount)
	l.appendMutation(ctx, mutation)
	l.auditMutation(ctx, mutation, audit.EventStatusSuccess)
	l.publish(ctx, mutation)

	l.logger(ctx, req.AccountID).WithFields(logrus.Fields{
		"mutation_id": mutation.ID,
		"amount":      req.Amount,
		"reason":      reason,
	}).Info("credits refunded")

	return &Result{Success: true, AvailableAfter: balance.Available(), Balance: balance, Mutation: mutation}, nil
}

// History returns the newest mutations first. limit defaults to 50 and is capped at 500.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*accounts.LedgerMutation, error) {
	if _, err := l.Account(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	mutations, err := retry.DoValue(ctx, l.retryPolicy("list mutations"), func(ctx context.Context) ([]*accounts.LedgerMutation, error) {
		return l.store.ListMutations(ctx, accountID, limit)
	})
	if err != nil {
		l.storeFailed(ctx, "list mutations", accountID, err)
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	return mutations, nil
}

// Subscribe registers fn for every balance change of accountID
func (l *Ledger) Subscribe(accountID string, fn func(BalanceEvent)) (func(), error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, accounts.NewValidationError("callback", "is required")
	}
	return l.notifier.Subscribe(accountID, fn)
}

// appendMutation writes the mutation log entry. The balance change has already
// happened, so a failure here is recorded for reconciliation and not returned.
func (l *Ledger) appendMutation(ctx context.Context, m *accounts.LedgerMutation) {
	err := retry.Do(ctx, l.retryPolicy("append mutation"), func(ctx context.Context) error {
		return l.store.AppendMutation(ctx, m)
	})
	if err != nil {
		l.logger(ctx, m.AccountID).WithError(err).WithField("mutation_id", m.ID).Error("failed to append ledger mutation")
		l.storeFailed(ctx, "append mutation", m.AccountID, err)
	}
}

func (l *Ledger) publish(ctx context.Context, m *accounts.LedgerMutation) {
	event := BalanceEvent{
		AccountID:  m.AccountID,
		MutationID: m.ID,
		Kind:       m.Kind,
		Amount:     m.Amount,
		Balance:    m.BalanceAfter,
		At:         m.CreatedAt,
	}
	err := retry.Do(ctx, l.retryPolicy("publish"), func(ctx context.Context) error {
		return l.notifier.Publish(ctx, event)
	})
	if err != nil {
		l.logger(ctx, m.AccountID).WithError(err).WithField("mutation_id", m.ID).Warn("failed to publish balance event")
	}
}

func (l *Ledger) auditMutation(ctx context.Context, m *accounts.LedgerMutation, status audit.EventStatus) {
	eventType := audit.EventTypeLedgerCommit
	if m.Kind == accounts.MutationRefund {
		eventType = audit.EventTypeLedgerRefund
	}
	event := audit.NewEvent(ctx, eventType, status, m.AccountID)
	event.ResourceType = audit.ResourceTypeLedger
	event.ResourceID = m.ID
	event.Metadata["amount"] = m.Amount
	event.Metadata["available_after"] = m.BalanceAfter.Available()
	if m.Reason != "" {
		event.Message = m.Reason
	}
	if m.Feature != "" {
		event.Metadata["feature"] = string(m.Feature)
	}
	if err := l.audit.Log(ctx, event); err != nil {
		l.logger(ctx, m.AccountID).WithError(err).Warn("failed to write audit event")
	}
}
