package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/retry"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

// Status is the quota state of one feature
type Status struct {
	Feature   accounts.Feature `json:"feature"`
	CanUse    bool             `json:"canUse"`
	Current   int64            `json:"current"`
	Limit     int64            `json:"limit"`
	Remaining int64            `json:"remaining"`
	ResetAt   time.Time        `json:"resetAt"`
}

// Summary is the quota state of every feature of an account
type Summary struct {
	AccountID          string                     `json:"accountId"`
	Tier               accounts.Tier              `json:"tier"`
	Limits             map[accounts.Feature]int64 `json:"limits"`
	Usage              map[accounts.Feature]int64 `json:"usage"`
	RemainingByFeature map[accounts.Feature]int64 `json:"remainingByFeature"`
	CanUseByFeature    map[accounts.Feature]bool  `json:"canUseByFeature"`
	ResetAt            time.Time                  `json:"resetAt"`
}

// Tracker checks and counts feature usage against plan limits
type Tracker struct {
	quotas   storage.QuotaStore
	accounts storage.AccountStore
	plans    accounts.Plans
	audit    audit.Logger
	metrics  *observability.Metrics
	policy   retry.Policy
	log      *logrus.Entry
	now      func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithAudit sets the audit logger
func WithAudit(a audit.Logger) Option {
	return func(t *Tracker) { t.audit = a }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithRetryPolicy overrides the storage retry policy
func WithRetryPolicy(p retry.Policy) Option {
	return func(t *Tracker) { t.policy = p }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(t *Tracker) { t.log = log }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker. The account store resolves each account's tier.
func New(quotas storage.QuotaStore, accts storage.AccountStore, plans accounts.Plans, opts ...Option) *Tracker {
	t := &Tracker{
		quotas:   quotas,
		accounts: accts,
		plans:    plans,
		audit:    audit.NewNoOpLogger(),
		policy:   retry.DefaultPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.plans == nil {
		t.plans = accounts.DefaultPlans()
	}
	if t.log == nil {
		t.log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "quota")
	}
	t.policy.ShouldRetry = storage.IsUnavailable
	return t
}

func (t *Tracker) retryPolicy(op string) retry.Policy {
	p := t.policy
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		t.metrics.ObserveRetry(op)
		t.log.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("retrying quota storage operation")
	}
	return p
}

func (t *Tracker) fail(ctx context.Context, op, accountID string, err error) error {
	if storage.IsUnavailable(err) {
		t.log.WithError(err).WithFields(logrus.Fields{
			"operation":  op,
			"account_id": accountID,
		}).Error("storage unavailable")
		if aerr := t.audit.Log(ctx, audit.StoreUnavailableEvent(ctx, op, accountID, err)); aerr != nil {
			t.log.WithError(aerr).Warn("failed to write audit event")
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// NextReset advances resetAt by whole months until it is after now
func NextReset(resetAt, now time.Time) time.Time {
	next := resetAt
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}

func (t *Tracker) tier(ctx context.Context, accountID string) (accounts.Tier, error) {
	if accountID == "" {
		return "", accounts.NewValidationError("accountId", "is required")
	}
	account, err := retry.DoValue(ctx, t.retryPolicy("get account"), func(ctx context.Context) (*accounts.Account, error) {
		return t.accounts.GetAccount(ctx, accountID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &accounts.NotFoundError{Resource: "account", ID: accountID}
		}
		return "", t.fail(ctx, "get account", accountID, err)
	}
	return account.Tier, nil
}

// usage loads the current period, resetting it first if it has ended
func (t *Tracker) usage(ctx context.Context, accountID string) (*accounts.QuotaUsage, bool, error) {
	now := t.now()
	load := func() (*accounts.QuotaUsage, error) {
		return retry.DoValue(ctx, t.retryPolicy("get usage"), func(ctx context.Context) (*accounts.QuotaUsage, error) {
			return t.quotas.GetUsage(ctx, accountID, now.AddDate(0, 1, 0))
		})
	}

	usage, err := load()
	if err != nil {
		return nil, false, t.fail(ctx, "get usage", accountID, err)
	}
	if now.Before(usage.ResetAt) {
		return usage, false, nil
	}

	expected := usage.ResetAt
	next := NextReset(expected, now)
	swapped, err := retry.DoValue(ctx, t.retryPolicy("reset period"), func(ctx context.Context) (bool, error) {
		return t.quotas.ResetPeriod(ctx, accountID, expected, next)
	})
	if err != nil {
		return nil, false, t.fail(ctx, "reset period", accountID, err)
	}
	if swapped {
		t.metrics.ObserveQuotaReset()
		t.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"reset_at":   next,
		}).Info("quota period reset")
	}

	// Another caller may have won the swap; either way the stored period is current now.
	usage, err = load()
	if err != nil {
		return nil, false, t.fail(ctx, "get usage", accountID, err)
	}
	return usage, swapped, nil
}

func (t *Tracker) limit(tier accounts.Tier, feature accounts.Feature) (int64, error) {
	if !feature.Valid() {
		return 0, accounts.NewValidationError("feature", "unknown feature %q", feature)
	}
	limit, ok := t.plans.Limit(tier, feature)
	if !ok {
		return 0, accounts.NewValidationError("feature", "feature %q is not metered on the %s plan", feature, tier)
	}
	return limit, nil
}

func status(feature accounts.Feature, current, limit int64, resetAt time.Time) *Status {
	s := &Status{
		Feature: feature,
		Current: current,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if limit == accounts.Unlimited {
		s.CanUse = true
		s.Remaining = accounts.Unlimited
		return s
	}
	s.CanUse = current < limit
	s.Remaining = limit - current
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	return s
}

// CanUse reports whether the account may use feature in the current period
func (t *Tracker) CanUse(ctx context.Context, accountID string, feature accounts.Feature) (*Status, error) {
	tier, err := t.tier(ctx, accountID)
	if err != nil {
		return nil, err
	}
	limit, err := t.limit(tier, feature)
	if err != nil {
		return nil, err
	}
	usage, _, err := t.usage(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s := status(feature, usage.Counters[feature], limit, usage.ResetAt)
	t.metrics.ObserveQuotaCheck(string(feature), s.CanUse)
	return s, nil
}

// Increment counts one use of feature. It does not refuse usage past the
// limit; callers gate with CanUse first.
func (t *Tracker) Increment(ctx context.Context, accountID string, feature accounts.Feature) (*Status, error) {
	tier, err := t.tier(ctx, accountID)
	if err != nil {
		return nil, err
	}
	limit, err := t.limit(tier, feature)
	if err != nil {
		return nil, err
	}
	usage, _, err := t.usage(ctx, accountID)
	if err != nil {
		return nil, err
	}

	current, err := retry.DoValue(ctx, t.retryPolicy("increment"), func(ctx context.Context) (int64, error) {
		return t.quotas.Increment(ctx, accountID, feature, 1)
	})
	if err != nil {
		return nil, t.fail(ctx, "increment", accountID, err)
	}
	return status(feature, current, limit, usage.ResetAt), nil
}

// ResetIfDue resets the period if it has ended and reports whether this call did it
func (t *Tracker) ResetIfDue(ctx context.Context, accountID string) (bool, error) {
	if _, err := t.tier(ctx, accountID); err != nil {
		return false, err
	}
	_, reset, err := t.usage(ctx, accountID)
	return reset, err
}

// Summary returns the quota state of every feature on the account's plan
func (t *Tracker) Summary(ctx context.Context, accountID string) (*Summary, error) {
	tier, err := t.tier(ctx, accountID)
	if err != nil {
		return nil, err
	}
	usage, _, err := t.usage(ctx, accountID)
	if err != nil {
		return nil, err
	}

	limits := t.plans.LimitsFor(tier)
	summary := &Summary{
		AccountID:          accountID,
		Tier:               tier,
		Limits:             limits,
		Usage:              make(map[accounts.Feature]int64, len(limits)),
		RemainingByFeature: make(map[accounts.Feature]int64, len(limits)),
		CanUseByFeature:    make(map[accounts.Feature]bool, len(limits)),
		ResetAt:            usage.ResetAt,
	}
	for feature, limit := range limits {
		s := status(feature, usage.Counters[feature], limit, usage.ResetAt)
		summary.Usage[feature] = s.Current
		summary.RemainingByFeature[feature] = s.Remaining
		summary.CanUseByFeature[feature] = s.CanUse
	}
	return summary, nil
}
