package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

// Projection names
const (
	ProjectionAccount            = "account"
	ProjectionSubscriptionRecord = "subscription_record"
	ProjectionUsageRecord        = "usage_record"
	ProjectionAuditLog           = "audit_log"
)

// Projector writes one denormalized view of a subscription change.
// Project must be an idempotent upsert: replaying the same event yields the same state.
type Projector interface {
	Name() string
	Project(ctx context.Context, event Changed) error
}

// AccountProjector sets the account's tier, credit grant and subscription snapshot
type AccountProjector struct {
	store storage.AccountStore
	plans accounts.Plans
}

// NewAccountProjector creates the account projector
func NewAccountProjector(store storage.AccountStore, plans accounts.Plans) *AccountProjector {
	return &AccountProjector{store: store, plans: plans}
}

func (p *AccountProjector) Name() string { return ProjectionAccount }

// Project sets the credit total to the effective tier's grant. The store
// resets used when the fact opens a new billing period and otherwise clamps it.
func (p *AccountProjector) Project(ctx context.Context, event Changed) error {
	tier := event.Fact.EffectiveTier()
	return p.store.ApplySubscription(ctx, event.Fact.AccountID, tier, p.plans.Grant(tier), event.Fact.Snapshot(event.At))
}

// SubscriptionRecordProjector upserts the standalone subscription record
type SubscriptionRecordProjector struct {
	store storage.ProjectionStore
	plans accounts.Plans
}

// NewSubscriptionRecordProjector creates the subscription record projector
func NewSubscriptionRecordProjector(store storage.ProjectionStore, plans accounts.Plans) *SubscriptionRecordProjector {
	return &SubscriptionRecordProjector{store: store, plans: plans}
}

func (p *SubscriptionRecordProjector) Name() string { return ProjectionSubscriptionRecord }

// Project writes the record with the effective tier's limits. The usage
// snapshot is zeroed by the store only when the billing period changes.
func (p *SubscriptionRecordProjector) Project(ctx context.Context, event Changed) error {
	f := event.Fact
	usage := make(map[accounts.Feature]int64, len(accounts.AllFeatures))
	for _, feature := range accounts.AllFeatures {
		usage[feature] = 0
	}
	return p.store.UpsertSubscriptionRecord(ctx, &accounts.SubscriptionRecord{
		AccountID:       f.AccountID,
		Tier:            f.Tier,
		Status:          f.Status,
		CustomerRef:     f.CustomerRef,
		SubscriptionRef: f.SubscriptionRef,
		PeriodStart:     f.PeriodStart,
		PeriodEnd:       f.PeriodEnd,
		AutoRenew:       f.AutoRenew,
		Limits:          p.plans.LimitsFor(f.EffectiveTier()),
		UsageSnapshot:   usage,
		UpdatedAt:       event.At,
	})
}

// UsageRecordProjector upserts the usage record sized by the tier grant
type UsageRecordProjector struct {
	projections storage.ProjectionStore
	accounts    storage.AccountStore
	plans       accounts.Plans
}

// NewUsageRecordProjector creates the usage record projector
func NewUsageRecordProjector(projections storage.ProjectionStore, accts storage.AccountStore, plans accounts.Plans) *UsageRecordProjector {
	return &UsageRecordProjector{projections: projections, accounts: accts, plans: plans}
}

func (p *UsageRecordProjector) Name() string { return ProjectionUsageRecord }

// Project sets TotalCredits to the grant. Used mirrors the account's used
// credits with the account store's renewal and clamping rules applied, so the
// result does not depend on whether the account projector has run yet.
func (p *UsageRecordProjector) Project(ctx context.Context, event Changed) error {
	tier := event.Fact.EffectiveTier()
	total := p.plans.Grant(tier)

	var used int64
	account, err := p.accounts.GetAccount(ctx, event.Fact.AccountID)
	switch {
	case err == nil && account.Subscription.StartsNewPeriod(event.Fact.PeriodStart):
	case err == nil:
		used = account.Credits.Used
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("failed to read account credits: %w", err)
	}
	if used > total {
		used = total
	}

	return p.projections.UpsertUsageRecord(ctx, &accounts.UsageRecord{
		AccountID:    event.Fact.AccountID,
		Tier:         tier,
		TotalCredits: total,
		UsedCredits:  used,
		UpdatedAt:    event.At,
	})
}
