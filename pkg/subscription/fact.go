package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
)

// Fact is the canonical subscription state reported by the billing collaborator.
// It must already be verified; this package never talks to the payment provider.
type Fact struct {
	AccountID       string                      `json:"accountId"`
	Tier            accounts.Tier               `json:"tier"`
	Status          accounts.SubscriptionStatus `json:"status"`
	CustomerRef     string                      `json:"customerRef,omitempty"`
	SubscriptionRef string                      `json:"subscriptionRef,omitempty"`
	PeriodStart     time.Time                   `json:"periodStart"`
	PeriodEnd       time.Time                   `json:"periodEnd"`
	AutoRenew       bool                        `json:"autoRenew"`
}

// Validate checks the fact is complete and well formed
func (f Fact) Validate() error {
	if f.AccountID == "" {
		return accounts.NewValidationError("accountId", "is required")
	}
	if !f.Tier.Valid() {
		return accounts.NewValidationError("tier", "unknown account tier %q", f.Tier)
	}
	if !f.Status.Valid() {
		return accounts.NewValidationError("status", "unknown subscription status %q", f.Status)
	}
	if f.PeriodStart.IsZero() || f.PeriodEnd.IsZero() {
		return accounts.NewValidationError("period", "start and end are required")
	}
	if !f.PeriodEnd.After(f.PeriodStart) {
		return accounts.NewValidationError("period", "end must be after start")
	}
	return nil
}

// EffectiveTier is the tier whose entitlements apply. Canceled and unpaid
// subscriptions fall back to free.
func (f Fact) EffectiveTier() accounts.Tier {
	if !f.Status.Entitled() {
		return accounts.TierFree
	}
	return f.Tier
}

// Snapshot converts the fact into the account's nested subscription object
func (f Fact) Snapshot(at time.Time) accounts.SubscriptionSnapshot {
	return accounts.SubscriptionSnapshot{
		Tier:            f.Tier,
		Status:          f.Status,
		CustomerRef:     f.CustomerRef,
		SubscriptionRef: f.SubscriptionRef,
		PeriodStart:     f.PeriodStart,
		PeriodEnd:       f.PeriodEnd,
		AutoRenew:       f.AutoRenew,
		UpdatedAt:       at,
	}
}

// FactFromRecord rebuilds a fact from the standalone subscription record
func FactFromRecord(rec *accounts.SubscriptionRecord) Fact {
	return Fact{
		AccountID:       rec.AccountID,
		Tier:            rec.Tier,
		Status:          rec.Status,
		CustomerRef:     rec.CustomerRef,
		SubscriptionRef: rec.SubscriptionRef,
		PeriodStart:     rec.PeriodStart,
		PeriodEnd:       rec.PeriodEnd,
		AutoRenew:       rec.AutoRenew,
	}
}

// FactFromSnapshot rebuilds a fact from the account's subscription snapshot
func FactFromSnapshot(accountID string, snap *accounts.SubscriptionSnapshot) Fact {
	return Fact{
		AccountID:       accountID,
		Tier:            snap.Tier,
		Status:          snap.Status,
		CustomerRef:     snap.CustomerRef,
		SubscriptionRef: snap.SubscriptionRef,
		PeriodStart:     snap.PeriodStart,
		PeriodEnd:       snap.PeriodEnd,
		AutoRenew:       snap.AutoRenew,
	}
}

// Changed is the single event every projector consumes for one update
type Changed struct {
	ID             string
	At             time.Time
	Fact           Fact
	PreviousStatus accounts.SubscriptionStatus
	Reconcile      bool
}

func newChanged(fact Fact, previous accounts.SubscriptionStatus, at time.Time) Changed {
	return Changed{
		ID:             uuid.New().String(),
		At:             at,
		Fact:           fact,
		PreviousStatus: previous,
	}
}

var allowedTransitions = map[accounts.SubscriptionStatus][]accounts.SubscriptionStatus{
	accounts.StatusActive:  {accounts.StatusPastDue, accounts.StatusCanceled, accounts.StatusUnpaid},
	accounts.StatusPastDue: {accounts.StatusActive},
	accounts.StatusUnpaid:  {accounts.StatusCanceled},
}

// ExpectedTransition reports whether moving from one status to another follows
// the billing lifecycle. A first fact and a repeated status are always expected.
func ExpectedTransition(from, to accounts.SubscriptionStatus) bool {
	if from == "" || from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
