package accounts

import (
	"encoding/json"
	"time"
)

// Tier represents an account subscription tier
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
	TierPro  Tier = "pro"
)

// Valid reports whether t is a known account tier
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPaid, TierPro:
		return true
	}
	return false
}

// IsPremium reports whether t may be served by premium-only backend tiers
func (t Tier) IsPremium() bool {
	return t == TierPro
}

var tierRank = map[Tier]int{TierFree: 0, TierPaid: 1, TierPro: 2}

// Below reports whether t carries fewer entitlements than other
func (t Tier) Below(other Tier) bool {
	return tierRank[t] < tierRank[other]
}

// ParseTier converts a string into a Tier
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", NewValidationError("tier", "unknown account tier %q", s)
	}
	return t, nil
}

// Feature identifies a metered feature with a monthly quota
type Feature string

const (
	FeatureMessages   Feature = "messages"
	FeatureStatsPulls Feature = "stats_pulls"
	FeatureUploads    Feature = "uploads"
	FeatureAnalyses   Feature = "analyses"
)

// AllFeatures lists the metered features in display order
var AllFeatures = []Feature{FeatureMessages, FeatureStatsPulls, FeatureUploads, FeatureAnalyses}

// Valid reports whether f is a known metered feature
func (f Feature) Valid() bool {
	for _, known := range AllFeatures {
		if f == known {
			return true
		}
	}
	return false
}

// ParseFeature converts a string into a Feature
func ParseFeature(s string) (Feature, error) {
	f := Feature(s)
	if !f.Valid() {
		return "", NewValidationError("feature", "unknown feature %q", s)
	}
	return f, nil
}

// SubscriptionStatus represents the billing status of a subscription
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

// Valid reports whether s is a known subscription status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid:
		return true
	}
	return false
}

// Entitled reports whether the status keeps the paid tier's entitlements.
// Canceled and unpaid subscriptions fall back to free entitlements.
func (s SubscriptionStatus) Entitled() bool {
	return s == StatusActive || s == StatusPastDue
}

// CreditBalance is an account's prepaid credit balance
type CreditBalance struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
}

// Available returns the spendable credits
func (b CreditBalance) Available() int64 {
	if b.Used >= b.Total {
		return 0
	}
	return b.Total - b.Used
}

// MarshalJSON includes the derived available value
func (b CreditBalance) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Total     int64 `json:"total"`
		Used      int64 `json:"used"`
		Available int64 `json:"available"`
	}{b.Total, b.Used, b.Available()})
}

// SubscriptionSnapshot is the subscription sub-object stored on the account record
type SubscriptionSnapshot struct {
	Tier            Tier               `json:"tier"`
	Status          SubscriptionStatus `json:"status"`
	CustomerRef     string             `json:"customer_ref,omitempty"`
	SubscriptionRef string             `json:"subscription_ref,omitempty"`
	PeriodStart     time.Time          `json:"period_start"`
	PeriodEnd       time.Time          `json:"period_end"`
	AutoRenew       bool               `json:"auto_renew"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// StartsNewPeriod reports whether a subscription starting at next begins a
// later billing period than s. A nil snapshot has no period to renew.
func (s *SubscriptionSnapshot) StartsNewPeriod(next time.Time) bool {
	return s != nil && next.After(s.PeriodStart)
}

// Account is the account-scoped record: tier, credit totals and a nested subscription snapshot
type Account struct {
	ID             string                `json:"id"`
	Tier           Tier                  `json:"tier"`
	Credits        CreditBalance         `json:"credits"`
	Subscription   *SubscriptionSnapshot `json:"subscription,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivityAt time.Time             `json:"last_activity_at"`
}

// MutationKind is the kind of ledger mutation
type MutationKind string

const (
	MutationCommit MutationKind = "commit"
	MutationRefund MutationKind = "refund"
)

// LedgerMutation is an append-only record of a credit balance change attempt.
// Amount is positive for consumed credits and negative for refunds.
type LedgerMutation struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	Kind         MutationKind   `json:"kind"`
	Amount       int64          `json:"amount"`
	Feature      Feature        `json:"feature,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Success      bool           `json:"success"`
	BalanceAfter CreditBalance  `json:"balance_after"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SubscriptionRecord is the standalone subscription-scoped projection
type SubscriptionRecord struct {
	AccountID       string             `json:"account_id"`
	Tier            Tier               `json:"tier"`
	Status          SubscriptionStatus `json:"status"`
	CustomerRef     string             `json:"customer_ref,omitempty"`
	SubscriptionRef string             `json:"subscription_ref,omitempty"`
	PeriodStart     time.Time          `json:"period_start"`
	PeriodEnd       time.Time          `json:"period_end"`
	AutoRenew       bool               `json:"auto_renew"`
	Limits          map[Feature]int64  `json:"limits"`
	UsageSnapshot   map[Feature]int64  `json:"usage_snapshot"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// UsageRecord is the standalone usage-scoped projection holding raw credit counters
type UsageRecord struct {
	AccountID    string    `json:"account_id"`
	Tier         Tier      `json:"tier"`
	TotalCredits int64     `json:"total_credits"`
	UsedCredits  int64     `json:"used_credits"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QuotaUsage holds the per-feature counters of the current quota period
type QuotaUsage struct {
	AccountID string            `json:"account_id"`
	Counters  map[Feature]int64 `json:"counters"`
	ResetAt   time.Time         `json:"reset_at"`
}
