package accounts

import (
	"fmt"
)

// Unlimited marks a quota limit with no ceiling
const Unlimited int64 = -1

// Plan holds the entitlements of an account tier
type Plan struct {
	CreditGrant int64             `json:"credit_grant" yaml:"credit_grant"`
	Limits      map[Feature]int64 `json:"limits" yaml:"limits"`
}

// Plans maps each account tier to its entitlements
type Plans map[Tier]Plan

// DefaultPlans returns the built-in plan entitlements
func DefaultPlans() Plans {
	return Plans{
		TierFree: {
			CreditGrant: 100,
			Limits: map[Feature]int64{
				FeatureMessages:   50,
				FeatureStatsPulls: 10,
				FeatureUploads:    5,
				FeatureAnalyses:   3,
			},
		},
		TierPaid: {
			CreditGrant: 2000,
			Limits: map[Feature]int64{
				FeatureMessages:   500,
				FeatureStatsPulls: 100,
				FeatureUploads:    50,
				FeatureAnalyses:   30,
			},
		},
		TierPro: {
			CreditGrant: 10000,
			Limits: map[Feature]int64{
				FeatureMessages:   Unlimited,
				FeatureStatsPulls: Unlimited,
				FeatureUploads:    200,
				FeatureAnalyses:   Unlimited,
			},
		},
	}
}

// Grant returns the credit grant for a tier
func (p Plans) Grant(tier Tier) int64 {
	return p[tier].CreditGrant
}

// Limit returns the limit for a tier and feature.
// The second result is false if the feature is not metered for the tier.
func (p Plans) Limit(tier Tier, feature Feature) (int64, bool) {
	plan, ok := p[tier]
	if !ok {
		return 0, false
	}
	limit, ok := plan.Limits[feature]
	return limit, ok
}

// LimitsFor returns a copy of the limits for a tier
func (p Plans) LimitsFor(tier Tier) map[Feature]int64 {
	out := make(map[Feature]int64, len(p[tier].Limits))
	for f, l := range p[tier].Limits {
		out[f] = l
	}
	return out
}

// Validate checks that every tier has a plan with sane values
func (p Plans) Validate() error {
	for _, tier := range []Tier{TierFree, TierPaid, TierPro} {
		plan, ok := p[tier]
		if !ok {
			return fmt.Errorf("missing plan for tier %s", tier)
		}
		if plan.CreditGrant < 0 {
			return fmt.Errorf("plan %s: credit grant must not be negative", tier)
		}
		for f, l := range plan.Limits {
			if l < Unlimited {
				return fmt.Errorf("plan %s: limit for %s must be -1 or greater", tier, f)
			}
		}
	}
	return nil
}
