package routing

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/classifier"
)

// Output units assumed per complexity when estimating cost
const (
	SimpleOutputUnits  = 150
	MediumOutputUnits  = 500
	ComplexOutputUnits = 1200
)

// Word count above which a request is sent to the mid tier
const midTierWordThreshold = 30

// Rule names reported on a Decision
const (
	RuleSimple   = "simple"
	RuleComplex  = "complex"
	RuleMedium   = "medium"
	RuleFallback = "fallback"
	RuleOverride = "override"
)

// RouteInput is everything the router needs to pick a tier
type RouteInput struct {
	Classification classifier.Result
	AccountTier    accounts.Tier
	ManualOverride string
	Text           string
}

// Decision is the selected backend tier with its justification
type Decision struct {
	Tier              string  `json:"selectedTier"`
	EstimatedCost     float64 `json:"estimatedCost"`
	Reasoning         string  `json:"reasoning"`
	UpgradeSuggestion string  `json:"upgradeSuggestion,omitempty"`
	Recommended       string  `json:"recommendedTier"`
	Overridden        bool    `json:"overridden"`
	Rule              string  `json:"rule"`
}

// Router maps a classification and account tier to a backend tier
type Router struct {
	catalog *Catalog
}

// NewRouter creates a router over catalog
func NewRouter(catalog *Catalog) *Router {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Router{catalog: catalog}
}

// Catalog returns the router's tier catalog
func (r *Router) Catalog() *Catalog {
	return r.catalog
}

// Route selects a tier. A manual override naming a premium-only tier on a
// non-premium account returns a *GatingError; an unknown override name is a
// validation error.
func (r *Router) Route(in RouteInput) (*Decision, error) {
	if !in.AccountTier.Valid() {
		return nil, accounts.NewValidationError("accountTier", "unknown account tier %q", in.AccountTier)
	}

	cls := in.Classification
	if in.ManualOverride != "" {
		return r.override(in)
	}

	var (
		tier      TierConfig
		rule      string
		reasoning string
		upgrade   string
	)
	recommended := ""

	switch {
	case cls.Complexity == classifier.Simple:
		tier, rule = r.catalog.Cheapest(), RuleSimple
		reasoning = fmt.Sprintf("Simple %s handled by the %s tier", describe(cls.Type), tier.ID)

	case needsTopTier(cls):
		top := r.catalog.Top()
		recommended = top.ID
		rule = RuleComplex
		if top.PremiumOnly && !in.AccountTier.IsPremium() {
			tier = r.catalog.Mid()
			reasoning = fmt.Sprintf("Complex %s handled by the %s tier available on the %s plan", describe(cls.Type), tier.ID, in.AccountTier)
			upgrade = fmt.Sprintf("Upgrade to %s to have requests like this answered by the %s tier", accounts.TierPro, top.ID)
		} else {
			tier = top
			reasoning = fmt.Sprintf("Complex %s handled by the %s tier", describe(cls.Type), tier.ID)
		}

	case cls.Complexity == classifier.Medium || cls.RequiresAnalysis || cls.RequiresMultiStep || cls.WordCount > midTierWordThreshold:
		tier, rule = r.catalog.Mid(), RuleMedium
		reasoning = fmt.Sprintf("Moderate %s handled by the %s tier", describe(cls.Type), tier.ID)

	default:
		tier, rule = r.catalog.Cheapest(), RuleFallback
		reasoning = fmt.Sprintf("Defaulting to the %s tier", tier.ID)
	}

	if recommended == "" {
		recommended = tier.ID
	}

	return &Decision{
		Tier:              tier.ID,
		EstimatedCost:     EstimateCost(tier, cls.Complexity, in.Text),
		Reasoning:         reasoning,
		UpgradeSuggestion: upgrade,
		Recommended:       recommended,
		Rule:              rule,
	}, nil
}

func (r *Router) override(in RouteInput) (*Decision, error) {
	tier, ok := r.catalog.Get(in.ManualOverride)
	if !ok {
		return nil, accounts.NewValidationError("manualOverrideTier", "unknown tier %q", in.ManualOverride)
	}
	if tier.PremiumOnly && !in.AccountTier.IsPremium() {
		return nil, &GatingError{
			Requested:   tier.ID,
			Suggested:   r.catalog.Mid().ID,
			AccountTier: in.AccountTier,
		}
	}

	return &Decision{
		Tier:          tier.ID,
		EstimatedCost: EstimateCost(tier, in.Classification.Complexity, in.Text),
		Reasoning:     fmt.Sprintf("Manual override selected the %s tier", tier.ID),
		Recommended:   tier.ID,
		Overridden:    true,
		Rule:          RuleOverride,
	}, nil
}

func needsTopTier(cls classifier.Result) bool {
	return cls.Complexity == classifier.Complex ||
		cls.RequiresPrediction ||
		cls.Type == classifier.TypePredictionRequest ||
		cls.Type == classifier.TypeStrategicPlanning
}

func describe(t classifier.RequestType) string {
	if t == "" {
		return "request"
	}
	return strings.ReplaceAll(string(t), "_", " ")
}

// InputUnits estimates input size as one unit per four characters, rounded up
func InputUnits(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// OutputUnits returns the assumed output size for a complexity, capped at the tier maximum
func OutputUnits(tier TierConfig, complexity classifier.Complexity) int {
	units := SimpleOutputUnits
	switch complexity {
	case classifier.Medium:
		units = MediumOutputUnits
	case classifier.Complex:
		units = ComplexOutputUnits
	}
	if units > tier.MaxOutputUnits {
		units = tier.MaxOutputUnits
	}
	return units
}

// EstimateCost returns (input units + output units) * cost per unit, rounded to 4 decimals
func EstimateCost(tier TierConfig, complexity classifier.Complexity, text string) float64 {
	units := InputUnits(text) + OutputUnits(tier, complexity)
	return math.Round(float64(units)*tier.CostPerUnit*1e4) / 1e4
}

// CreditsFor converts a fractional cost into whole credits, rounding up
func CreditsFor(cost float64) int64 {
	if cost <= 0 {
		return 0
	}
	n := int64(math.Ceil(cost - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}
