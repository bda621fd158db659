package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/classifier"
)

func TestRouter_Scenarios(t *testing.T) {
	cls := classifier.MustNew()
	router := NewRouter(nil)

	tests := []struct {
		name        string
		text        string
		tier        accounts.Tier
		wantTier    string
		wantUpgrade bool
		wantRule    string
	}{
		{"greeting on free", "Hi", accounts.TierFree, "fast", false, RuleSimple},
		{"greeting on pro", "Hi", accounts.TierPro, "fast", false, RuleSimple},
		{"analysis on free", "Analyze my gameplay and tell me what I should improve", accounts.TierFree, "standard", false, RuleMedium},
		{"prediction on pro", "Predict my future performance based on trends", accounts.TierPro, "advanced", false, RuleComplex},
		{"prediction on paid", "Predict my future performance based on trends", accounts.TierPaid, "standard", true, RuleComplex},
		{"plain question", "what should I practice today to get better at aiming", accounts.TierFree, "fast", false, RuleSimple},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := router.Route(RouteInput{
				Classification: cls.Classify(tt.text, nil),
				AccountTier:    tt.tier,
				Text:           tt.text,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantTier, d.Tier)
			assert.Equal(t, tt.wantRule, d.Rule)
			assert.Equal(t, tt.wantUpgrade, d.UpgradeSuggestion != "")
			assert.NotContains(t, strings.ToLower(d.Reasoning), "premium access")
			assert.False(t, d.Overridden)
		})
	}
}

func TestRouter_LongAnalysisOnFreeNeverTopTier(t *testing.T) {
	cls := classifier.MustNew()
	router := NewRouter(nil)
	text := "Please analyze " + strings.Repeat("my recent ranked games ", 15)

	c := cls.Classify(text, nil)
	require.Contains(t, []classifier.Complexity{classifier.Medium, classifier.Complex}, c.Complexity)

	d, err := router.Route(RouteInput{Classification: c, AccountTier: accounts.TierFree, Text: text})
	require.NoError(t, err)
	assert.NotEqual(t, router.Catalog().Top().ID, d.Tier)
	if d.Recommended == router.Catalog().Top().ID {
		assert.NotEmpty(t, d.UpgradeSuggestion)
	}
	assert.NotContains(t, strings.ToLower(d.Reasoning), "premium access")
}

func TestRouter_Rules(t *testing.T) {
	router := NewRouter(nil)

	tests := []struct {
		name string
		cls  classifier.Result
		want string
	}{
		{"simple wins over flags", classifier.Result{Complexity: classifier.Simple, RequiresAnalysis: true}, "fast"},
		{"prediction flag on medium", classifier.Result{Complexity: classifier.Medium, RequiresPrediction: true}, "advanced"},
		{"strategic type", classifier.Result{Complexity: classifier.Medium, Type: classifier.TypeStrategicPlanning}, "advanced"},
		{"multi-step flag", classifier.Result{Complexity: "", RequiresMultiStep: true}, "standard"},
		{"word count over threshold", classifier.Result{WordCount: 31}, "standard"},
		{"word count at threshold", classifier.Result{WordCount: 30}, "fast"},
		{"nothing", classifier.Result{}, "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := router.Route(RouteInput{Classification: tt.cls, AccountTier: accounts.TierPro})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Tier)
		})
	}
}

func TestRouter_Override(t *testing.T) {
	router := NewRouter(nil)
	simple := classifier.Result{Complexity: classifier.Simple, Type: classifier.TypeQuickQuery}

	t.Run("override takes precedence", func(t *testing.T) {
		d, err := router.Route(RouteInput{Classification: simple, AccountTier: accounts.TierFree, ManualOverride: "standard", Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "standard", d.Tier)
		assert.True(t, d.Overridden)
		assert.Equal(t, RuleOverride, d.Rule)
	})

	t.Run("premium-only override on pro", func(t *testing.T) {
		d, err := router.Route(RouteInput{Classification: simple, AccountTier: accounts.TierPro, ManualOverride: "advanced"})
		require.NoError(t, err)
		assert.Equal(t, "advanced", d.Tier)
	})

	t.Run("premium-only override on free is gated", func(t *testing.T) {
		d, err := router.Route(RouteInput{Classification: simple, AccountTier: accounts.TierFree, ManualOverride: "advanced"})
		assert.Nil(t, d)
		require.True(t, IsGating(err))

		var gate *GatingError
		require.ErrorAs(t, err, &gate)
		assert.Equal(t, "advanced", gate.Requested)
		assert.Equal(t, "standard", gate.Suggested)
		assert.Equal(t, accounts.TierFree, gate.AccountTier)
	})

	t.Run("unknown override", func(t *testing.T) {
		_, err := router.Route(RouteInput{Classification: simple, AccountTier: accounts.TierFree, ManualOverride: "turbo"})
		assert.True(t, accounts.IsValidation(err))
	})

	t.Run("invalid account tier", func(t *testing.T) {
		_, err := router.Route(RouteInput{Classification: simple, AccountTier: "gold"})
		assert.True(t, accounts.IsValidation(err))
	})
}

func TestEstimateCost(t *testing.T) {
	catalog := DefaultCatalog()
	fast, _ := catalog.Get("fast")
	standard, _ := catalog.Get("standard")
	advanced, _ := catalog.Get("advanced")

	assert.Equal(t, 1, InputUnits("Hi"))
	assert.Equal(t, 0, InputUnits(""))
	assert.Equal(t, 2, InputUnits("héllo wö"))

	assert.InDelta(t, 1.51, EstimateCost(fast, classifier.Simple, "Hi"), 1e-9)
	assert.InDelta(t, (3+500)*0.03, EstimateCost(standard, classifier.Medium, strings.Repeat("a", 12)), 1e-9)
	assert.InDelta(t, 120.0, EstimateCost(advanced, classifier.Complex, ""), 1e-9)

	// output units are capped at the tier maximum
	assert.Equal(t, 512, OutputUnits(fast, classifier.Complex))
	assert.InDelta(t, 5.12, EstimateCost(fast, classifier.Complex, ""), 1e-9)
}

func TestCreditsFor(t *testing.T) {
	tests := []struct {
		cost float64
		want int64
	}{
		{0, 0},
		{-1, 0},
		{0.0001, 1},
		{1.51, 2},
		{15, 15},
		{15.09, 16},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CreditsFor(tt.cost), "cost %v", tt.cost)
	}
}

func TestNewCatalog(t *testing.T) {
	tests := []struct {
		name    string
		tiers   []TierConfig
		wantErr string
	}{
		{"empty", nil, "at least one tier"},
		{"missing id", []TierConfig{{CostPerUnit: 1, MaxOutputUnits: 1}}, "id is required"},
		{"duplicate", []TierConfig{{ID: "a", CostPerUnit: 1, MaxOutputUnits: 1}, {ID: "a", CostPerUnit: 2, MaxOutputUnits: 1}}, "duplicate"},
		{"zero cost", []TierConfig{{ID: "a", MaxOutputUnits: 1}}, "cost per unit"},
		{"zero output", []TierConfig{{ID: "a", CostPerUnit: 1}}, "max output units"},
		{"unordered", []TierConfig{{ID: "a", CostPerUnit: 2, MaxOutputUnits: 1}, {ID: "b", CostPerUnit: 1, MaxOutputUnits: 1}}, "ascending cost"},
		{"bad latency", []TierConfig{{ID: "a", CostPerUnit: 1, MaxOutputUnits: 1, Latency: "instant"}}, "unknown latency"},
		{"premium cheapest", []TierConfig{{ID: "a", CostPerUnit: 1, MaxOutputUnits: 1, PremiumOnly: true}}, "cannot be premium-only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.tiers)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestCatalog_Positions(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, "fast", c.Cheapest().ID)
	assert.Equal(t, "standard", c.Mid().ID)
	assert.Equal(t, "advanced", c.Top().ID)
	assert.Len(t, c.Tiers(), 3)

	single, err := NewCatalog([]TierConfig{{ID: "only", CostPerUnit: 1, MaxOutputUnits: 10}})
	require.NoError(t, err)
	assert.Equal(t, "only", single.Mid().ID)
	assert.Equal(t, LatencyStandard, single.Top().Latency)
}

func TestRouter_TopTierNotPremiumOnly(t *testing.T) {
	catalog, err := NewCatalog([]TierConfig{
		{ID: "small", CostPerUnit: 0.01, MaxOutputUnits: 100},
		{ID: "large", CostPerUnit: 0.02, MaxOutputUnits: 1000},
	})
	require.NoError(t, err)

	d, err := NewRouter(catalog).Route(RouteInput{
		Classification: classifier.Result{Complexity: classifier.Complex},
		AccountTier:    accounts.TierFree,
	})
	require.NoError(t, err)
	assert.Equal(t, "large", d.Tier)
	assert.Empty(t, d.UpgradeSuggestion)
}
