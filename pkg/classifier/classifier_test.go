package classifier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := MustNew()

	tests := []struct {
		name           string
		text           string
		wantComplexity Complexity
		wantType       RequestType
		wantRule       string
		check          func(t *testing.T, r Result)
	}{
		{
			name:           "greeting",
			text:           "Hi",
			wantComplexity: Simple,
			wantType:       TypeQuickQuery,
			wantRule:       "trivial",
		},
		{
			name:           "empty",
			text:           "",
			wantComplexity: Simple,
			wantType:       TypeQuickQuery,
			wantRule:       "trivial",
		},
		{
			name:           "greeting case insensitive",
			text:           "  HELLO!!",
			wantComplexity: Simple,
			wantType:       TypeQuickQuery,
			wantRule:       "trivial",
		},
		{
			name:           "short stats query",
			text:           "show my stats",
			wantComplexity: Simple,
			wantType:       TypeStatsRequest,
			wantRule:       "trivial",
		},
		{
			name:           "update falls through to fallback",
			text:           "please update my main role to support now",
			wantComplexity: Simple,
			wantType:       TypeUpdateRequest,
			wantRule:       FallbackRule,
		},
		{
			name:           "plain question falls back to simple",
			text:           "what should I practice today to get better at aiming",
			wantComplexity: Simple,
			wantType:       TypeQuickQuery,
			wantRule:       FallbackRule,
		},
		{
			name:           "analysis request is medium",
			text:           "Analyze my gameplay and tell me what I should improve",
			wantComplexity: Medium,
			wantType:       TypeAnalysisRequest,
			wantRule:       "medium",
			check: func(t *testing.T, r Result) {
				assert.True(t, r.RequiresAnalysis)
				assert.False(t, r.RequiresPrediction)
				assert.False(t, r.RequiresPersonalization)
			},
		},
		{
			name:           "prediction is complex",
			text:           "Predict my future performance based on trends",
			wantComplexity: Complex,
			wantType:       TypePredictionRequest,
			wantRule:       "complex",
			check: func(t *testing.T, r Result) {
				assert.True(t, r.RequiresPrediction)
			},
		},
		{
			name:           "analysis with multiple steps is complex",
			text:           "Can you analyze my last match step by step please",
			wantComplexity: Complex,
			wantType:       TypeAnalysisRequest,
			wantRule:       "complex",
			check: func(t *testing.T, r Result) {
				assert.True(t, r.RequiresAnalysis)
				assert.True(t, r.RequiresMultiStep)
			},
		},
		{
			name:           "personalized analysis is complex",
			text:           "Give me a personalized review of how I play",
			wantComplexity: Complex,
			wantType:       TypeAnalysisRequest,
			wantRule:       "complex",
			check: func(t *testing.T, r Result) {
				assert.True(t, r.RequiresPersonalization)
			},
		},
		{
			name:           "long horizon planning",
			text:           "Help me build a long-term roadmap for climbing",
			wantComplexity: Complex,
			wantType:       TypeStrategicPlanning,
			wantRule:       "complex",
		},
		{
			name:           "competitive strategy",
			text:           "How should I prepare for the regional tournament this weekend",
			wantComplexity: Complex,
			wantType:       TypeStrategicPlanning,
			wantRule:       "complex",
		},
		{
			name:           "multi-step without analysis is medium",
			text:           "walk me through setting up my keybinds for the new patch",
			wantComplexity: Medium,
			wantType:       TypeGeneralCoaching,
			wantRule:       "medium",
		},
		{
			name:           "over twenty words is medium",
			text:           strings.Repeat("word ", 25),
			wantComplexity: Medium,
			wantType:       TypeGeneralCoaching,
			wantRule:       "medium",
		},
		{
			name:           "over fifty words is complex",
			text:           strings.Repeat("word ", 51),
			wantComplexity: Complex,
			wantType:       TypeAnalysisRequest,
			wantRule:       "complex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := c.Classify(tt.text, nil)
			assert.Equal(t, tt.wantComplexity, r.Complexity)
			assert.Equal(t, tt.wantType, r.Type)
			assert.Equal(t, tt.wantRule, r.MatchedRule)
			assert.Equal(t, len(strings.Fields(tt.text)), r.WordCount)
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestClassify_LongAnalysisMessage(t *testing.T) {
	c := MustNew()
	text := "Please analyze " + strings.Repeat("my recent ranked games ", 15)
	require.Greater(t, len(strings.Fields(text)), 50)

	r := c.Classify(text, nil)
	assert.Contains(t, []Complexity{Medium, Complex}, r.Complexity)
	assert.True(t, r.RequiresAnalysis)
}

func TestClassify_PersonalizationFromHistory(t *testing.T) {
	c := MustNew()

	without := c.Classify("what about today's match", nil)
	assert.False(t, without.RequiresPersonalization)

	with := c.Classify("what about today's match", []string{"hello", "I want tailored advice"})
	assert.True(t, with.RequiresPersonalization)
	assert.Equal(t, without.Complexity, with.Complexity)
}

func TestClassify_Deterministic(t *testing.T) {
	c := MustNew()
	texts := []string{
		"Hi",
		"Analyze my gameplay and tell me what I should improve",
		"Predict my future performance based on trends",
		strings.Repeat("grind ", 40),
	}

	for _, text := range texts {
		first := c.Classify(text, []string{"based on my habits"})
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, c.Classify(text, []string{"based on my habits"}))
		}
	}
}

func TestNew_Options(t *testing.T) {
	t.Run("extra patterns extend a family", func(t *testing.T) {
		c, err := New(WithExtraPatterns(map[Family][]string{
			FamilyCompetitive: {`\bladder finals\b`},
		}))
		require.NoError(t, err)

		r := c.Classify("give me tips for the ladder finals next week", nil)
		assert.Equal(t, Complex, r.Complexity)
		assert.Equal(t, TypeStrategicPlanning, r.Type)
	})

	t.Run("extra patterns add a family", func(t *testing.T) {
		c, err := New(
			WithExtraPatterns(map[Family][]string{"macro": {`\bmacro\b`}}),
			WithRules(append([]Rule{{
				Name:       "macro",
				Complexity: Medium,
				Conditions: []Condition{{AnyFamily: []Family{"macro"}}},
			}}, DefaultRules()...)),
		)
		require.NoError(t, err)

		r := c.Classify("macro", nil)
		assert.Equal(t, Medium, r.Complexity)
		assert.Equal(t, "macro", r.MatchedRule)
	})

	t.Run("invalid regex", func(t *testing.T) {
		_, err := New(WithExtraPatterns(map[Family][]string{FamilyStats: {`(`}}))
		assert.Error(t, err)
	})

	t.Run("unknown family in rule", func(t *testing.T) {
		_, err := New(WithRules([]Rule{{
			Name:       "bad",
			Complexity: Complex,
			Conditions: []Condition{{AnyFamily: []Family{"nope"}}},
		}}))
		assert.ErrorContains(t, err, "unknown family")
	})

	t.Run("invalid complexity", func(t *testing.T) {
		_, err := New(WithRules([]Rule{{Name: "bad", Complexity: "extreme"}}))
		assert.ErrorContains(t, err, "invalid complexity")
	})

	t.Run("missing default type", func(t *testing.T) {
		_, err := New(WithTypeTables(map[Complexity]TypeTable{Simple: {Default: TypeQuickQuery}}))
		assert.ErrorContains(t, err, "default type is required")
	})
}

func TestCached(t *testing.T) {
	c := NewCached(MustNew(), 2, time.Minute)

	first := c.Classify("Predict my future performance based on trends", nil)
	second := c.Classify("Predict my future performance based on trends", nil)
	assert.Equal(t, first, second)

	// history is part of the key
	c.Classify("Predict my future performance based on trends", []string{"tailored"})

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 2, stats.Entries)

	first.Families[0] = "mutated"
	again := c.Classify("Predict my future performance based on trends", nil)
	assert.NotEqual(t, Family("mutated"), again.Families[0])
}

func TestCacheKey(t *testing.T) {
	assert.NotEqual(t, cacheKey("a b", nil), cacheKey("a", []string{"b"}))
	assert.Equal(t, cacheKey("a", []string{"b", "c"}), cacheKey("a", []string{"b", "c"}))

	distinct := []struct {
		text    string
		history []string
	}{
		{"a\x00b", nil},
		{"a", []string{"b"}},
		{"a", []string{"", "b"}},
		{"a", []string{"b", ""}},
		{"a", []string{"1:b"}},
		{"a1:b", nil},
		{"", []string{"a", "b"}},
	}
	seen := make(map[string]int)
	for i, in := range distinct {
		key := cacheKey(in.text, in.history)
		if j, dup := seen[key]; dup {
			t.Errorf("inputs %d and %d share key %q", j, i, key)
		}
		seen[key] = i
	}
}

func TestCached_SeparatorInTextIsNotHistory(t *testing.T) {
	c := NewCached(MustNew(), 8, time.Minute)
	c.Classify("Compare\x00tailored", nil)
	c.Classify("Compare", []string{"tailored"})

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}
