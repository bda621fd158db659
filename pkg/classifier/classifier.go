package classifier

import (
	"strings"
)

// Complexity is the coarse difficulty class of a request
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// Valid reports whether c is a known complexity
func (c Complexity) Valid() bool {
	switch c {
	case Simple, Medium, Complex:
		return true
	}
	return false
}

// RequestType tags the intent of a request
type RequestType string

const (
	TypeQuickQuery        RequestType = "quick_query"
	TypeStatsRequest      RequestType = "stats_request"
	TypeUpdateRequest     RequestType = "update_request"
	TypeFeedbackRequest   RequestType = "feedback_request"
	TypeAnalysisRequest   RequestType = "analysis_request"
	TypePredictionRequest RequestType = "prediction_request"
	TypeStrategicPlanning RequestType = "strategic_planning"
	TypeGeneralCoaching   RequestType = "general_coaching"
)

// Result is the outcome of classifying one request
type Result struct {
	Complexity              Complexity  `json:"complexity"`
	Type                    RequestType `json:"type"`
	RequiresAnalysis        bool        `json:"requiresAnalysis"`
	RequiresPrediction      bool        `json:"requiresPrediction"`
	RequiresMultiStep       bool        `json:"requiresMultiStep"`
	RequiresPersonalization bool        `json:"requiresPersonalization"`
	WordCount               int         `json:"wordCount"`
	MatchedRule             string      `json:"matchedRule"`
	Families                []Family    `json:"families,omitempty"`
}

// Classifier evaluates an ordered rule table over phrase families.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	patterns []PatternSet
	rules    []Rule
	types    map[Complexity]TypeTable
}

// Option customizes a Classifier
type Option func(*Classifier) error

// WithRules replaces the rule table
func WithRules(rules []Rule) Option {
	return func(c *Classifier) error {
		c.rules = append([]Rule(nil), rules...)
		return nil
	}
}

// WithTypeTables replaces the request type tables
func WithTypeTables(tables map[Complexity]TypeTable) Option {
	return func(c *Classifier) error {
		c.types = make(map[Complexity]TypeTable, len(tables))
		for k, v := range tables {
			c.types[k] = v
		}
		return nil
	}
}

// WithExtraPatterns appends phrases to existing families or adds new families
func WithExtraPatterns(extra map[Family][]string) Option {
	return func(c *Classifier) error {
		for family, exprs := range extra {
			set, err := CompilePatternSet(family, exprs...)
			if err != nil {
				return err
			}
			merged := false
			for i := range c.patterns {
				if c.patterns[i].Family == family {
					c.patterns[i].Patterns = append(c.patterns[i].Patterns, set.Patterns...)
					merged = true
					break
				}
			}
			if !merged {
				c.patterns = append(c.patterns, set)
			}
		}
		return nil
	}
}

// New creates a classifier from the built-in tables and applies opts
func New(opts ...Option) (*Classifier, error) {
	c := &Classifier{
		patterns: DefaultPatterns(),
		rules:    DefaultRules(),
		types:    DefaultTypeTables(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	families := make(map[Family]bool, len(c.patterns))
	for _, p := range c.patterns {
		families[p.Family] = true
	}
	if err := validateRules(c.rules, families, c.types); err != nil {
		return nil, err
	}
	return c, nil
}

// MustNew is like New but panics on an invalid configuration
func MustNew(opts ...Option) *Classifier {
	c, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify determines complexity, type and flags for text. Personalization
// is also detected from earlier messages in history.
func (c *Classifier) Classify(text string, history []string) Result {
	words := len(strings.Fields(text))
	matched := c.match(text)

	personalized := matched[FamilyPersonalization]
	if !personalized {
		for _, h := range history {
			if c.matchFamily(FamilyPersonalization, h) {
				personalized = true
				break
			}
		}
	}

	result := Result{
		Complexity:              Simple,
		MatchedRule:             FallbackRule,
		WordCount:               words,
		RequiresAnalysis:        matched[FamilyAnalysis],
		RequiresPrediction:      matched[FamilyPrediction],
		RequiresMultiStep:       matched[FamilyMultiStep],
		RequiresPersonalization: personalized,
	}

	for _, rule := range c.rules {
		if rule.Matches(matched, words) {
			result.Complexity = rule.Complexity
			result.MatchedRule = rule.Name
			break
		}
	}

	result.Type = c.types[result.Complexity].Resolve(matched)

	for _, p := range c.patterns {
		if matched[p.Family] {
			result.Families = append(result.Families, p.Family)
		}
	}

	return result
}

func (c *Classifier) match(text string) map[Family]bool {
	matched := make(map[Family]bool, len(c.patterns))
	if strings.TrimSpace(text) == "" {
		return matched
	}
	for _, p := range c.patterns {
		if p.Match(text) {
			matched[p.Family] = true
		}
	}
	return matched
}

func (c *Classifier) matchFamily(family Family, text string) bool {
	for _, p := range c.patterns {
		if p.Family == family && p.Match(text) {
			return true
		}
	}
	return false
}
