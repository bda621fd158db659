package classifier

import "fmt"

// Condition is a conjunction of family and word-count tests. Zero-valued
// fields are ignored; a condition with no tests never matches.
type Condition struct {
	AnyFamily   []Family `yaml:"any_family,omitempty"`
	AllFamilies []Family `yaml:"all_families,omitempty"`
	MinWords    int      `yaml:"min_words,omitempty"`
	MaxWords    int      `yaml:"max_words,omitempty"`
}

func (c Condition) empty() bool {
	return len(c.AnyFamily) == 0 && len(c.AllFamilies) == 0 && c.MinWords == 0 && c.MaxWords == 0
}

// Matches evaluates the condition against the matched families and word count
func (c Condition) Matches(matched map[Family]bool, words int) bool {
	if c.empty() {
		return false
	}
	if c.MinWords > 0 && words < c.MinWords {
		return false
	}
	if c.MaxWords > 0 && words > c.MaxWords {
		return false
	}
	if len(c.AnyFamily) > 0 {
		found := false
		for _, f := range c.AnyFamily {
			if matched[f] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, f := range c.AllFamilies {
		if !matched[f] {
			return false
		}
	}
	return true
}

// Rule assigns a complexity when any of its conditions matches
type Rule struct {
	Name       string      `yaml:"name"`
	Complexity Complexity  `yaml:"complexity"`
	Conditions []Condition `yaml:"conditions"`
}

// Matches reports whether any condition of the rule holds
func (r Rule) Matches(matched map[Family]bool, words int) bool {
	for _, c := range r.Conditions {
		if c.Matches(matched, words) {
			return true
		}
	}
	return false
}

// DefaultRules returns the built-in ordered rule table. Evaluation stops at
// the first matching rule; FallbackRule applies when none match.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "trivial",
			Complexity: Simple,
			Conditions: []Condition{
				{AnyFamily: []Family{FamilyGreeting}},
				{MaxWords: 5},
			},
		},
		{
			Name:       "complex",
			Complexity: Complex,
			Conditions: []Condition{
				{AnyFamily: []Family{FamilyPrediction, FamilyPlanning, FamilyCompetitive}},
				{MinWords: 51},
				{AllFamilies: []Family{FamilyAnalysis, FamilyMultiStep}},
				{AllFamilies: []Family{FamilyPersonalization, FamilyAnalysis}},
			},
		},
		{
			Name:       "medium",
			Complexity: Medium,
			Conditions: []Condition{
				{AnyFamily: []Family{FamilyAnalysis}},
				{AnyFamily: []Family{FamilyMultiStep}},
				{MinWords: 21},
			},
		},
	}
}

// FallbackRule is reported as MatchedRule when no rule matches
const FallbackRule = "fallback"

// TypeMapping assigns a request type when a family matched
type TypeMapping struct {
	Family Family      `yaml:"family"`
	Type   RequestType `yaml:"type"`
}

// TypeTable is an ordered family to request type lookup with a default
type TypeTable struct {
	Mappings []TypeMapping `yaml:"mappings"`
	Default  RequestType   `yaml:"default"`
}

// Resolve returns the type of the first mapping whose family matched
func (t TypeTable) Resolve(matched map[Family]bool) RequestType {
	for _, m := range t.Mappings {
		if matched[m.Family] {
			return m.Type
		}
	}
	return t.Default
}

// DefaultTypeTables returns the built-in request type tables per complexity
func DefaultTypeTables() map[Complexity]TypeTable {
	return map[Complexity]TypeTable{
		Simple: {
			Mappings: []TypeMapping{
				{Family: FamilyStats, Type: TypeStatsRequest},
				{Family: FamilyUpdate, Type: TypeUpdateRequest},
				{Family: FamilyFeedback, Type: TypeFeedbackRequest},
			},
			Default: TypeQuickQuery,
		},
		Medium: {
			Mappings: []TypeMapping{
				{Family: FamilyAnalysis, Type: TypeAnalysisRequest},
				{Family: FamilyStats, Type: TypeStatsRequest},
			},
			Default: TypeGeneralCoaching,
		},
		Complex: {
			Mappings: []TypeMapping{
				{Family: FamilyPrediction, Type: TypePredictionRequest},
				{Family: FamilyPlanning, Type: TypeStrategicPlanning},
				{Family: FamilyCompetitive, Type: TypeStrategicPlanning},
			},
			Default: TypeAnalysisRequest,
		},
	}
}

// validateRules checks that every rule names a known complexity and only
// references families that have patterns
func validateRules(rules []Rule, families map[Family]bool, types map[Complexity]TypeTable) error {
	for i, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if !r.Complexity.Valid() {
			return fmt.Errorf("rule %s: invalid complexity %q", r.Name, r.Complexity)
		}
		for _, c := range r.Conditions {
			for _, f := range append(append([]Family{}, c.AnyFamily...), c.AllFamilies...) {
				if !families[f] {
					return fmt.Errorf("rule %s: unknown family %q", r.Name, f)
				}
			}
		}
	}
	for _, c := range []Complexity{Simple, Medium, Complex} {
		if types[c].Default == "" {
			return fmt.Errorf("type table for %s: default type is required", c)
		}
	}
	return nil
}
