package classifier

import (
	"fmt"
	"regexp"
)

// Family names a group of phrases that signal the same intent
type Family string

const (
	FamilyGreeting        Family = "greeting"
	FamilyStats           Family = "stats"
	FamilyUpdate          Family = "update"
	FamilyFeedback        Family = "feedback"
	FamilyAnalysis        Family = "analysis"
	FamilyMultiStep       Family = "multistep"
	FamilyPersonalization Family = "personalization"
	FamilyPrediction      Family = "prediction"
	FamilyPlanning        Family = "planning"
	FamilyCompetitive     Family = "competitive"
)

// PatternSet is the compiled phrase list for one family
type PatternSet struct {
	Family   Family
	Patterns []*regexp.Regexp
}

// Match reports whether any pattern in the set matches text
func (p PatternSet) Match(text string) bool {
	for _, re := range p.Patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// CompilePatternSet compiles exprs case-insensitively into a PatternSet
func CompilePatternSet(family Family, exprs ...string) (PatternSet, error) {
	set := PatternSet{Family: family, Patterns: make([]*regexp.Regexp, 0, len(exprs))}
	for _, expr := range exprs {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return PatternSet{}, fmt.Errorf("invalid %s pattern %q: %w", family, expr, err)
		}
		set.Patterns = append(set.Patterns, re)
	}
	return set, nil
}

func mustPatternSet(family Family, exprs ...string) PatternSet {
	set, err := CompilePatternSet(family, exprs...)
	if err != nil {
		panic(err)
	}
	return set
}

// DefaultPatterns returns the built-in phrase families
func DefaultPatterns() []PatternSet {
	return []PatternSet{
		// Greetings must make up the whole message.
		mustPatternSet(FamilyGreeting,
			`^\s*(hi|hello|hey|yo|sup|hiya|howdy|gg|ok(ay)?|cool|nice)[\s!.?]*$`,
			`^\s*(thanks|thank you|thx|ty|cheers)[\s!.?]*$`,
			`^\s*good (morning|afternoon|evening|night)[\s!.?]*$`,
		),
		mustPatternSet(FamilyStats,
			`\bstats?\b`,
			`\bstatistics\b`,
			`\b(k/?d|kda|win ?rate|elo|mmr|hs%?|headshot (rate|percentage))\b`,
			`\b(my )?rank(ed|ing)?\b`,
			`\bhow many (games|matches|wins|kills)\b`,
		),
		mustPatternSet(FamilyUpdate,
			`\bupdate\b`,
			`\b(refresh|sync)\b`,
			`\b(change|set|switch) my (main|role|goal|game|username)\b`,
		),
		mustPatternSet(FamilyFeedback,
			`\bfeedback\b`,
			`\b(bug|glitch|broken)\b`,
			`\b(love|hate|like|dislike) (this|the) (app|coach|bot)\b`,
			`\bsuggestion for (you|the app)\b`,
		),
		mustPatternSet(FamilyAnalysis,
			`\banaly(ze|se|zing|sing|sis)\b`,
			`\b(review|evaluate|assess|diagnose)\b`,
			`\bcompare\b`,
			`\bwhat (am i|i'?m) doing wrong\b`,
			`\bwhy (do|did|am|does|is) (i|my)\b`,
			`\binsights?\b`,
		),
		mustPatternSet(FamilyMultiStep,
			`\bstep[- ]by[- ]step\b`,
			`\bfirst\b.*\bthen\b`,
			`\band then\b`,
			`\bwalk me through\b`,
			`\bbreak (it |this |that )?down\b`,
		),
		mustPatternSet(FamilyPersonalization,
			`\bmy (playstyle|play style|habits|tendencies|weaknesses|strengths)\b`,
			`\bpersonali[sz]ed\b`,
			`\btailored\b`,
			`\bbased on my\b`,
			`\bfor me specifically\b`,
			`\bcustom(ized)? (plan|advice|tips|routine)\b`,
		),
		mustPatternSet(FamilyPrediction,
			`\bpredict(s|ed|ion|ions)?\b`,
			`\bforecast\b`,
			`\bfuture performance\b`,
			`\bwill i\b`,
			`\bchances? (of|to|that)\b`,
			`\bprojected?\b`,
		),
		mustPatternSet(FamilyPlanning,
			`\blong[- ]term\b`,
			`\broadmap\b`,
			`\bover the next (few |\d+ )?(weeks|months|seasons?)\b`,
			`\b(season|monthly|quarterly) (plan|goals?)\b`,
		),
		mustPatternSet(FamilyCompetitive,
			`\btournaments?\b`,
			`\bcompetitive (strategy|play|scene|team)\b`,
			`\bcounter[- ]?strateg(y|ies)\b`,
			`\b(scrims?|bracket|playoffs?)\b`,
			`\bopponents?'?s? (strategy|strategies|tendencies)\b`,
		),
	}
}
