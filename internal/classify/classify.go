// Package classify implements the query classifier: cheap, deterministic
// triage of a raw question into complexity, time scope, and topical flags.
// Classification is a pure function over normalized text. It performs no I/O,
// makes no model calls, and never fails; every branch has a safe default.
package classify

import (
	"sort"
	"strings"
	"time"
)

// Complexity is the difficulty class assigned to a question.
type Complexity string

const (
	Simple    Complexity = "simple"
	Complex   Complexity = "complex"
	MultiPart Complexity = "multi_part"
)

// Result holds the derived, read-only facts about one question.
type Result struct {
	Complexity Complexity
	TimeRange  *TimeRange

	// Emotions lists canonical emotion labels detected in the text,
	// sorted. Empty when no specific emotion is named.
	Emotions []string

	EmotionFocused  bool
	ThemeFocused    bool
	Quantitative    bool
	Comparison      bool
	PersonFocused   bool
	EntityFocused   bool
	MentalHealth    bool
	Unrelated       bool
}

// Classify derives a Result from the question text. now is the caller's
// current date context and anchors relative time phrases.
func Classify(text string, now time.Time) Result {
	normalized := normalize(text)
	if normalized == "" {
		return Result{Complexity: Simple}
	}

	res := Result{
		EmotionFocused: containsAny(normalized, rules.EmotionTerms),
		ThemeFocused:   containsAny(normalized, rules.ThemeMarkers),
		Quantitative:   containsAny(normalized, rules.QuantitativeMarkers),
		Comparison:     containsAny(normalized, rules.ComparisonMarkers),
		PersonFocused:  containsAny(normalized, rules.PersonMarkers),
		EntityFocused:  matchesVocabulary(normalized),
		MentalHealth:   containsAny(normalized, rules.MentalHealthTerms),
		Unrelated:      containsAny(normalized, rules.UnrelatedMarkers),
		TimeRange:      detectTimeRange(normalized, now),
		Emotions:       detectEmotions(normalized),
	}

	res.Complexity = complexityOf(normalized, res)
	return res
}

// complexityOf applies the fixed ladder: multi_part beats complex beats simple.
func complexityOf(text string, res Result) Complexity {
	if strings.Count(text, "?") > 1 || hasCoordinatedPredicates(text) {
		return MultiPart
	}

	signals := 0
	if containsAny(text, rules.AnalysisVerbs) || res.Quantitative {
		signals++
	}
	if res.TimeRange != nil {
		signals++
	}
	if containsAny(text, rules.MultiAspectMarkers) || res.Comparison {
		signals++
	}
	if signals >= 2 {
		return Complex
	}
	return Simple
}

// interrogatives that make "and <word>" read as a second question rather than
// a plain list ("work and family").
var predicateHeads = []string{
	"how", "what", "why", "when", "where", "who",
	"did", "do", "does", "was", "were", "is", "are", "have", "has", "am",
	"should", "could", "can",
}

// hasCoordinatedPredicates reports whether a coordinating conjunction joins
// two question predicates.
func hasCoordinatedPredicates(text string) bool {
	for _, conj := range []string{" and ", " but ", " or "} {
		idx := 0
		for {
			i := strings.Index(text[idx:], conj)
			if i < 0 {
				break
			}
			rest := text[idx+i+len(conj):]
			head := firstWord(rest)
			for _, p := range predicateHeads {
				if head == p {
					return true
				}
			}
			idx += i + len(conj)
		}
	}
	return false
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " ?.,!"); i >= 0 {
		return s[:i]
	}
	return s
}

// normalize lower-cases and trims the text, collapsing internal runs of
// whitespace to single spaces.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// matchesVocabulary reports whether any closed-vocabulary topic word occurs as
// a whole word in the text.
func matchesVocabulary(text string) bool {
	words := wordSet(text)
	for _, terms := range rules.TopicVocabulary {
		for _, term := range terms {
			if words[term] {
				return true
			}
		}
	}
	return false
}

// detectEmotions maps emotion-word variants back to their canonical labels.
func detectEmotions(text string) []string {
	words := wordSet(text)
	var labels []string
	for label, variants := range rules.EmotionLabels {
		for _, v := range variants {
			if words[v] {
				labels = append(labels, label)
				break
			}
		}
	}
	sort.Strings(labels)
	return labels
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		set[w] = true
	}
	return set
}
