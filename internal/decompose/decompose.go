// Package decompose expands a classified question into 1-4 prioritized,
// independently answerable sub-questions. Decomposition is deterministic:
// identical (text, classification) input always yields an identical list.
package decompose

import (
	"github.com/soulo/insight/internal/classify"
)

// Type labels what kind of evidence a sub-question is after.
type Type string

const (
	Temporal    Type = "temporal"
	Emotional   Type = "emotional"
	Causal      Type = "causal"
	Comparative Type = "comparative"
	Pattern     Type = "pattern"
	Specific    Type = "specific"
)

// Strategy is the retrieval strategy the decomposer suggests for a sub-question.
type Strategy string

const (
	StrategyVector Strategy = "vector"
	StrategySQL    Strategy = "sql"
	StrategyHybrid Strategy = "hybrid"
)

// SubQuestion is one independently retrievable facet of the user's question.
// Lower priority means more important.
type SubQuestion struct {
	Text              string
	Type              Type
	Priority          int
	SuggestedStrategy Strategy
}

// maxSubQuestions caps how far a question is decomposed.
const maxSubQuestions = 4

// Decompose turns the question into an ordered SubQuestion list. Simple
// questions (and complex ones no template fires for) pass through as a single
// sub-question carrying the original text.
func Decompose(text string, cls classify.Result) []SubQuestion {
	if cls.Complexity == classify.Simple {
		return passthrough(text, cls)
	}

	topics := ExtractTopics(text)
	candidates := applyTemplates(text, cls, topics)
	if len(candidates) == 0 {
		return passthrough(text, cls)
	}

	// Fixed priority order; ties within a type keep source order.
	ordered := make([]SubQuestion, 0, maxSubQuestions)
	for _, typ := range priorityOrder {
		for _, c := range candidates {
			if c.Type != typ {
				continue
			}
			c.Priority = len(ordered) + 1
			ordered = append(ordered, c)
			if len(ordered) == maxSubQuestions {
				return ordered
			}
		}
	}
	return ordered
}

// priorityOrder fixes the tie-break between template families: the core-topic
// or comparative facet comes first, then patterns, then time scoping, then
// causes.
var priorityOrder = []Type{Comparative, Specific, Pattern, Temporal, Causal, Emotional}

func passthrough(text string, cls classify.Result) []SubQuestion {
	return []SubQuestion{{
		Text:              text,
		Type:              typeFor(cls),
		Priority:          1,
		SuggestedStrategy: strategyFor(cls),
	}}
}

// typeFor picks the single-item type from the classification flags.
func typeFor(cls classify.Result) Type {
	switch {
	case cls.Comparison:
		return Comparative
	case cls.EmotionFocused:
		return Emotional
	case cls.TimeRange != nil:
		return Temporal
	case cls.ThemeFocused:
		return Pattern
	default:
		return Specific
	}
}

// strategyFor suggests the retrieval strategy for a passthrough sub-question.
// Quantitative questions count and aggregate, which the relational side
// answers better than similarity search.
func strategyFor(cls classify.Result) Strategy {
	switch {
	case cls.Quantitative:
		return StrategySQL
	case cls.ThemeFocused || cls.Comparison:
		return StrategyHybrid
	default:
		return StrategyVector
	}
}
