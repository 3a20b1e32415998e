package decompose

import (
	"strings"

	"github.com/soulo/insight/internal/classify"
)

// applyTemplates synthesizes candidate sub-questions from the fixed rule
// table, substituting the primary extracted topic into the template text.
// Candidates retain rule-table order within each type; Decompose assigns
// final priorities.
func applyTemplates(text string, cls classify.Result, topics []string) []SubQuestion {
	topic := "this topic"
	if len(topics) > 0 {
		topic = topics[0]
	}

	var out []SubQuestion
	add := func(typ Type, strategy Strategy, template string) {
		out = append(out, SubQuestion{
			Text:              strings.ReplaceAll(template, "{topic}", topic),
			Type:              typ,
			SuggestedStrategy: strategy,
		})
	}

	improvement := containsAnyWord(text, "improve", "improved", "improving", "progress", "better", "worse")

	switch {
	case cls.Comparison:
		add(Comparative, StrategyHybrid, "How does {topic} differ between the periods being compared?")
		add(Pattern, StrategyVector, "What recurring patterns around {topic} appear in the entries?")
		if cls.TimeRange != nil {
			add(Temporal, StrategySQL, "How often was {topic} mentioned in each period?")
		}

	case improvement:
		add(Specific, StrategyHybrid, "What did the entries say about {topic}?")
		add(Pattern, StrategyVector, "What trends over time show up for {topic}?")
		add(Temporal, StrategySQL, "How frequently was {topic} mentioned recently?")
		add(Causal, StrategyVector, "What factors were linked to changes in {topic}?")

	case cls.EmotionFocused:
		add(Specific, StrategyHybrid, "When did entries mention feelings about {topic}?")
		add(Emotional, StrategyVector, "What emotions came up most around {topic}?")
		add(Causal, StrategyVector, "What situations triggered those feelings?")

	case containsAnyWord(text, "why", "caused", "because", "reason", "reasons"):
		add(Specific, StrategyVector, "What did the entries record about {topic}?")
		add(Causal, StrategyVector, "What possible causes for {topic} were mentioned?")

	case cls.Quantitative:
		add(Specific, StrategySQL, "How many entries mention {topic}?")
		add(Pattern, StrategyVector, "In what context was {topic} mentioned?")

	case cls.ThemeFocused:
		add(Specific, StrategyHybrid, "What did the entries say about {topic}?")
		add(Pattern, StrategyVector, "What recurring themes relate to {topic}?")
	}

	return out
}

func containsAnyWord(text string, words ...string) bool {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	for _, w := range words {
		if set[w] {
			return true
		}
	}
	return false
}
