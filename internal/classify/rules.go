package classify

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var rulesYAML []byte

// ruleTable is the data-driven vocabulary behind the classifier. Keeping all
// keyword lists in one embedded document makes tuning a data change rather
// than a code change.
type ruleTable struct {
	Version             int                 `yaml:"version"`
	EmotionTerms        []string            `yaml:"emotion_terms"`
	EmotionLabels       map[string][]string `yaml:"emotion_labels"`
	ThemeMarkers        []string            `yaml:"theme_markers"`
	QuantitativeMarkers []string            `yaml:"quantitative_markers"`
	ComparisonMarkers   []string            `yaml:"comparison_markers"`
	PersonMarkers       []string            `yaml:"person_markers"`
	AnalysisVerbs       []string            `yaml:"analysis_verbs"`
	MultiAspectMarkers  []string            `yaml:"multi_aspect_markers"`
	MentalHealthTerms   []string            `yaml:"mental_health_terms"`
	UnrelatedMarkers    []string            `yaml:"unrelated_markers"`
	TopicVocabulary     map[string][]string `yaml:"topic_vocabulary"`
}

var rules = mustLoadRules()

func mustLoadRules() ruleTable {
	var t ruleTable
	if err := yaml.Unmarshal(rulesYAML, &t); err != nil {
		panic(fmt.Sprintf("classify: malformed embedded rules.yaml: %v", err))
	}
	if t.Version == 0 || len(t.TopicVocabulary) == 0 {
		panic("classify: embedded rules.yaml is incomplete")
	}
	return t
}

// RulesVersion returns the version of the embedded rule tables.
func RulesVersion() int {
	return rules.Version
}

// TopicVocabulary exposes the closed topic vocabulary for the decomposer.
func TopicVocabulary() map[string][]string {
	return rules.TopicVocabulary
}
