// Package enrich derives mood and theme labels for journal entries at ingest
// time. The completion service does the labeling; when it fails or returns
// garbage, a vocabulary scan stands in so entries are never left unlabeled.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soulo/insight/internal/classify"
	"github.com/soulo/insight/internal/llm"
)

const (
	labelTimeout   = 3 * time.Second
	labelMaxTokens = 200
	maxThemes      = 5
	maxContentLen  = 4000
)

const labelPrompt = `Label the journal entry. Respond with a single JSON object:
  "mood": one lower-case word for the writer's dominant mood
  "themes": up to five lower-case topic words
No text outside the JSON object.`

// Enricher labels entries through the completion service.
type Enricher struct {
	completer llm.CompletionClient
	logger    *slog.Logger
}

func New(completer llm.CompletionClient, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{completer: completer, logger: logger}
}

// Enrich returns the mood and theme labels for content. Model failures
// degrade to the vocabulary scan; the error return is reserved for empty
// content.
func (e *Enricher) Enrich(ctx context.Context, content string) (string, []string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", nil, fmt.Errorf("nothing to label")
	}
	if len(content) > maxContentLen {
		content = content[:maxContentLen]
	}

	ctx, cancel := context.WithTimeout(ctx, labelTimeout)
	defer cancel()

	raw, err := e.completer.Complete(ctx, labelPrompt, content, labelMaxTokens)
	if err != nil {
		e.logger.Debug("label completion failed, using vocabulary scan", "error", err)
		return "", ScanThemes(content), nil
	}

	mood, themes, ok := parseLabels(raw)
	if !ok {
		e.logger.Debug("label output unparsable, using vocabulary scan")
		return "", ScanThemes(content), nil
	}
	return mood, themes, nil
}

type labelOutput struct {
	Mood   string   `json:"mood"`
	Themes []string `json:"themes"`
}

func parseLabels(raw string) (string, []string, bool) {
	raw = strings.TrimSpace(raw)
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", nil, false
	}
	var out labelOutput
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return "", nil, false
	}
	if len(out.Themes) > maxThemes {
		out.Themes = out.Themes[:maxThemes]
	}
	for i, t := range out.Themes {
		out.Themes[i] = strings.ToLower(strings.TrimSpace(t))
	}
	return strings.ToLower(strings.TrimSpace(out.Mood)), out.Themes, true
}

// ScanThemes matches content against the closed topic vocabulary and returns
// the category labels that fired, sorted for stable output.
func ScanThemes(content string) []string {
	lower := strings.ToLower(content)
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
	}) {
		words[w] = struct{}{}
	}

	var themes []string
	for category, vocab := range classify.TopicVocabulary() {
		for _, term := range vocab {
			hit := false
			if strings.Contains(term, " ") {
				hit = strings.Contains(lower, term)
			} else {
				_, hit = words[term]
			}
			if hit {
				themes = append(themes, category)
				break
			}
		}
	}
	sort.Strings(themes)
	if len(themes) > maxThemes {
		themes = themes[:maxThemes]
	}
	return themes
}
