package decompose

import (
	"sort"
	"strings"

	"github.com/soulo/insight/internal/classify"
)

// ExtractTopics returns the concrete topic nouns found in the question.
// Quoted substrings always lead regardless of vocabulary membership; closed-
// vocabulary hits follow in their order of appearance in the text.
func ExtractTopics(text string) []string {
	lower := strings.ToLower(text)

	topics := quotedSpans(lower)
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		seen[t] = true
	}

	type hit struct {
		word string
		pos  int
	}
	var hits []hit
	words := wordPositions(lower)
	for _, terms := range classify.TopicVocabulary() {
		for _, term := range terms {
			if pos, ok := words[term]; ok && !seen[term] {
				seen[term] = true
				hits = append(hits, hit{word: term, pos: pos})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	for _, h := range hits {
		topics = append(topics, h.word)
	}
	return topics
}

// quotedSpans extracts non-empty substrings wrapped in double quotes.
func quotedSpans(text string) []string {
	var spans []string
	for {
		open := strings.IndexByte(text, '"')
		if open < 0 {
			break
		}
		rest := text[open+1:]
		close := strings.IndexByte(rest, '"')
		if close < 0 {
			break
		}
		span := strings.TrimSpace(rest[:close])
		if span != "" {
			spans = append(spans, span)
		}
		text = rest[close+1:]
	}
	return spans
}

// wordPositions maps each word to its first byte offset in the text.
func wordPositions(text string) map[string]int {
	positions := make(map[string]int)
	offset := 0
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		idx := strings.Index(text[offset:], f)
		pos := offset + idx
		if _, ok := positions[f]; !ok {
			positions[f] = pos
		}
		offset = pos + len(f)
	}
	return positions
}
