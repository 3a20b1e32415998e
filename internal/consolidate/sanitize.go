package consolidate

import (
	"encoding/json"
	"strings"
)

// parsedAnswer is the two-key object the completion call is asked to return.
type parsedAnswer struct {
	StatusSummary string
	AnswerText    string
}

// sanitize recovers the {statusSummary, answerText} object from raw model
// output. Recovery layers run in order: strip code fences, direct parse when
// the text starts with "{", balanced-brace scan, then key normalization. It
// reports ok=false only when no layer produced an object with a usable
// answerText.
func sanitize(raw string) (parsedAnswer, bool) {
	text := stripFences(raw)

	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		if a, ok := parseObject(strings.TrimSpace(text)); ok {
			return a, true
		}
	}
	if span, ok := balancedBraceSpan(text); ok {
		if a, ok := parseObject(span); ok {
			return a, true
		}
	}
	return parsedAnswer{}, false
}

// stripFences removes Markdown code-fence markers wherever they appear,
// keeping the fenced body and any surrounding prose. Fences may open mid-line
// ("Sure! ```json").
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "\n")
	s = strings.ReplaceAll(s, "```", "\n")
	return s
}

// balancedBraceSpan returns the first balanced {...} span found by bracket
// depth counting. Braces inside JSON strings are skipped.
func balancedBraceSpan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// parseObject unmarshals a candidate JSON object and reads the two expected
// keys case-insensitively.
func parseObject(s string) (parsedAnswer, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return parsedAnswer{}, false
	}
	lowered := make(map[string]any, len(obj))
	for k, v := range obj {
		lowered[strings.ToLower(k)] = v
	}
	var a parsedAnswer
	if v, ok := lowered["statussummary"].(string); ok {
		a.StatusSummary = v
	}
	if v, ok := lowered["answertext"].(string); ok {
		a.AnswerText = v
	}
	if a.AnswerText == "" {
		return parsedAnswer{}, false
	}
	return a, true
}
