package execute

import (
	"fmt"
	"regexp"
	"strings"
)

// Structural checks and deterministic repairs for generated query text.
// The checklist mirrors what actually breaks in practice: statements that are
// not a single owner-scoped SELECT, unbalanced identifier quoting, references
// to columns that were renamed in the schema, and JSON operators SQLite's
// json1 functions must handle instead.

// columnRenames maps legacy column names to their current schema names.
var columnRenames = map[string]string{
	"tags":    "themes",
	"user_id": "owner_id",
}

// spacedIdentifiers maps unquoted multi-word identifiers to their
// underscored schema names.
var spacedIdentifiers = map[string]string{
	"entry date":      "entry_date",
	"owner id":        "owner_id",
	"journal entry":   "journal_entries",
	"journal entries": "journal_entries",
	"mention count":   "mention_count",
}

var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "pragma", "attach", "create",
}

// arrowOnThemes matches JSON arrow operators applied to the themes column,
// which is stored as JSON text and must go through json_extract.
var arrowOnThemes = regexp.MustCompile(`themes\s*->>?\s*('[^']*')`)

// validateSQL runs the structural checklist against generated query text.
func validateSQL(sqlText string) error {
	lower := strings.ToLower(sqlText)
	trimmed := strings.TrimSpace(lower)

	if !strings.HasPrefix(trimmed, "select") {
		return fmt.Errorf("query is not a SELECT statement")
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("query is not a single statement")
	}
	if !strings.Contains(lower, "owner_id = ?") {
		return fmt.Errorf("query is not owner-scoped")
	}
	if strings.Count(sqlText, `"`)%2 != 0 {
		return fmt.Errorf("unbalanced identifier quoting")
	}
	for _, kw := range forbiddenKeywords {
		if containsWord(lower, kw) {
			return fmt.Errorf("forbidden keyword %q", kw)
		}
	}
	for legacy := range columnRenames {
		if containsWord(lower, legacy) {
			return fmt.Errorf("renamed column %q", legacy)
		}
	}
	for spaced := range spacedIdentifiers {
		if strings.Contains(lower, spaced) && !strings.Contains(lower, `"`+spaced+`"`) {
			return fmt.Errorf("unquoted identifier %q", spaced)
		}
	}
	if arrowOnThemes.MatchString(lower) {
		return fmt.Errorf("JSON arrow operator on text-encoded themes column")
	}
	return nil
}

// rewriteSQL applies the deterministic repairs for known bad patterns. The
// result is not guaranteed valid; callers re-validate.
func rewriteSQL(sqlText string) string {
	out := sqlText

	// Longest spaced identifiers first so "journal entries" wins over
	// "journal entry".
	for _, spaced := range []string{"journal entries", "journal entry", "mention count", "entry date", "owner id"} {
		out = replaceWordCI(out, spaced, spacedIdentifiers[spaced])
	}
	for legacy, current := range columnRenames {
		out = replaceWordCI(out, legacy, current)
	}
	out = arrowOnThemes.ReplaceAllString(out, "json_extract(themes, $1)")

	return out
}

// containsWord reports whether w occurs in text bounded by non-identifier
// characters.
func containsWord(text, w string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], w)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(w)
		beforeOK := start == 0 || !isIdentChar(text[start-1])
		afterOK := end == len(text) || !isIdentChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// replaceWordCI replaces whole-word, case-insensitive occurrences of old with
// new. Quoted spans are left untouched.
func replaceWordCI(text, old, new string) string {
	lower := strings.ToLower(text)
	var sb strings.Builder
	idx := 0
	for {
		i := strings.Index(lower[idx:], old)
		if i < 0 {
			sb.WriteString(text[idx:])
			return sb.String()
		}
		start := idx + i
		end := start + len(old)
		beforeOK := start == 0 || !isIdentChar(lower[start-1])
		afterOK := end == len(lower) || !isIdentChar(lower[end])
		quoted := start > 0 && lower[start-1] == '"'
		if beforeOK && afterOK && !quoted {
			sb.WriteString(text[idx:start])
			sb.WriteString(new)
		} else {
			sb.WriteString(text[idx:end])
		}
		idx = end
	}
}
