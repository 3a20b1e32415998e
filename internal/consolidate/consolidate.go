package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/soulo/insight/internal/execute"
	"github.com/soulo/insight/internal/llm"
	"github.com/soulo/insight/internal/plan"
)

const (
	maxRowsPerSub     = 200
	maxSnippetsPerSub = 20
	maxTurnsInPrompt  = 6
	completionTokens  = 800

	summaryWords = 5
)

// defaultSummaryWords pads or replaces a status summary so it always comes
// out at exactly summaryWords words.
var defaultSummaryWords = []string{"Here", "is", "what", "I", "found"}

// Turn is one prior conversation message.
type Turn struct {
	Role string
	Text string
}

// SubResult pairs a plan with what its execution produced.
type SubResult struct {
	Plan   plan.Plan
	Result execute.Result
}

// Input is everything the consolidator needs for one run.
type Input struct {
	Question string
	Turns    []Turn
	Results  []SubResult
}

// Answer is the final user-facing shape. StatusSummary is always exactly
// five words. Degraded marks any fallback or recovery path taken upstream or
// here.
type Answer struct {
	StatusSummary    string   `json:"statusSummary"`
	AnswerText       string   `json:"answerText"`
	SourceRecordRefs []string `json:"sourceRecordRefs"`
	Degraded         bool     `json:"degraded"`
}

// Consolidator merges execution results into one answer through a single
// completion call.
type Consolidator struct {
	completer llm.CompletionClient
	logger    *slog.Logger
}

func New(completer llm.CompletionClient, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{completer: completer, logger: logger}
}

const systemPrompt = `You answer questions about the user's personal journal using only the retrieved material below.
Respond with a single JSON object with exactly two keys:
  "statusSummary": a five-word summary of the outcome
  "answerText": the full answer for the user
No markdown, no code fences, no text outside the JSON object.`

// Consolidate produces the final answer. It never returns an error: model
// failures and unparsable output resolve to a degraded deterministic answer.
func (c *Consolidator) Consolidate(ctx context.Context, in Input) Answer {
	degraded := false
	for _, sr := range in.Results {
		if sr.Result.Fallback || sr.Result.ErrNote != "" {
			degraded = true
		}
	}

	userPrompt, truncated := buildUserPrompt(in)
	if truncated {
		c.logger.Debug("consolidation payload truncated", "question", in.Question)
	}

	refs := collectRefs(in.Results)

	raw, err := c.completer.Complete(ctx, systemPrompt, userPrompt, completionTokens)
	if err != nil {
		c.logger.Warn("consolidation completion failed", "error", err)
		return fallbackAnswer(in, refs)
	}

	parsed, ok := sanitize(raw)
	if !ok {
		c.logger.Warn("consolidation output unparsable, using raw fallback")
		return fallbackAnswer(in, refs)
	}

	return Answer{
		StatusSummary:    normalizeSummary(parsed.StatusSummary),
		AnswerText:       parsed.AnswerText,
		SourceRecordRefs: refs,
		Degraded:         degraded,
	}
}

// buildUserPrompt renders the question, recent turns, and per-sub-question
// payloads with row and snippet caps applied. It reports whether anything was
// cut.
func buildUserPrompt(in Input) (string, bool) {
	var sb strings.Builder
	truncated := false

	fmt.Fprintf(&sb, "Question: %s\n", in.Question)

	turns := in.Turns
	if len(turns) > maxTurnsInPrompt {
		turns = turns[len(turns)-maxTurnsInPrompt:]
	}
	if len(turns) > 0 {
		sb.WriteString("\nRecent conversation:\n")
		for _, t := range turns {
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Text)
		}
	}

	for i, sr := range in.Results {
		fmt.Fprintf(&sb, "\nSub-question %d: %s\n", i+1, sr.Plan.SubQuestion.Text)
		fmt.Fprintf(&sb, "Retrieved via %s\n", sr.Result.MethodUsed)
		if sr.Result.ErrNote != "" {
			fmt.Fprintf(&sb, "Retrieval note: %s\n", sr.Result.ErrNote)
		}

		rows := sr.Result.Rows
		if len(rows) > maxRowsPerSub {
			fmt.Fprintf(&sb, "Structured rows (first %d of %d):\n", maxRowsPerSub, len(rows))
			rows = rows[:maxRowsPerSub]
			truncated = true
		} else if len(rows) > 0 {
			sb.WriteString("Structured rows:\n")
		}
		for _, row := range rows {
			fmt.Fprintf(&sb, "  %v\n", row)
		}

		records := sr.Result.Records
		if len(records) > maxSnippetsPerSub {
			fmt.Fprintf(&sb, "Journal snippets (first %d of %d):\n", maxSnippetsPerSub, len(records))
			records = records[:maxSnippetsPerSub]
			truncated = true
		} else if len(records) > 0 {
			sb.WriteString("Journal snippets:\n")
		}
		for _, m := range records {
			fmt.Fprintf(&sb, "  [%s] %s\n", m.EntryDate.Format("2006-01-02"), m.Text)
		}

		if len(rows) == 0 && len(records) == 0 {
			sb.WriteString("No records found.\n")
		}
	}

	return sb.String(), truncated
}

// fallbackAnswer is the deterministic concatenation of each sub-question and
// its raw material, used when the completion path cannot produce structured
// output. AnswerText is never empty.
func fallbackAnswer(in Input, refs []string) Answer {
	var sb strings.Builder
	for _, sr := range in.Results {
		fmt.Fprintf(&sb, "%s\n", sr.Plan.SubQuestion.Text)
		for _, row := range sr.Result.Rows {
			fmt.Fprintf(&sb, "  %v\n", row)
		}
		shown := 0
		for _, m := range sr.Result.Records {
			if shown == maxSnippetsPerSub {
				break
			}
			fmt.Fprintf(&sb, "  %s\n", m.Text)
			shown++
		}
		if len(sr.Result.Rows) == 0 && len(sr.Result.Records) == 0 {
			sb.WriteString("  No journal entries matched.\n")
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		text = "No journal entries matched your question."
	}
	return Answer{
		StatusSummary:    "Answer built from raw results",
		AnswerText:       text,
		SourceRecordRefs: refs,
		Degraded:         true,
	}
}

// collectRefs gathers the distinct entry identifiers backing the answer, in
// result order.
func collectRefs(results []SubResult) []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, sr := range results {
		for _, m := range sr.Result.Records {
			id := m.EntryID
			if id == "" {
				id = m.ID
			}
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			refs = append(refs, id)
		}
	}
	return refs
}

// normalizeSummary coerces a summary to exactly five words, padding from the
// default phrase when the model returned fewer.
func normalizeSummary(s string) string {
	words := strings.Fields(s)
	if len(words) >= summaryWords {
		return strings.Join(words[:summaryWords], " ")
	}
	for i := len(words); i < summaryWords; i++ {
		words = append(words, defaultSummaryWords[i])
	}
	return strings.Join(words, " ")
}
