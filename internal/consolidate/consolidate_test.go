package consolidate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/soulo/insight/internal/decompose"
	"github.com/soulo/insight/internal/execute"
	"github.com/soulo/insight/internal/plan"
	"github.com/soulo/insight/internal/retrieval"
)

type mockCompleter struct {
	complete func(ctx context.Context, system, user string, maxTokens int) (string, error)
}

func (m *mockCompleter) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	return m.complete(ctx, system, user, maxTokens)
}

var quietLogger = slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func subResult(text string, records []retrieval.Match) SubResult {
	return SubResult{
		Plan: plan.Plan{
			ID:          "sq-1",
			SubQuestion: decompose.SubQuestion{Text: text},
			Method:      plan.VectorSimilarity,
		},
		Result: execute.Result{
			PlanID:     "sq-1",
			Records:    records,
			MethodUsed: plan.VectorSimilarity,
		},
	}
}

func TestConsolidate_WellFormedOutput(t *testing.T) {
	completer := &mockCompleter{
		complete: func(_ context.Context, system, user string, _ int) (string, error) {
			if !strings.Contains(system, "statusSummary") {
				t.Fatal("system prompt missing output contract")
			}
			if !strings.Contains(user, "What did I write about sleep?") {
				t.Fatal("user prompt missing sub-question")
			}
			return `{"statusSummary":"Five words exactly here now","answerText":"X"}`, nil
		},
	}
	c := New(completer, quietLogger)

	in := Input{
		Question: "How was my sleep?",
		Results: []SubResult{subResult("What did I write about sleep?", []retrieval.Match{
			{EntryID: "e1", Text: "Slept badly", EntryDate: time.Now()},
		})},
	}
	a := c.Consolidate(context.Background(), in)

	if got := len(strings.Fields(a.StatusSummary)); got != 5 {
		t.Fatalf("statusSummary has %d words: %q", got, a.StatusSummary)
	}
	if a.AnswerText != "X" {
		t.Fatalf("answerText = %q", a.AnswerText)
	}
	if a.Degraded {
		t.Fatal("degraded should be false on the primary path")
	}
	if len(a.SourceRecordRefs) != 1 || a.SourceRecordRefs[0] != "e1" {
		t.Fatalf("refs = %v", a.SourceRecordRefs)
	}
}

func TestConsolidate_CodeFencedOutputWithProse(t *testing.T) {
	completer := &mockCompleter{
		complete: func(_ context.Context, _, _ string, _ int) (string, error) {
			return "Sure! ```json\n{\"statusSummary\":\"A B C D E\",\"answerText\":\"ok\"}\n```", nil
		},
	}
	c := New(completer, quietLogger)

	a := c.Consolidate(context.Background(), Input{Question: "q", Results: []SubResult{subResult("q", nil)}})
	if a.AnswerText != "ok" {
		t.Fatalf("answerText = %q, want ok", a.AnswerText)
	}
	if a.Degraded {
		t.Fatal("fence stripping is not a degraded path")
	}
}

func TestConsolidate_CaseInsensitiveKeys(t *testing.T) {
	completer := &mockCompleter{
		complete: func(_ context.Context, _, _ string, _ int) (string, error) {
			return `{"StatusSummary":"A B C D E","AnswerText":"mixed"}`, nil
		},
	}
	c := New(completer, quietLogger)

	a := c.Consolidate(context.Background(), Input{Question: "q"})
	if a.AnswerText != "mixed" {
		t.Fatalf("answerText = %q", a.AnswerText)
	}
}

func TestConsolidate_UnparsableOutputFallsBack(t *testing.T) {
	completer := &mockCompleter{
		complete: func(_ context.Context, _, _ string, _ int) (string, error) {
			return "not json at all", nil
		},
	}
	c := New(completer, quietLogger)

	in := Input{
		Question: "How was work?",
		Results: []SubResult{subResult("What did I write about work?", []retrieval.Match{
			{EntryID: "e1", Text: "Long day at the office"},
		})},
	}
	a := c.Consolidate(context.Background(), in)

	if !a.Degraded {
		t.Fatal("unparsable output must set degraded")
	}
	if a.AnswerText == "" {
		t.Fatal("answerText must never be empty")
	}
	if !strings.Contains(a.AnswerText, "Long day at the office") {
		t.Fatalf("fallback text missing raw sub-answer: %q", a.AnswerText)
	}
	if got := len(strings.Fields(a.StatusSummary)); got != 5 {
		t.Fatalf("statusSummary has %d words: %q", got, a.StatusSummary)
	}
}

func TestConsolidate_CompletionErrorFallsBack(t *testing.T) {
	completer := &mockCompleter{
		complete: func(_ context.Context, _, _ string, _ int) (string, error) {
			return "", errors.New("upstream down")
		},
	}
	c := New(completer, quietLogger)

	a := c.Consolidate(context.Background(), Input{Question: "q", Results: []SubResult{subResult("q", nil)}})
	if !a.Degraded || a.AnswerText == "" {
		t.Fatalf("degraded=%v answerText=%q", a.Degraded, a.AnswerText)
	}
}

func TestConsolidate_UpstreamFallbackMarksDegraded(t *testing.T) {
	completer := &mockCompleter{
		complete: func(_ context.Context, _, _ string, _ int) (string, error) {
			return `{"statusSummary":"A B C D E","answerText":"fine"}`, nil
		},
	}
	c := New(completer, quietLogger)

	sr := subResult("q", nil)
	sr.Result.Fallback = true
	sr.Result.MethodUsed = plan.EntityLookup

	a := c.Consolidate(context.Background(), Input{Question: "q", Results: []SubResult{sr}})
	if !a.Degraded {
		t.Fatal("fallback method upstream must set degraded")
	}
	if a.AnswerText != "fine" {
		t.Fatalf("answerText = %q", a.AnswerText)
	}
}

func TestBuildUserPrompt_CapsAndRecordsTruncation(t *testing.T) {
	records := make([]retrieval.Match, maxSnippetsPerSub+5)
	for i := range records {
		records[i] = retrieval.Match{EntryID: "e", Text: "journal body text"}
	}
	rows := make([]retrieval.Row, maxRowsPerSub+1)
	for i := range rows {
		rows[i] = retrieval.Row{"n": int64(i)}
	}
	sr := subResult("q", records)
	sr.Result.Rows = rows

	prompt, truncated := buildUserPrompt(Input{Question: "q", Results: []SubResult{sr}})
	if !truncated {
		t.Fatal("truncation must be reported")
	}
	if !strings.Contains(prompt, "first 200 of 201") {
		t.Fatalf("row truncation not recorded in prompt:\n%s", prompt[:200])
	}
	if got := strings.Count(prompt, "journal body text"); got != maxSnippetsPerSub {
		t.Fatalf("snippets in prompt = %d, want %d", got, maxSnippetsPerSub)
	}
}

func TestNormalizeSummary(t *testing.T) {
	tests := []struct {
		in        string
		wantWords int
	}{
		{"Five words exactly here now", 5},
		{"too many words in this status summary line", 5},
		{"short", 5},
		{"", 5},
	}
	for _, tt := range tests {
		got := normalizeSummary(tt.in)
		if n := len(strings.Fields(got)); n != tt.wantWords {
			t.Fatalf("normalizeSummary(%q) = %q (%d words)", tt.in, got, n)
		}
	}
}

func TestSanitize_BalancedBraceScan(t *testing.T) {
	raw := `The answer follows {"statusSummary":"A B C D E","answerText":"embedded {braces} inside"} trailing prose`
	a, ok := sanitize(raw)
	if !ok {
		t.Fatal("sanitize failed on embedded object")
	}
	if a.AnswerText != "embedded {braces} inside" {
		t.Fatalf("answerText = %q", a.AnswerText)
	}
}
