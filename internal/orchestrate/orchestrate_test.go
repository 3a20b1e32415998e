package orchestrate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soulo/insight/internal/consolidate"
	"github.com/soulo/insight/internal/execute"
	"github.com/soulo/insight/internal/llm"
	"github.com/soulo/insight/internal/retrieval"
	"github.com/soulo/insight/internal/storage"
)

var quietLogger = slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type mockStore struct {
	mu           sync.Mutex
	vectorCalls  int
	vectorSearch func(ctx context.Context, vector []float32, threshold float32, limit int, ownerID string, tr *retrieval.TimeRange) ([]retrieval.Match, error)
}

func (m *mockStore) VectorSearch(ctx context.Context, vector []float32, threshold float32, limit int, ownerID string, tr *retrieval.TimeRange) ([]retrieval.Match, error) {
	m.mu.Lock()
	m.vectorCalls++
	m.mu.Unlock()
	if m.vectorSearch == nil {
		return []retrieval.Match{{EntryID: "e1", Text: "default chunk", Score: 0.9}}, nil
	}
	return m.vectorSearch(ctx, vector, threshold, limit, ownerID, tr)
}

func (m *mockStore) StructuredQuery(ctx context.Context, sqlText string, args []any, ownerID string) ([]retrieval.Row, error) {
	return []retrieval.Row{{"mention_count": int64(3)}}, nil
}

func (m *mockStore) RecentEntries(ctx context.Context, ownerID string, limit int) ([]retrieval.Match, error) {
	return nil, nil
}

func (m *mockStore) InsertVectors(ctx context.Context, records []retrieval.VectorRecord) error {
	return nil
}

func (m *mockStore) DeleteEntryVectors(ctx context.Context, ownerID, entryID string) error {
	return nil
}

func (m *mockStore) CountVectors(ctx context.Context, ownerID string) (int, error) { return 0, nil }

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vectorCalls
}

type mockEmbedder struct{}

func (mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type mockCompleter struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
}

func (m *mockCompleter) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, user)
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *mockCompleter) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

type captureMetrics struct {
	mu   sync.Mutex
	runs []RunMetrics
}

func (c *captureMetrics) ObserveRun(m RunMetrics) {
	c.mu.Lock()
	c.runs = append(c.runs, m)
	c.mu.Unlock()
}

type captureQueryLog struct {
	saved chan storage.QueryLogRecord
}

func (c *captureQueryLog) SaveQueryLog(rec storage.QueryLogRecord) error {
	c.saved <- rec
	return nil
}

type staticCache struct {
	mu   sync.Mutex
	data map[string]execute.Result
	sets int
}

func (s *staticCache) Get(ctx context.Context, key string) (execute.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.data[key]
	return res, ok
}

func (s *staticCache) Set(ctx context.Context, key string, res execute.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string]execute.Result{}
	}
	s.data[key] = res
	s.sets++
}

const okReply = `{"statusSummary":"Answer drawn from journal entries","answerText":"done"}`

func newOrchestrator(store *mockStore, completer llm.CompletionClient, opts ...Option) *Orchestrator {
	engine := execute.NewEngine(store, mockEmbedder{}, quietLogger)
	cons := consolidate.New(completer, quietLogger)
	opts = append(opts, WithLogger(quietLogger))
	return New(engine, cons, opts...)
}

func testQuestion(text string) Question {
	return Question{
		Text:           text,
		ConversationID: "conv-1",
		OwnerID:        "owner-1",
		AskedAt:        time.Date(2026, time.August, 12, 9, 0, 0, 0, time.UTC),
	}
}

func TestRun_SimpleQuestion(t *testing.T) {
	store := &mockStore{}
	completer := &mockCompleter{reply: okReply}
	o := newOrchestrator(store, completer)

	a := o.Run(context.Background(), testQuestion("What did I write about the garden?"), Budget{MaxLatencyMs: 60000, MaxParallel: 3})

	if a.AnswerText != "done" {
		t.Fatalf("answerText = %q", a.AnswerText)
	}
	if a.Degraded {
		t.Fatal("healthy run must not be degraded")
	}
	if len(a.SourceRecordRefs) == 0 {
		t.Fatal("expected source refs from retrieval")
	}
	if got := len(strings.Fields(a.StatusSummary)); got != 5 {
		t.Fatalf("statusSummary words = %d", got)
	}
}

func TestRun_UnrelatedShortCircuit(t *testing.T) {
	store := &mockStore{}
	completer := &mockCompleter{reply: okReply}
	metrics := &captureMetrics{}
	o := newOrchestrator(store, completer, WithMetrics(metrics))

	a := o.Run(context.Background(), testQuestion("What is the capital of France?"), Budget{MaxLatencyMs: 60000, MaxParallel: 3})

	if a.AnswerText == "" {
		t.Fatal("short circuit must still answer")
	}
	if store.calls() != 0 {
		t.Fatalf("store touched %d times on unrelated question", store.calls())
	}
	if len(completer.prompts) != 0 {
		t.Fatal("completion called on unrelated question")
	}
	if len(metrics.runs) != 1 || !metrics.runs[0].Unrelated {
		t.Fatalf("metrics = %+v", metrics.runs)
	}
}

func TestRun_ComplexQuestionKeepsPriorityOrder(t *testing.T) {
	store := &mockStore{
		vectorSearch: func(_ context.Context, _ []float32, _ float32, _ int, _ string, _ *retrieval.TimeRange) ([]retrieval.Match, error) {
			return []retrieval.Match{{EntryID: "e1", Text: "chunk", Score: 0.8}}, nil
		},
	}
	completer := &mockCompleter{reply: okReply}
	o := newOrchestrator(store, completer)

	// Tight budget forces the parallel strategy.
	a := o.Run(context.Background(), testQuestion("Has my sleep improved over the past month?"), Budget{MaxLatencyMs: 1000, MaxParallel: 2})
	if a.AnswerText != "done" {
		t.Fatalf("answerText = %q", a.AnswerText)
	}

	prompt := completer.lastPrompt()
	first := strings.Index(prompt, "Sub-question 1:")
	second := strings.Index(prompt, "Sub-question 2:")
	if first < 0 || second < 0 || second < first {
		t.Fatalf("sub-questions out of order:\n%s", prompt)
	}
}

func TestRun_CacheHitSkipsRetrieval(t *testing.T) {
	store := &mockStore{}
	completer := &mockCompleter{reply: okReply}
	cache := &staticCache{}
	o := newOrchestrator(store, completer, WithCache(cache))

	q := testQuestion("What did I write about the garden?")
	budget := Budget{MaxLatencyMs: 60000, MaxParallel: 3}

	o.Run(context.Background(), q, budget)
	firstCalls := store.calls()
	if firstCalls == 0 {
		t.Fatal("first run should hit the store")
	}
	if cache.sets == 0 {
		t.Fatal("first run should populate the cache")
	}

	o.Run(context.Background(), q, budget)
	if store.calls() != firstCalls {
		t.Fatal("second run should be served from cache")
	}
}

func TestRun_WritesQueryLog(t *testing.T) {
	store := &mockStore{}
	completer := &mockCompleter{reply: okReply}
	qlog := &captureQueryLog{saved: make(chan storage.QueryLogRecord, 1)}
	o := newOrchestrator(store, completer, WithQueryLog(qlog))

	o.Run(context.Background(), testQuestion("What did I write about the garden?"), Budget{MaxLatencyMs: 60000, MaxParallel: 3})

	select {
	case rec := <-qlog.saved:
		if rec.OwnerID != "owner-1" {
			t.Fatalf("ownerID = %q", rec.OwnerID)
		}
		if rec.QuestionHash == "" || rec.Complexity == "" {
			t.Fatalf("incomplete record: %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query log record never written")
	}
}

func TestRun_NeverReturnsEmptyAnswer(t *testing.T) {
	store := &mockStore{
		vectorSearch: func(ctx context.Context, _ []float32, _ float32, _ int, _ string, _ *retrieval.TimeRange) ([]retrieval.Match, error) {
			return nil, ctx.Err()
		},
	}
	completer := &mockCompleter{reply: "not json at all"}
	o := newOrchestrator(store, completer)

	a := o.Run(context.Background(), testQuestion("What did I write about the garden?"), Budget{MaxLatencyMs: 60000, MaxParallel: 3})
	if a.AnswerText == "" {
		t.Fatal("answer must be non-empty even when everything degrades")
	}
	if !a.Degraded {
		t.Fatal("degraded must be set after parse failure")
	}
}
