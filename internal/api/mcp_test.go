package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/soulo/insight/internal/consolidate"
	"github.com/soulo/insight/internal/ingest"
	"github.com/soulo/insight/internal/orchestrate"
	"github.com/soulo/insight/internal/retrieval"
	"github.com/soulo/insight/internal/storage"
)

type mockQueryEmbedder struct {
	vector []float32
	err    error
}

func (m *mockQueryEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return m.vector, m.err
}

type mockVectorStore struct {
	matches []retrieval.Match
}

func (m *mockVectorStore) VectorSearch(_ context.Context, _ []float32, _ float32, _ int, _ string, _ *retrieval.TimeRange) ([]retrieval.Match, error) {
	return m.matches, nil
}

func (m *mockVectorStore) StructuredQuery(context.Context, string, []any, string) ([]retrieval.Row, error) {
	return nil, nil
}

func (m *mockVectorStore) RecentEntries(context.Context, string, int) ([]retrieval.Match, error) {
	return nil, nil
}

func (m *mockVectorStore) InsertVectors(context.Context, []retrieval.VectorRecord) error { return nil }

func (m *mockVectorStore) DeleteEntryVectors(context.Context, string, string) error { return nil }

func (m *mockVectorStore) CountVectors(context.Context, string) (int, error) { return 0, nil }

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	return MCPDeps{
		Store: store,
		Runner: &mockRunner{
			run: func(_ context.Context, _ orchestrate.Question, _ orchestrate.Budget) consolidate.Answer {
				return consolidate.Answer{StatusSummary: "Here is what I found", AnswerText: "test answer"}
			},
		},
		Ingestor: &mockIngestor{
			ingest: func(req ingest.Request) (storage.Entry, error) {
				return storage.Entry{ID: "e1", OwnerID: req.OwnerID}, nil
			},
		},
		OwnerID: "o1",
		Budget:  orchestrate.Budget{MaxLatencyMs: 8000, MaxParallel: 3},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func TestMCPTool_AskJournal(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	var gotOwner string
	deps.Runner = &mockRunner{
		run: func(_ context.Context, q orchestrate.Question, _ orchestrate.Budget) consolidate.Answer {
			gotOwner = q.OwnerID
			return consolidate.Answer{StatusSummary: "Here is what I found", AnswerText: "You slept better this week."}
		},
	}
	handler := mcpAskJournal(deps)

	req := makeCallToolRequest("ask_journal", map[string]interface{}{
		"question": "How has my sleep been?",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if gotOwner != "o1" {
		t.Errorf("owner = %q, want default o1", gotOwner)
	}

	var answer consolidate.Answer
	if err := json.Unmarshal([]byte(toolText(t, result)), &answer); err != nil {
		t.Fatalf("parsing answer: %v", err)
	}
	if answer.AnswerText != "You slept better this week." {
		t.Errorf("answerText = %q", answer.AnswerText)
	}
}

func TestMCPTool_AskJournal_MissingQuestion(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAskJournal(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_journal", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing question")
	}
}

func TestMCPTool_AddEntry(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	var gotReq ingest.Request
	deps.Ingestor = &mockIngestor{
		ingest: func(req ingest.Request) (storage.Entry, error) {
			gotReq = req
			return storage.Entry{ID: "e42", OwnerID: req.OwnerID}, nil
		},
	}
	handler := mcpAddEntry(deps)

	req := makeCallToolRequest("add_entry", map[string]interface{}{
		"content":    "Went hiking with friends.",
		"title":      "Saturday",
		"entry_date": "2026-08-15T10:00:00Z",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if gotReq.Source != "mcp" {
		t.Errorf("source = %q, want mcp", gotReq.Source)
	}
	want := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	if !gotReq.EntryDate.Equal(want) {
		t.Errorf("entryDate = %v, want %v", gotReq.EntryDate, want)
	}
}

func TestMCPTool_SearchEntries(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Embedder = &mockQueryEmbedder{vector: []float32{1, 0}}
	deps.Vectors = &mockVectorStore{
		matches: []retrieval.Match{
			{ID: "v1", EntryID: "e1", Text: "ran five miles", Score: 0.9, EntryDate: time.Now().UTC()},
			{ID: "v2", EntryID: "e2", Text: "long walk", Score: 0.6, EntryDate: time.Now().UTC()},
		},
	}
	handler := mcpSearchEntries(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_entries", map[string]interface{}{
		"query": "exercise",
		"limit": 5,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var results []json.RawMessage
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("parsing results: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 matches, got %d", len(results))
	}
}

func TestMCPTool_SearchEntries_NoEmbedder(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSearchEntries(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_entries", map[string]interface{}{
		"query": "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error without embedder")
	}
}

func TestMCPResource_RecentEntries(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	now := time.Now().UTC()
	if err := store.SaveEntry(storage.Entry{
		ID: "e1", OwnerID: "o1", Title: "Morning", Content: "Slept well.", EntryDate: now, CreatedAt: now,
	}); err != nil {
		t.Fatalf("SaveEntry() error: %v", err)
	}

	handler := mcpResourceRecent(deps)
	contents, err := handler(context.Background(), makeReadResourceRequest("journal://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatalf("parsing summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0]["title"] != "Morning" {
		t.Errorf("unexpected summaries: %v", summaries)
	}
}
