package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/soulo/insight/internal/ingest"
	"github.com/soulo/insight/internal/orchestrate"
	"github.com/soulo/insight/internal/retrieval"
	"github.com/soulo/insight/internal/storage"
)

// QueryEmbedder turns a search query into an embedding vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// mcpSearchThreshold is the similarity floor for the raw search tool. It
// matches the execution ladder's first fallback rung.
const mcpSearchThreshold = 0.25

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Runner   QueryRunner
	Ingestor EntryIngestor
	Embedder QueryEmbedder   // optional; if nil, search_entries returns an error
	Vectors  retrieval.Store // optional, paired with Embedder
	OwnerID  string          // default owner when a tool call names none
	Budget   orchestrate.Budget
}

func (d MCPDeps) owner(req mcp.CallToolRequest) string {
	if o := req.GetString("owner_id", ""); o != "" {
		return o
	}
	return d.OwnerID
}

// NewMCPServer creates an MCP server exposing the journal question engine.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"insight",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("insight — ask questions about a personal journal corpus and add new entries to it."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_journal",
			mcp.WithDescription("Answer a free-text question about the journal: patterns, moods, habits, specific events. Always returns an answer, degraded if retrieval struggled."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("owner_id", mcp.Description("Journal owner (defaults to the configured owner)")),
		),
		mcpAskJournal(deps),
	)

	s.AddTool(
		mcp.NewTool("add_entry",
			mcp.WithDescription("Store a new journal entry. The entry is embedded in the background and becomes searchable shortly after."),
			mcp.WithString("content", mcp.Description("The entry text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title")),
			mcp.WithString("entry_date", mcp.Description("Entry date as RFC 3339 (defaults to now)")),
			mcp.WithString("owner_id", mcp.Description("Journal owner (defaults to the configured owner)")),
		),
		mcpAddEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("search_entries",
			mcp.WithDescription("Semantically search journal chunks and return raw matches without answer synthesis."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("owner_id", mcp.Description("Journal owner (defaults to the configured owner)")),
		),
		mcpSearchEntries(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"journal://recent",
			"Recent Entries",
			mcp.WithResourceDescription("The 10 newest journal entries (titles and snippets)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAskJournal(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		owner := deps.owner(req)
		if owner == "" {
			return mcpError("owner_id is required"), nil
		}

		answer := deps.Runner.Run(ctx, orchestrate.Question{
			Text:    question,
			OwnerID: owner,
			AskedAt: time.Now().UTC(),
		}, deps.Budget)

		b, err := json.Marshal(answer)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		owner := deps.owner(req)
		if owner == "" {
			return mcpError("owner_id is required"), nil
		}

		var entryDate time.Time
		if raw := req.GetString("entry_date", ""); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid entry_date: %v", err)), nil
			}
			entryDate = parsed
		}

		entry, err := deps.Ingestor.Ingest(ingest.Request{
			OwnerID:   owner,
			Title:     req.GetString("title", ""),
			Content:   content,
			Source:    "mcp",
			EntryDate: entryDate,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store entry: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored entry %s", entry.ID)), nil
	}
}

func mcpSearchEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Embedder == nil || deps.Vectors == nil {
			return mcpError("search not available: no embedding service configured"), nil
		}

		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		owner := deps.owner(req)
		if owner == "" {
			return mcpError("owner_id is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		vector, err := deps.Embedder.Embed(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding failed: %v", err)), nil
		}
		matches, err := deps.Vectors.VectorSearch(ctx, vector, mcpSearchThreshold, limit, owner, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		type matchResult struct {
			ID        string  `json:"id"`
			EntryID   string  `json:"entry_id"`
			Text      string  `json:"text"`
			Score     float32 `json:"score"`
			EntryDate string  `json:"entry_date"`
			Themes    string  `json:"themes,omitempty"`
		}
		results := make([]matchResult, len(matches))
		for i, m := range matches {
			results[i] = matchResult{
				ID:        m.ID,
				EntryID:   m.EntryID,
				Text:      m.Text,
				Score:     m.Score,
				EntryDate: m.EntryDate.Format(time.RFC3339),
				Themes:    m.Themes,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.OwnerID == "" {
			return nil, fmt.Errorf("no default owner configured")
		}
		entries, err := deps.Store.ListRecentEntries(deps.OwnerID, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent entries: %w", err)
		}

		type entrySummary struct {
			ID        string `json:"id"`
			Title     string `json:"title,omitempty"`
			Snippet   string `json:"snippet"`
			EntryDate string `json:"entry_date"`
		}
		summaries := make([]entrySummary, len(entries))
		for i, e := range entries {
			snippet := e.Content
			if utf8.RuneCountInString(snippet) > 200 {
				runes := []rune(snippet)
				snippet = string(runes[:200]) + "..."
			}
			summaries[i] = entrySummary{
				ID:        e.ID,
				Title:     e.Title,
				Snippet:   snippet,
				EntryDate: e.EntryDate.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
