// Package api exposes the query engine over HTTP and MCP. Both surfaces are
// thin glue: the orchestrator stays the only place answers are produced.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soulo/insight/internal/consolidate"
	"github.com/soulo/insight/internal/ingest"
	"github.com/soulo/insight/internal/orchestrate"
	"github.com/soulo/insight/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB, PDF exports included

// QueryRunner is the orchestrator contract the API layer consumes.
type QueryRunner interface {
	Run(ctx context.Context, q orchestrate.Question, budget orchestrate.Budget) consolidate.Answer
}

// EntryIngestor persists new entries and queues them for embedding.
type EntryIngestor interface {
	Ingest(req ingest.Request) (storage.Entry, error)
}

// VectorDeleter abstracts vector cleanup for entry deletion.
type VectorDeleter interface {
	DeleteEntryVectors(ctx context.Context, ownerID, entryID string) error
}

type AppDeps struct {
	Store    *storage.Store
	Runner   QueryRunner
	Ingestor EntryIngestor
	Vectors  VectorDeleter // optional; if nil, vector cleanup is skipped on delete
	Token    string
	Budget   orchestrate.Budget
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/query", handleQuery(deps))
		r.Post("/v1/entries", handleCreateEntry(deps))
		r.Get("/v1/entries", handleListEntries(deps))
		r.Get("/v1/entries/{id}", handleGetEntry(deps))
		r.Delete("/v1/entries/{id}", handleDeleteEntry(deps))
		r.Get("/v1/query-log", handleQueryLog(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type QueryRequest struct {
	Question       string `json:"question"`
	OwnerID        string `json:"owner_id"`
	ConversationID string `json:"conversation_id"`
	Turns          []struct {
		Role string `json:"role"`
		Text string `json:"text"`
	} `json:"turns"`
	MaxLatencyMs int `json:"max_latency_ms"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if req.OwnerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}

		turns := make([]consolidate.Turn, len(req.Turns))
		for i, t := range req.Turns {
			turns[i] = consolidate.Turn{Role: t.Role, Text: t.Text}
		}

		budget := deps.Budget
		if req.MaxLatencyMs > 0 && req.MaxLatencyMs < budget.MaxLatencyMs {
			budget.MaxLatencyMs = req.MaxLatencyMs
		}

		answer := deps.Runner.Run(r.Context(), orchestrate.Question{
			Text:           req.Question,
			OwnerID:        req.OwnerID,
			ConversationID: req.ConversationID,
			Turns:          turns,
			AskedAt:        time.Now().UTC(),
		}, budget)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(answer)
	}
}

type CreateEntryRequest struct {
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Data      string `json:"data"` // base64 export bytes, alternative to content
	Filename  string `json:"filename"`
	Source    string `json:"source"`
	EntryDate string `json:"entry_date"` // RFC 3339, optional
}

func handleCreateEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		if req.Content == "" && req.Data == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or data is required")
			return
		}

		var data []byte
		if req.Data != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.Data)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 data")
				return
			}
			data = decoded
		}

		var entryDate time.Time
		if req.EntryDate != "" {
			parsed, err := time.Parse(time.RFC3339, req.EntryDate)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid entry_date: %v", err)
				return
			}
			entryDate = parsed
		}

		entry, err := deps.Ingestor.Ingest(ingest.Request{
			OwnerID:   req.OwnerID,
			Title:     req.Title,
			Content:   req.Content,
			Data:      data,
			Filename:  req.Filename,
			Source:    req.Source,
			EntryDate: entryDate,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ingest failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     entry.ID,
			"status": "queued",
		})
	}
}

// EntryView is the JSON shape entries are served as. Themes and vector IDs
// are stored as JSON text and re-emitted raw.
type EntryView struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Title     string          `json:"title,omitempty"`
	Content   string          `json:"content"`
	Mood      string          `json:"mood,omitempty"`
	Themes    json.RawMessage `json:"themes"`
	Source    string          `json:"source"`
	EntryDate time.Time       `json:"entry_date"`
	CreatedAt time.Time       `json:"created_at"`
}

func entryView(e storage.Entry) EntryView {
	themes := e.Themes
	if themes == "" {
		themes = "[]"
	}
	return EntryView{
		ID:        e.ID,
		OwnerID:   e.OwnerID,
		Title:     e.Title,
		Content:   e.Content,
		Mood:      e.Mood,
		Themes:    json.RawMessage(themes),
		Source:    e.Source,
		EntryDate: e.EntryDate,
		CreatedAt: e.CreatedAt,
	}
}

func handleListEntries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		entries, err := deps.Store.ListRecentEntries(ownerID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entries: %v", err)
			return
		}

		views := make([]EntryView, len(entries))
		for i, e := range entries {
			views[i] = entryView(e)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		id := chi.URLParam(r, "id")

		entry, err := deps.Store.GetEntry(ownerID, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "entry not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get entry: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entryView(entry))
	}
}

func handleDeleteEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		id := chi.URLParam(r, "id")

		if deps.Vectors != nil {
			if err := deps.Vectors.DeleteEntryVectors(r.Context(), ownerID, id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vectors: %v", err)
				return
			}
		}

		err := deps.Store.DeleteEntry(ownerID, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "entry not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete entry: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleQueryLog(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		logs, err := deps.Store.RecentQueryLogs(ownerID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list query log: %v", err)
			return
		}

		type logView struct {
			ID           string    `json:"id"`
			QuestionHash string    `json:"question_hash"`
			Complexity   string    `json:"complexity"`
			Strategy     string    `json:"strategy,omitempty"`
			Degraded     bool      `json:"degraded"`
			DurationMs   int64     `json:"duration_ms"`
			CreatedAt    time.Time `json:"created_at"`
		}
		views := make([]logView, len(logs))
		for i, l := range logs {
			views[i] = logView{
				ID:           l.ID,
				QuestionHash: l.QuestionHash,
				Complexity:   l.Complexity,
				Strategy:     l.Strategy,
				Degraded:     l.Degraded,
				DurationMs:   l.DurationMs,
				CreatedAt:    l.CreatedAt,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
