// Package ingest brings journal entries into the corpus: text extraction
// from export formats, chunking, and a background worker that embeds chunks
// into the vector store through the job queue.
package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soulo/insight/internal/storage"
)

// jobTypeEmbed is the queue job type the worker consumes.
const jobTypeEmbed = "embed_entry"

// EntryStore is what the ingestor needs from storage. Implemented by
// storage.Store.
type EntryStore interface {
	SaveEntry(e storage.Entry) error
	EnqueueJob(job storage.Job) error
}

// Request describes one entry to ingest. Data holds the raw export bytes;
// Content may be set directly for plain-text entries.
type Request struct {
	OwnerID   string
	Title     string
	Content   string
	Data      []byte
	Filename  string
	Source    string
	EntryDate time.Time
}

// Ingestor persists entries and queues them for embedding.
type Ingestor struct {
	store  EntryStore
	logger *slog.Logger
}

func NewIngestor(store EntryStore, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, logger: logger}
}

// Ingest extracts text, saves the entry, and enqueues the embed job. The
// entry is durable once this returns; embedding happens asynchronously.
func (i *Ingestor) Ingest(req Request) (storage.Entry, error) {
	if req.OwnerID == "" {
		return storage.Entry{}, fmt.Errorf("owner id is required")
	}

	content := req.Content
	if content == "" && len(req.Data) > 0 {
		text, err := ExtractText(DetectFormat(req.Filename), req.Data)
		if err != nil {
			return storage.Entry{}, fmt.Errorf("extracting text: %w", err)
		}
		content = text
	}
	if content == "" {
		return storage.Entry{}, fmt.Errorf("entry has no content")
	}

	now := time.Now().UTC()
	entryDate := req.EntryDate
	if entryDate.IsZero() {
		entryDate = now
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	entry := storage.Entry{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Title:     req.Title,
		Content:   content,
		Source:    source,
		EntryDate: entryDate,
		CreatedAt: now,
	}
	if err := i.store.SaveEntry(entry); err != nil {
		return storage.Entry{}, fmt.Errorf("saving entry: %w", err)
	}

	payload, err := json.Marshal(embedPayload{EntryID: entry.ID, OwnerID: entry.OwnerID})
	if err != nil {
		return storage.Entry{}, fmt.Errorf("building job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        jobTypeEmbed,
		PayloadJSON: string(payload),
	}
	if err := i.store.EnqueueJob(job); err != nil {
		return storage.Entry{}, fmt.Errorf("enqueueing embed job: %w", err)
	}

	i.logger.Debug("entry queued for embedding", "entry", entry.ID, "chars", len(content))
	return entry, nil
}

type embedPayload struct {
	EntryID string `json:"entry_id"`
	OwnerID string `json:"owner_id"`
}
