package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soulo/insight/internal/retrieval"
	"github.com/soulo/insight/internal/storage"
)

// JobStore abstracts the job queue and entry operations the worker needs.
// Implemented by storage.Store.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetEntry(ownerID, id string) (storage.Entry, error)
	UpdateEntryVectorIDs(id, vectorIDs string) error
	UpdateEntryEnrichment(id, mood, themes string) error
}

// BatchEmbedder generates embeddings for a batch of chunks.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorInserter writes chunk embeddings to the vector store.
type VectorInserter interface {
	InsertVectors(ctx context.Context, records []retrieval.VectorRecord) error
}

// Enricher derives mood and theme labels from entry text. Optional; failures
// are logged and the entry still embeds.
type Enricher interface {
	Enrich(ctx context.Context, content string) (mood string, themes []string, err error)
}

// Worker processes embed_entry jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder BatchEmbedder
	vectors  VectorInserter
	enricher Enricher
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. enricher may be nil. If pollInterval is <= 0,
// it defaults to 500ms.
func NewWorker(store JobStore, embedder BatchEmbedder, vectors VectorInserter, enricher Enricher, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		enricher: enricher,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (w *Worker) SetLogger(l *slog.Logger) {
	if l != nil {
		w.logger = l
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_entry job. Returns true if a
// job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{jobTypeEmbed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	entry, err := w.store.GetEntry(payload.OwnerID, payload.EntryID)
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", payload.EntryID, err)
	}

	themesJSON := entry.Themes
	if w.enricher != nil {
		mood, themes, err := w.enricher.Enrich(ctx, entry.Content)
		if err != nil {
			w.logger.Warn("enrichment failed, embedding without labels", "entry", entry.ID, "error", err)
		} else {
			b, err := json.Marshal(themes)
			if err != nil {
				return fmt.Errorf("marshalling themes: %w", err)
			}
			themesJSON = string(b)
			if err := w.store.UpdateEntryEnrichment(entry.ID, mood, themesJSON); err != nil {
				return fmt.Errorf("updating enrichment: %w", err)
			}
		}
	}

	chunks := ChunkText(entry.Content)
	if len(chunks) == 0 {
		return fmt.Errorf("entry %s has no embeddable text", entry.ID)
	}

	vecs, err := w.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	records := make([]retrieval.VectorRecord, len(chunks))
	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		id := uuid.NewString()
		ids[i] = id
		records[i] = retrieval.VectorRecord{
			ID:        id,
			OwnerID:   entry.OwnerID,
			EntryID:   entry.ID,
			TextChunk: chunk,
			Embedding: vecs[i],
			EntryDate: entry.EntryDate,
			Themes:    themesJSON,
		}
	}

	if err := w.vectors.InsertVectors(ctx, records); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}

	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshalling vector ids: %w", err)
	}
	if err := w.store.UpdateEntryVectorIDs(entry.ID, string(idsJSON)); err != nil {
		return fmt.Errorf("updating vector_ids: %w", err)
	}

	return nil
}
