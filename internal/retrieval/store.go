// Package retrieval implements the retrieval store: vector similarity search
// plus relational query execution over one owner's journal records.
package retrieval

import (
	"context"
	"time"
)

// TimeRange bounds a search to [Start, End). Start is inclusive, End exclusive.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Duration returns the length of the range.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Widen returns a new range with the same end and double the duration.
func (r TimeRange) Widen() TimeRange {
	return TimeRange{Start: r.Start.Add(-r.Duration()), End: r.End}
}

// Match is one retrieved journal chunk with its similarity score.
type Match struct {
	ID        string
	EntryID   string
	Text      string
	Score     float32
	EntryDate time.Time
	Themes    string // JSON array stored as text
}

// Row is one result row from a structured query, keyed by column name.
type Row map[string]any

// VectorRecord is a stored chunk embedding.
type VectorRecord struct {
	ID        string
	OwnerID   string
	EntryID   string
	TextChunk string
	Embedding []float32
	EntryDate time.Time
	Themes    string
}

// Store is the retrieval-store contract the orchestration core consumes.
// Every operation is scoped to a single owner's records.
type Store interface {
	// VectorSearch returns up to limit records whose cosine similarity to the
	// query vector is >= threshold, newest scan order, best score first. A nil
	// timeRange means no date constraint.
	VectorSearch(ctx context.Context, vector []float32, threshold float32, limit int, ownerID string, timeRange *TimeRange) ([]Match, error)

	// StructuredQuery executes a validated, parameterized read-only query.
	// The query text must be owner-scoped; unscoped queries are rejected.
	StructuredQuery(ctx context.Context, sqlText string, args []any, ownerID string) ([]Row, error)

	// RecentEntries returns the owner's newest records without any similarity
	// or date filtering. This is the terminal-fallback listing.
	RecentEntries(ctx context.Context, ownerID string, limit int) ([]Match, error)

	// InsertVectors stores chunk embeddings.
	InsertVectors(ctx context.Context, records []VectorRecord) error

	// DeleteEntryVectors removes all vectors for one entry.
	DeleteEntryVectors(ctx context.Context, ownerID, entryID string) error

	// CountVectors returns the number of stored vectors for the owner.
	CountVectors(ctx context.Context, ownerID string) (int, error)
}
