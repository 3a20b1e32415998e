package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage with brute-force cosine similarity
// search and relational query execution, backed by SQLite. Adequate up to
// ~100K vectors per owner; beyond that an ANN-capable backend should
// implement Store instead.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for retrieval operations.
// The entry_vectors and journal_entries tables must already exist
// (created via storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// idScore holds only the ID and score during the scan phase of VectorSearch.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// VectorSearch scans the owner's vectors, keeping the top-K records whose
// cosine similarity clears the threshold. The optional time range is applied
// in SQL so out-of-window vectors are never decoded.
func (s *SQLiteStore) VectorSearch(ctx context.Context, vector []float32, threshold float32, limit int, ownerID string, timeRange *TimeRange) ([]Match, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("vector search requires an owner ID")
	}
	if limit <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	scan := sq.Select("id", "embedding").From("entry_vectors").Where(sq.Eq{"owner_id": ownerID})
	if timeRange != nil {
		scan = scan.Where(sq.GtOrEq{"entry_date": timeRange.Start.UTC().Format(time.RFC3339)}).
			Where(sq.Lt{"entry_date": timeRange.End.UTC().Format(time.RFC3339)})
	}
	scanSQL, scanArgs, err := scan.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building scan query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, scanSQL, scanArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if score < threshold {
			continue
		}
		if h.Len() < limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	fullSQL, fullArgs, err := sq.Select("id", "entry_id", "text_chunk", "entry_date", "themes").
		From("entry_vectors").Where(sq.Eq{"id": topIDs}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building record query: %w", err)
	}

	fullRows, err := s.db.QueryContext(ctx, fullSQL, fullArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []Match
	for fullRows.Next() {
		var m Match
		var entryDate string
		if err := fullRows.Scan(&m.ID, &m.EntryID, &m.Text, &entryDate, &m.Themes); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		t, err := time.Parse(time.RFC3339, entryDate)
		if err != nil {
			return nil, fmt.Errorf("parsing entry_date: %w", err)
		}
		m.EntryDate = t
		m.Score = scores[m.ID]
		results = append(results, m)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// sortByScore sorts Matches by Score descending. Used for small slices (topK).
func sortByScore(results []Match) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// StructuredQuery executes a read-only, parameterized query. The text must be
// a single SELECT scoped by an owner_id placeholder; ownerID is bound as the
// first argument. Anything else is rejected before touching the database.
func (s *SQLiteStore) StructuredQuery(ctx context.Context, sqlText string, args []any, ownerID string) ([]Row, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("structured query requires an owner ID")
	}
	lower := strings.ToLower(sqlText)
	trimmed := strings.TrimSpace(lower)
	if !strings.HasPrefix(trimmed, "select") {
		return nil, fmt.Errorf("structured query must be a SELECT statement")
	}
	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("structured query must be a single statement")
	}
	if !strings.Contains(lower, "owner_id = ?") {
		return nil, fmt.Errorf("structured query is not owner-scoped")
	}

	allArgs := append([]any{ownerID}, args...)
	rows, err := s.db.QueryContext(ctx, sqlText, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("executing structured query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	var results []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// RecentEntries lists the owner's newest journal entries as score-less
// matches. This path backs the terminal fallback and must not depend on
// embeddings being present.
func (s *SQLiteStore) RecentEntries(ctx context.Context, ownerID string, limit int) ([]Match, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("recent entries requires an owner ID")
	}
	listSQL, listArgs, err := sq.Select("id", "content", "themes", "entry_date").
		From("journal_entries").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("entry_date DESC").
		Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building listing query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("listing recent entries: %w", err)
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var m Match
		var entryDate string
		if err := rows.Scan(&m.ID, &m.Text, &m.Themes, &entryDate); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		t, err := time.Parse(time.RFC3339, entryDate)
		if err != nil {
			return nil, fmt.Errorf("parsing entry_date: %w", err)
		}
		m.EntryID = m.ID
		m.EntryDate = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// InsertVectors adds chunk embeddings in one transaction.
func (s *SQLiteStore) InsertVectors(ctx context.Context, records []VectorRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO entry_vectors (id, owner_id, entry_id, text_chunk, embedding, entry_date, themes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		blob := encodeFloat32s(r.Embedding)
		entryDate := r.EntryDate
		if entryDate.IsZero() {
			entryDate = time.Now().UTC()
		}
		themes := r.Themes
		if themes == "" {
			themes = "[]"
		}
		if _, err := stmt.Exec(r.ID, r.OwnerID, r.EntryID, r.TextChunk, blob, entryDate.UTC().Format(time.RFC3339), themes); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteEntryVectors removes all vectors belonging to one entry.
func (s *SQLiteStore) DeleteEntryVectors(ctx context.Context, ownerID, entryID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entry_vectors WHERE owner_id = ? AND entry_id = ?", ownerID, entryID)
	if err != nil {
		return fmt.Errorf("deleting vectors for entry %s: %w", entryID, err)
	}
	return nil
}

// CountVectors returns the number of stored vectors for the owner.
func (s *SQLiteStore) CountVectors(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entry_vectors WHERE owner_id = ?", ownerID).Scan(&count)
	return count, err
}
