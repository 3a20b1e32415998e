package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/soulo/insight/internal/storage"
)

func newTestStore(t *testing.T) (*SQLiteStore, *storage.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db.DB()), db
}

// unitVec returns a dim-length unit vector pointing along the given axis.
func unitVec(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func insertVecs(t *testing.T, s *SQLiteStore, records []VectorRecord) {
	t.Helper()
	if err := s.InsertVectors(context.Background(), records); err != nil {
		t.Fatalf("InsertVectors() error: %v", err)
	}
}

func TestVectorSearch_ThresholdAndOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()

	insertVecs(t, s, []VectorRecord{
		{ID: "v1", OwnerID: "o1", EntryID: "e1", TextChunk: "exact match", Embedding: unitVec(4, 0), EntryDate: now},
		{ID: "v2", OwnerID: "o1", EntryID: "e2", TextChunk: "orthogonal", Embedding: unitVec(4, 1), EntryDate: now},
		{ID: "v3", OwnerID: "o1", EntryID: "e3", TextChunk: "partial", Embedding: []float32{0.7, 0.7, 0, 0}, EntryDate: now},
	})

	got, err := s.VectorSearch(context.Background(), unitVec(4, 0), 0.5, 10, "o1", nil)
	if err != nil {
		t.Fatalf("VectorSearch() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2 (orthogonal vector filtered by threshold)", len(got))
	}
	if got[0].ID != "v1" || got[1].ID != "v3" {
		t.Errorf("order = [%s %s], want [v1 v3]", got[0].ID, got[1].ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v then %v", got[0].Score, got[1].Score)
	}
}

func TestVectorSearch_OwnerScoped(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()

	insertVecs(t, s, []VectorRecord{
		{ID: "v1", OwnerID: "o1", EntryID: "e1", TextChunk: "mine", Embedding: unitVec(4, 0), EntryDate: now},
		{ID: "v2", OwnerID: "o2", EntryID: "e2", TextChunk: "theirs", Embedding: unitVec(4, 0), EntryDate: now},
	})

	got, err := s.VectorSearch(context.Background(), unitVec(4, 0), 0.1, 10, "o1", nil)
	if err != nil {
		t.Fatalf("VectorSearch() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "v1" {
		t.Errorf("got %+v, want only o1's record", got)
	}

	if _, err := s.VectorSearch(context.Background(), unitVec(4, 0), 0.1, 10, "", nil); err == nil {
		t.Error("VectorSearch with empty owner: error = nil, want error")
	}
}

func TestVectorSearch_TimeFilter(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	insertVecs(t, s, []VectorRecord{
		{ID: "old", OwnerID: "o1", EntryID: "e1", TextChunk: "old entry", Embedding: unitVec(4, 0), EntryDate: now.AddDate(0, -2, 0)},
		{ID: "new", OwnerID: "o1", EntryID: "e2", TextChunk: "new entry", Embedding: unitVec(4, 0), EntryDate: now.AddDate(0, 0, -1)},
	})

	tr := &TimeRange{Start: now.AddDate(0, 0, -7), End: now.Add(time.Hour)}
	got, err := s.VectorSearch(context.Background(), unitVec(4, 0), 0.1, 10, "o1", tr)
	if err != nil {
		t.Fatalf("VectorSearch() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("got %+v, want only the in-window record", got)
	}
}

func TestVectorSearch_EndExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	insertVecs(t, s, []VectorRecord{
		{ID: "boundary", OwnerID: "o1", EntryID: "e1", TextChunk: "at end", Embedding: unitVec(4, 0), EntryDate: end},
		{ID: "inside", OwnerID: "o1", EntryID: "e2", TextChunk: "before end", Embedding: unitVec(4, 0), EntryDate: end.Add(-time.Hour)},
	})

	tr := &TimeRange{Start: end.AddDate(0, -1, 0), End: end}
	got, err := s.VectorSearch(context.Background(), unitVec(4, 0), 0.1, 10, "o1", tr)
	if err != nil {
		t.Fatalf("VectorSearch() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "inside" {
		t.Errorf("got %+v, want end instant excluded", got)
	}
}

func TestStructuredQuery_RejectsUnscoped(t *testing.T) {
	s, _ := newTestStore(t)

	cases := []struct {
		name string
		sql  string
	}{
		{"no owner clause", "SELECT COUNT(*) FROM journal_entries"},
		{"not a select", "DELETE FROM journal_entries WHERE owner_id = ?"},
		{"multi statement", "SELECT 1 WHERE owner_id = ?; DROP TABLE journal_entries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.StructuredQuery(context.Background(), tc.sql, nil, "o1"); err == nil {
				t.Errorf("StructuredQuery(%q) error = nil, want rejection", tc.sql)
			}
		})
	}
}

func TestStructuredQuery_CountByTheme(t *testing.T) {
	s, db := newTestStore(t)
	now := time.Now().UTC()

	for i, themes := range []string{`["work"]`, `["work","sleep"]`, `["family"]`} {
		e := storage.Entry{
			ID:        "e" + strings.Repeat("x", i+1),
			OwnerID:   "o1",
			Content:   "entry",
			Themes:    themes,
			EntryDate: now,
			CreatedAt: now,
		}
		if err := db.SaveEntry(e); err != nil {
			t.Fatalf("SaveEntry() error: %v", err)
		}
	}

	rows, err := s.StructuredQuery(context.Background(),
		"SELECT COUNT(*) AS mention_count FROM journal_entries WHERE owner_id = ? AND themes LIKE ?",
		[]any{"%work%"}, "o1")
	if err != nil {
		t.Fatalf("StructuredQuery() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	count, ok := rows[0]["mention_count"].(int64)
	if !ok || count != 2 {
		t.Errorf("mention_count = %v, want 2", rows[0]["mention_count"])
	}
}

func TestRecentEntries_NewestFirst(t *testing.T) {
	s, db := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		e := storage.Entry{ID: id, OwnerID: "o1", Content: "entry " + id, EntryDate: base.AddDate(0, 0, -i), CreatedAt: base}
		if err := db.SaveEntry(e); err != nil {
			t.Fatalf("SaveEntry() error: %v", err)
		}
	}

	got, err := s.RecentEntries(context.Background(), "o1", 2)
	if err != nil {
		t.Fatalf("RecentEntries() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("got %+v, want [a b]", got)
	}
	if got[0].Score != 0 {
		t.Errorf("listing score = %v, want 0", got[0].Score)
	}
}

func TestDeleteEntryVectors(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()

	insertVecs(t, s, []VectorRecord{
		{ID: "v1", OwnerID: "o1", EntryID: "e1", TextChunk: "one", Embedding: unitVec(4, 0), EntryDate: now},
		{ID: "v2", OwnerID: "o1", EntryID: "e1", TextChunk: "two", Embedding: unitVec(4, 1), EntryDate: now},
		{ID: "v3", OwnerID: "o1", EntryID: "e2", TextChunk: "keep", Embedding: unitVec(4, 2), EntryDate: now},
	})

	if err := s.DeleteEntryVectors(context.Background(), "o1", "e1"); err != nil {
		t.Fatalf("DeleteEntryVectors() error: %v", err)
	}
	count, err := s.CountVectors(context.Background(), "o1")
	if err != nil {
		t.Fatalf("CountVectors() error: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestTimeRange_Widen(t *testing.T) {
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	tr := TimeRange{Start: end.AddDate(0, 0, -7), End: end}

	wide := tr.Widen()
	if !wide.End.Equal(end) {
		t.Errorf("Widen() moved the end: %v", wide.End)
	}
	if wide.Duration() != 2*tr.Duration() {
		t.Errorf("Widen() duration = %v, want %v", wide.Duration(), 2*tr.Duration())
	}
}
