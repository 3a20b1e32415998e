package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for journal entries, the embed
// job queue, and the query analytics log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "insight.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database handle for the retrieval layer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Journal Entries ---

func (s *Store) SaveEntry(e Entry) error {
	entryDate := e.EntryDate
	if entryDate.IsZero() {
		entryDate = e.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO journal_entries (id, owner_id, title, content, mood, themes, source, entry_date, created_at, vector_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.Title, e.Content, e.Mood, orEmptyJSON(e.Themes), e.Source,
		entryDate.UTC().Format(time.RFC3339), e.CreatedAt.UTC().Format(time.RFC3339), orEmptyJSON(e.VectorIDs),
	)
	return err
}

func (s *Store) GetEntry(ownerID, id string) (Entry, error) {
	var e Entry
	var entryDate, createdAt string
	err := s.db.QueryRow(`
		SELECT id, owner_id, title, content, mood, themes, source, entry_date, created_at, vector_ids
		FROM journal_entries WHERE id = ? AND owner_id = ?`, id, ownerID,
	).Scan(&e.ID, &e.OwnerID, &e.Title, &e.Content, &e.Mood, &e.Themes, &e.Source, &entryDate, &createdAt, &e.VectorIDs)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if e.EntryDate, err = time.Parse(time.RFC3339, entryDate); err != nil {
		return Entry{}, fmt.Errorf("parsing entry_date: %w", err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateEntryVectorIDs(id, vectorIDs string) error {
	res, err := s.db.Exec(`UPDATE journal_entries SET vector_ids = ? WHERE id = ?`, orEmptyJSON(vectorIDs), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntry removes an owner's entry. Vector cleanup is the caller's job.
func (s *Store) DeleteEntry(ownerID, id string) error {
	res, err := s.db.Exec(`DELETE FROM journal_entries WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateEntryEnrichment stores the derived mood and theme labels for an
// entry.
func (s *Store) UpdateEntryEnrichment(id, mood, themes string) error {
	res, err := s.db.Exec(`UPDATE journal_entries SET mood = ?, themes = ? WHERE id = ?`, mood, orEmptyJSON(themes), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecentEntries returns the owner's newest entries by entry date.
func (s *Store) ListRecentEntries(ownerID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, title, content, mood, themes, source, entry_date, created_at, vector_ids
		FROM journal_entries WHERE owner_id = ? ORDER BY entry_date DESC LIMIT ?`, ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var e Entry
		var entryDate, createdAt string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Title, &e.Content, &e.Mood, &e.Themes, &e.Source, &entryDate, &createdAt, &e.VectorIDs); err != nil {
			return nil, err
		}
		if e.EntryDate, err = time.Parse(time.RFC3339, entryDate); err != nil {
			return nil, fmt.Errorf("parsing entry_date: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Query Log ---

// SaveQueryLog records one orchestration run for analytics. The insert is
// idempotent: replaying the same record is a no-op rather than an error.
func (s *Store) SaveQueryLog(r QueryLogRecord) error {
	degraded := 0
	if r.Degraded {
		degraded = 1
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO query_log (id, owner_id, question_hash, complexity, strategy, degraded, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.QuestionHash, r.Complexity, r.Strategy, degraded, r.DurationMs,
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentQueryLogs returns the owner's newest query log records.
func (s *Store) RecentQueryLogs(ownerID string, limit int) ([]QueryLogRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, question_hash, complexity, strategy, degraded, duration_ms, created_at
		FROM query_log WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`, ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueryLogRecord
	for rows.Next() {
		var r QueryLogRecord
		var degraded int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.QuestionHash, &r.Complexity, &r.Strategy, &degraded, &r.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		r.Degraded = degraded != 0
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Job Queue ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC()
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, '')`,
		job.ID, job.Type, payload, maxAttempts,
		runAfter.UTC().Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

// ClaimNextJob atomically selects and marks the next runnable job of the given
// types as running. Returns (nil, nil) when no job is ready.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		ORDER BY created_at ASC LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. Jobs under their attempt budget go back to
// pending with a delay; exhausted jobs are marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	attempts++
	now := time.Now().UTC()
	status := "pending"
	runAfter := now.Add(time.Duration(attempts) * 30 * time.Second)
	if attempts >= maxAttempts {
		status = "failed"
		runAfter = now
	}

	if _, err := tx.Exec(`
		UPDATE jobs SET status = ?, attempts = ?, run_after = ?, updated_at = ?, last_error = ?
		WHERE id = ?`,
		status, attempts, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), errMsg, id,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
