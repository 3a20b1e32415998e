package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one journal entry owned by a single user.
type Entry struct {
	ID        string
	OwnerID   string
	Title     string
	Content   string
	Mood      string
	Themes    string // JSON array stored as text
	Source    string // "app", "import", "api"
	EntryDate time.Time
	CreatedAt time.Time
	VectorIDs string // JSON array stored as text
}

// Job is one queued background task (currently only "embed_entry").
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// QueryLogRecord is the analytics trace of one orchestration run.
// Recording it is best-effort and must never block the answer path.
type QueryLogRecord struct {
	ID           string
	OwnerID      string
	QuestionHash string
	Complexity   string
	Strategy     string
	Degraded     bool
	DurationMs   int64
	CreatedAt    time.Time
}
