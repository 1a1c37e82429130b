// Package transcript provides a SQLite-backed record of question/answer
// turns. Every completed turn is persisted with its cited pages, keyed by a
// session ID, so past conversations survive restarts and can be reviewed
// with `hbai history`.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Turn is a single completed question/answer exchange.
type Turn struct {
	// Question is the user's question as typed (before any rewrite).
	Question string
	// Answer is the concise answer shown to the user.
	Answer string
	// CitedPages are the handbook page numbers the answer drew on.
	CitedPages []int
	// CreatedAt is when the turn was persisted.
	CreatedAt time.Time
}

// Store persists and retrieves conversation turns keyed by session ID.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append persists a single completed turn for the given session.
	Append(ctx context.Context, sessionID string, turn Turn) error
	// Recent returns the most recent n turns for the session, ordered
	// oldest-first. If fewer than n turns exist, all are returned.
	Recent(ctx context.Context, sessionID string, n int) ([]Turn, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the transcript database.
// It resolves to ~/.hbai/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("transcript: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".hbai")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("transcript: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT    NOT NULL,
    question     TEXT    NOT NULL,
    answer       TEXT    NOT NULL,
    cited_pages  TEXT    NOT NULL DEFAULT '',  -- comma-separated page numbers
    created_at   INTEGER NOT NULL              -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created
    ON turns (session_id, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Append persists a single completed turn for the given session.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn Turn) error {
	const q = `INSERT INTO turns (session_id, question, answer, cited_pages, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		sessionID, turn.Question, turn.Answer, encodePages(turn.CitedPages), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	return nil
}

// Recent returns the most recent n turns for the session, ordered
// oldest-first. Uses a subquery to select the tail then re-order.
func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	const q = `
SELECT question, answer, cited_pages, created_at FROM (
    SELECT id, question, answer, cited_pages, created_at
    FROM   turns
    WHERE  session_id = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("transcript: recent: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var pages string
		var ts int64
		if err := rows.Scan(&t.Question, &t.Answer, &pages, &ts); err != nil {
			return nil, fmt.Errorf("transcript: recent scan: %w", err)
		}
		t.CitedPages = decodePages(pages)
		t.CreatedAt = time.Unix(ts, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: recent rows: %w", err)
	}
	return turns, nil
}

// RecentAll returns the most recent n turns across every session, ordered
// oldest-first. Used by `hbai history` to review past conversations.
func (s *SQLiteStore) RecentAll(ctx context.Context, n int) ([]Turn, error) {
	const q = `
SELECT question, answer, cited_pages, created_at FROM (
    SELECT id, question, answer, cited_pages, created_at
    FROM   turns
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("transcript: recent all: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var pages string
		var ts int64
		if err := rows.Scan(&t.Question, &t.Answer, &pages, &ts); err != nil {
			return nil, fmt.Errorf("transcript: recent all scan: %w", err)
		}
		t.CitedPages = decodePages(pages)
		t.CreatedAt = time.Unix(ts, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: recent all rows: %w", err)
	}
	return turns, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("transcript: close: %w", err)
	}
	return nil
}

// encodePages renders page numbers as a comma-separated string for storage.
func encodePages(pages []int) string {
	if len(pages) == 0 {
		return ""
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// decodePages parses the comma-separated page list. Malformed entries are
// skipped rather than failing the whole read.
func decodePages(s string) []int {
	if s == "" {
		return nil
	}
	var pages []int
	for _, part := range strings.Split(s, ",") {
		if p, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			pages = append(pages, p)
		}
	}
	return pages
}
