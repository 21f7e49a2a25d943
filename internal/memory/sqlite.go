package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/dmorav1/convoqa/internal/kb"
)

// SQLiteStore is a kb.MemoryStore backed by a local SQLite database. Turns
// survive process restarts, which matters for the server deployment where
// sessions outlive individual requests.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB

	// maxTurns bounds the history retained per memory key.
	maxTurns int
}

// DefaultDBPath returns the default path for the conversation memory
// database. It resolves to ~/.convoqa/memory.db, creating the directory if
// needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("memory: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".convoqa")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("memory: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "memory.db"), nil
}

// OpenSQLite opens (or creates) a SQLiteStore at the given path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
// maxTurns <= 0 uses DefaultMaxTurns.
func OpenSQLite(path string, maxTurns int) (*SQLiteStore, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, maxTurns: maxTurns}
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
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    memory_key  TEXT    NOT NULL,
    question    TEXT    NOT NULL,
    answer      TEXT    NOT NULL,
    created_at  INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_turns_key_created
    ON turns (memory_key, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("memory: migrate: %w", err)
	}
	return nil
}

// Append persists a turn under key, then prunes the key's history down to the
// retention bound.
func (s *SQLiteStore) Append(ctx context.Context, key string, turn kb.Turn) error {
	at := turn.At
	if at.IsZero() {
		at = time.Now()
	}
	const ins = `INSERT INTO turns (memory_key, question, answer, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, key, turn.Question, turn.Answer, at.Unix()); err != nil {
		return fmt.Errorf("memory: append: %w", err)
	}

	const prune = `
DELETE FROM turns
WHERE  memory_key = ?
AND    id NOT IN (
    SELECT id FROM turns
    WHERE  memory_key = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
)`
	if _, err := s.db.ExecContext(ctx, prune, key, key, s.maxTurns); err != nil {
		return fmt.Errorf("memory: prune: %w", err)
	}
	return nil
}

// Recent returns up to n of the most recent turns for key, ordered
// oldest-first. Uses a subquery to select the tail then re-order for prompt
// injection.
func (s *SQLiteStore) Recent(ctx context.Context, key string, n int) ([]kb.Turn, error) {
	if n <= 0 || n > s.maxTurns {
		n = s.maxTurns
	}
	const q = `
SELECT question, answer, created_at FROM (
    SELECT id, question, answer, created_at
    FROM   turns
    WHERE  memory_key = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, key, n)
	if err != nil {
		return nil, fmt.Errorf("memory: recent: %w", err)
	}
	defer rows.Close()

	var turns []kb.Turn
	for rows.Next() {
		var t kb.Turn
		var ts int64
		if err := rows.Scan(&t.Question, &t.Answer, &ts); err != nil {
			return nil, fmt.Errorf("memory: recent scan: %w", err)
		}
		t.At = time.Unix(ts, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: recent rows: %w", err)
	}
	return turns, nil
}

// Clear discards all turns for key.
func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	const q = `DELETE FROM turns WHERE memory_key = ?`
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("memory: clear: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("memory: close: %w", err)
	}
	return nil
}
