// Package history persists conversation transcripts in a local SQLite
// database. Each session maps to one wake-triggered conversation; messages
// within it are stored in turn order so past conversations can be reviewed
// or replayed into a prompt later.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one stored transcript entry.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed transcript store. A nil *Store is valid and
// discards everything, so callers need no history-enabled branch.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// Open initialises the store at path, creating parent directories and the
// schema as needed.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := &Store{db: db, logger: logger, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    wake_word TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("history: init schema: %w", err)
	}
	return nil
}

// Close releases the database. Safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records the start of a conversation. Safe on a nil Store.
func (s *Store) BeginSession(ctx context.Context, sessionID, wakeWord string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, wake_word, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, wakeWord, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("history: begin session: %w", err)
	}
	return nil
}

// Append stores one transcript message. Safe on a nil Store.
func (s *Store) Append(ctx context.Context, sessionID, role, content string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(session_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, role, content, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("history: append message: %w", err)
	}
	return nil
}

// SessionMessages retrieves up to limit messages for a session in turn
// order. Safe on a nil Store (returns nothing).
func (s *Store) SessionMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune deletes all but the keep most recently created sessions; their
// messages go with them via the cascade. keep <= 0 empties the store, so
// callers that treat zero as "keep everything" must not call Prune at all.
// Safe on a nil Store.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if s == nil || s.db == nil {
		return nil
	}
	if keep < 0 {
		keep = 0
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id NOT IN (
		     SELECT session_id FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT ?)`,
		keep); err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}
