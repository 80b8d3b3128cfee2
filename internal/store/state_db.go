package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sealdm/internal/domain"
)

// DefaultDBFileName is the SQLite filename under the home directory.
const DefaultDBFileName = "state.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS outbox_journal (
  seq             INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id      TEXT NOT NULL UNIQUE,
  conversation_id TEXT NOT NULL,
  row_json        TEXT NOT NULL,
  attempts        INTEGER NOT NULL DEFAULT 0,
  queued_at       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_outbox_journal_conversation
ON outbox_journal (conversation_id, seq);
`,
	`
CREATE TABLE IF NOT EXISTS sync_cursors (
  conversation_id TEXT PRIMARY KEY,
  revision        INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);
`,
}

// StateDB is a thin wrapper around the client's SQLite state database.
type StateDB struct {
	db        *sql.DB
	closeOnce sync.Once
}

// OpenStateDB opens (or creates) state.db under dir and runs migrations.
func OpenStateDB(dir string) (*StateDB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return OpenStateDBPath(filepath.Join(dir, DefaultDBFileName))
}

// OpenStateDBPath opens SQLite at an explicit path and runs migrations.
func OpenStateDBPath(dbPath string) (*StateDB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &StateDB{db: db}
	if err := s.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the SQLite connection.
func (s *StateDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

func (s *StateDB) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *StateDB) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", mode)
	}
	return nil
}

// PutJournal inserts or updates a journal entry. Re-putting an existing
// message keeps its queue position.
func (s *StateDB) PutJournal(entry domain.JournalEntry) error {
	if entry.Row.ID == "" {
		return errors.New("journal entry without message id")
	}
	raw, err := json.Marshal(entry.Row)
	if err != nil {
		return fmt.Errorf("encode journal row: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO outbox_journal (message_id, conversation_id, row_json, attempts, queued_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
  row_json = excluded.row_json,
  attempts = excluded.attempts
`, string(entry.Row.ID), string(entry.Row.ConversationID), string(raw), entry.Attempts, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put journal %s: %w", entry.Row.ID, err)
	}
	return nil
}

// DeleteJournal removes an acknowledged entry. Missing ids are ignored.
func (s *StateDB) DeleteJournal(id domain.MessageID) error {
	if _, err := s.db.Exec(`DELETE FROM outbox_journal WHERE message_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete journal %s: %w", id, err)
	}
	return nil
}

// ListJournal returns one conversation's entries in queue order.
func (s *StateDB) ListJournal(conversation domain.ConversationID) ([]domain.JournalEntry, error) {
	rows, err := s.db.Query(`
SELECT row_json, attempts FROM outbox_journal
WHERE conversation_id = ?
ORDER BY seq ASC
`, string(conversation))
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	return scanJournal(rows)
}

// ListAllJournal returns every entry in queue order.
func (s *StateDB) ListAllJournal() ([]domain.JournalEntry, error) {
	rows, err := s.db.Query(`SELECT row_json, attempts FROM outbox_journal ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	return scanJournal(rows)
}

func scanJournal(rows *sql.Rows) ([]domain.JournalEntry, error) {
	defer rows.Close()

	var out []domain.JournalEntry
	for rows.Next() {
		var (
			raw      string
			attempts int
		)
		if err := rows.Scan(&raw, &attempts); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		var row domain.EnvelopeRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("decode journal row: %w", err)
		}
		out = append(out, domain.JournalEntry{Row: row, Attempts: attempts})
	}
	return out, rows.Err()
}

// Cursor returns the last applied revision, or 0.
func (s *StateDB) Cursor(conversation domain.ConversationID) (int64, error) {
	var rev int64
	err := s.db.QueryRow(`SELECT revision FROM sync_cursors WHERE conversation_id = ?`, string(conversation)).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return rev, nil
}

// SetCursor stores revision unless a higher one is already recorded.
func (s *StateDB) SetCursor(conversation domain.ConversationID, revision int64) error {
	_, err := s.db.Exec(`
INSERT INTO sync_cursors (conversation_id, revision, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
  revision = MAX(sync_cursors.revision, excluded.revision),
  updated_at = excluded.updated_at
`, string(conversation), revision, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

var _ domain.StateStore = (*StateDB)(nil)
