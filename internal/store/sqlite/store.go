// Package sqlite implements store.ConversationStore on an embedded SQLite
// database. This is the standalone backend; managed deployments use the
// Postgres backend in store/pg.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sellclaw/sellclaw/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    dedup_key TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_unique ON messages(conversation_id, dedup_key);
CREATE INDEX IF NOT EXISTS idx_messages_conv_id ON messages(conversation_id, id);

CREATE TABLE IF NOT EXISTS conversation_state (
    conversation_id TEXT PRIMARY KEY,
    snapshot TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Store is a SQLite-backed ConversationStore.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and parent directory) if needed and
// applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer: SQLite serializes writes anyway; one connection avoids
	// SQLITE_BUSY churn under concurrent conversation workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Append persists msg idempotently via the unique (conversation, dedup_key)
// index. Returns true when newly stored.
func (s *Store) Append(ctx context.Context, msg store.Message) (bool, error) {
	if msg.DedupKey == "" {
		msg.DedupKey = store.DedupKey(msg.ConversationID, msg.Role, msg.Text)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (conversation_id, dedup_key, role, text, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.DedupKey, msg.Role, msg.Text, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	return n == 1, nil
}

// History returns stored messages oldest first, capped to the most recent
// limit messages when limit > 0.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	q := `SELECT dedup_key, role, text, created_at FROM messages WHERE conversation_id = ? ORDER BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var ts int64
		if err := rows.Scan(&m.DedupKey, &m.Role, &m.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = conversationID
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Newest-first query for the LIMIT; callers want oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LoadState returns the persisted snapshot or nil for a new conversation.
// A snapshot failing invariant checks is returned with ErrCorruptSnapshot
// so the caller can quarantine the conversation.
func (s *Store) LoadState(ctx context.Context, conversationID string) (*store.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM conversation_state WHERE conversation_id = ?`,
		conversationID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	var snap store.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorruptSnapshot, err)
	}
	if err := snap.Validate(); err != nil {
		return &snap, err
	}
	return &snap, nil
}

// SaveState overwrites the snapshot in a single upsert; readers see either
// the old or the new document, never a partial one.
func (s *Store) SaveState(ctx context.Context, conversationID string, snap *store.Snapshot) error {
	if snap == nil {
		snap = &store.Snapshot{}
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_state (conversation_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		conversationID, string(raw), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Conversations lists every conversation known to either table.
func (s *Store) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_state
		 UNION SELECT DISTINCT conversation_id FROM messages`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reset removes all messages and lifecycle state for a conversation.
func (s *Store) Reset(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("reset messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_state WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
