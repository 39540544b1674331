// Package pg implements store.ConversationStore backed by Postgres for
// managed deployments. Schema is applied via `sellclaw migrate up`
// (migrations/ directory at the repo root).
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sellclaw/sellclaw/internal/store"
)

// Store is a Postgres-backed ConversationStore.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Append persists msg idempotently via ON CONFLICT DO NOTHING on the
// (conversation_id, dedup_key) unique index.
func (s *Store) Append(ctx context.Context, msg store.Message) (bool, error) {
	if msg.DedupKey == "" {
		msg.DedupKey = store.DedupKey(msg.ConversationID, msg.Role, msg.Text)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, dedup_key, role, text, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (conversation_id, dedup_key) DO NOTHING`,
		msg.ConversationID, msg.DedupKey, string(msg.Role), msg.Text, msg.CreatedAt,
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
	q := `SELECT dedup_key, role, text, created_at FROM messages WHERE conversation_id = $1 ORDER BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		q += ` LIMIT $2`
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
		if err := rows.Scan(&m.DedupKey, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = conversationID
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LoadState returns the persisted snapshot or nil for a new conversation.
func (s *Store) LoadState(ctx context.Context, conversationID string) (*store.Snapshot, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM conversation_state WHERE conversation_id = $1`,
		conversationID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	var snap store.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorruptSnapshot, err)
	}
	if err := snap.Validate(); err != nil {
		return &snap, err
	}
	return &snap, nil
}

// SaveState overwrites the snapshot in a single upsert.
func (s *Store) SaveState(ctx context.Context, conversationID string, snap *store.Snapshot) error {
	if snap == nil {
		snap = &store.Snapshot{}
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_state (conversation_id, snapshot, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
		conversationID, raw, time.Now(),
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("reset messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_state WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}
