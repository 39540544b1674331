// Package store defines the durable conversation memory: an append-only
// message log per conversation plus a lifecycle snapshot. The store is the
// sole source of truth on restart; no in-memory state is trusted until
// reloaded from it.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleInbound  Role = "inbound"  // buyer to seller
	RoleOutbound Role = "outbound" // seller to buyer
)

// Message is one stored chat message. Immutable once stored; only removed
// by an explicit memory reset.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	DedupKey       string    `json:"dedup_key"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// DedupKey derives the content-based deduplication key for a message.
// Re-delivery of the same (conversation, role, text) maps to the same key,
// which the unique index turns into a no-op append.
func DedupKey(conversationID string, role Role, text string) string {
	sum := sha256.Sum256([]byte(conversationID + "|" + string(role) + "|" + text))
	return hex.EncodeToString(sum[:])[:32]
}

// BatchMarker records an open debounce batch in the snapshot so a crash
// mid-batch is recoverable.
type BatchMarker struct {
	OpenedAt time.Time `json:"opened_at"`
	Since    time.Time `json:"since"` // earliest message covered by the batch
	Count    int       `json:"count"`
}

// PendingApproval records an outstanding approval request in the snapshot.
type PendingApproval struct {
	Token       string    `json:"token"`
	Reply       string    `json:"reply"`        // drafted reply to emit on approve
	Intent      string    `json:"intent"`       // human-readable intent label
	Category    string    `json:"category"`     // triage category that forced approval
	MeetupTime  string    `json:"meetup_time,omitempty"`
	OwnerNotes  string    `json:"owner_notes,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Snapshot is the minimal persisted lifecycle state needed to resume a
// conversation after a restart.
type Snapshot struct {
	DisplayName string           `json:"display_name,omitempty"`
	Batch       *BatchMarker     `json:"batch,omitempty"`
	Approval    *PendingApproval `json:"approval,omitempty"`
	Quarantined bool             `json:"quarantined,omitempty"`
}

// ErrCorruptSnapshot marks a persisted snapshot that fails invariant
// checks. The conversation is quarantined for manual inspection, never
// silently repaired.
var ErrCorruptSnapshot = errors.New("store: corrupt lifecycle snapshot")

// Validate checks snapshot invariants: a conversation cannot have an open
// batch and a pending approval at the same time.
func (s *Snapshot) Validate() error {
	if s == nil {
		return nil
	}
	if s.Batch != nil && s.Approval != nil {
		return fmt.Errorf("%w: open batch and pending approval both set", ErrCorruptSnapshot)
	}
	if s.Approval != nil && s.Approval.Token == "" {
		return fmt.Errorf("%w: pending approval without token", ErrCorruptSnapshot)
	}
	return nil
}

// ConversationStore is the durable conversation memory contract.
// Implementations must serialize writes per conversation; reads of
// different conversations proceed independently.
type ConversationStore interface {
	// Append persists msg idempotently. Returns true when the message was
	// newly stored, false when its dedup key was already present.
	Append(ctx context.Context, msg Message) (bool, error)

	// History returns stored messages oldest first. limit > 0 caps the
	// result to the most recent limit messages.
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// LoadState returns the persisted snapshot, or nil for a new
	// conversation. A snapshot failing Validate is returned alongside
	// ErrCorruptSnapshot.
	LoadState(ctx context.Context, conversationID string) (*Snapshot, error)

	// SaveState atomically overwrites the snapshot. A concurrent reader
	// never observes a half-written snapshot.
	SaveState(ctx context.Context, conversationID string, snap *Snapshot) error

	// Conversations lists all known conversation IDs (for startup resume).
	Conversations(ctx context.Context) ([]string, error)

	// Reset removes all messages and state for a conversation. This is the
	// only path that deletes stored messages.
	Reset(ctx context.Context, conversationID string) error

	Close() error
}
