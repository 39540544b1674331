// Package approval bridges synchronous conversation turns with an
// out-of-band, possibly slow human decision. Each request gets an opaque
// correlation token; an external channel later delivers approve/reject for
// that token, or an expiry timer gives up. All terminal transitions fire
// the notifier exactly once.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sellclaw/sellclaw/internal/store"
	"github.com/sellclaw/sellclaw/internal/triage"
)

// Status of an approval request. pending is the only non-terminal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Outcome of an external resolution signal.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

var (
	// ErrPendingExists: the conversation already has an unresolved request.
	ErrPendingExists = errors.New("approval: pending request already exists for conversation")
	// ErrUnknownToken: the token was never issued or has been cleaned up.
	ErrUnknownToken = errors.New("approval: unknown token")
	// ErrAlreadyResolved: duplicate signal for a terminal request. Logged
	// by callers, never fatal.
	ErrAlreadyResolved = errors.New("approval: request already resolved")
)

// Request is an outstanding approval surfaced to the human channel.
type Request struct {
	Token          string
	ConversationID string
	DisplayName    string
	Decision       triage.Decision
	RequestedAt    time.Time
}

// Resolution is the terminal outcome delivered to the notifier.
type Resolution struct {
	Token          string
	ConversationID string
	Status         Status
	Decision       triage.Decision
	// OverrideText replaces the drafted reply when the human approved with
	// a custom message. Only meaningful for StatusApproved.
	OverrideText string
}

// Notifier receives every terminal transition exactly once.
type Notifier func(Resolution)

// Persister stores the pending approval before the token is returned, so a
// crash after Ask is recoverable. Implemented by the orchestrator over the
// conversation store snapshot.
type Persister interface {
	PersistPending(ctx context.Context, conversationID string, pending *store.PendingApproval) error
}

type entry struct {
	req    Request
	status Status
	timer  *time.Timer
}

// Broker tracks outstanding approval requests keyed by token and enforces
// at most one pending request per conversation.
type Broker struct {
	expiry  time.Duration
	notify  Notifier
	persist Persister

	mu      sync.Mutex
	byToken map[string]*entry
	byConv  map[string]string // conversationID to pending token
}

// New creates a Broker. expiry bounds how long a request may stay pending;
// zero means one hour.
func New(expiry time.Duration, persist Persister, notify Notifier) *Broker {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Broker{
		expiry:  expiry,
		notify:  notify,
		persist: persist,
		byToken: make(map[string]*entry),
		byConv:  make(map[string]string),
	}
}

// Ask registers a new approval request for a conversation and returns its
// token. The request is persisted before the token is returned. Fails with
// ErrPendingExists when the conversation already has a pending request.
func (b *Broker) Ask(ctx context.Context, conversationID, displayName string, d triage.Decision) (Request, error) {
	b.mu.Lock()
	if tok, ok := b.byConv[conversationID]; ok {
		b.mu.Unlock()
		return Request{}, fmt.Errorf("%w (token %s)", ErrPendingExists, tok)
	}

	token := uuid.Must(uuid.NewV7()).String()
	req := Request{
		Token:          token,
		ConversationID: conversationID,
		DisplayName:    displayName,
		Decision:       d,
		RequestedAt:    time.Now(),
	}
	e := &entry{req: req, status: StatusPending}
	b.byToken[token] = e
	b.byConv[conversationID] = token
	b.mu.Unlock()

	if err := b.persist.PersistPending(ctx, conversationID, &store.PendingApproval{
		Token:       token,
		Reply:       d.Reply,
		Intent:      d.Intent,
		Category:    string(d.Category),
		MeetupTime:  d.MeetupTime,
		OwnerNotes:  d.OwnerNotes,
		RequestedAt: req.RequestedAt,
	}); err != nil {
		// Durability failed: unwind the registration so the caller can
		// retry; a token must never be live without a persisted record.
		b.mu.Lock()
		delete(b.byToken, token)
		delete(b.byConv, conversationID)
		b.mu.Unlock()
		return Request{}, fmt.Errorf("persist approval request: %w", err)
	}

	b.armExpiry(token, b.expiry)
	return req, nil
}

// Restore re-registers a pending approval recovered from a persisted
// snapshot after a restart. The original token keeps working; no new
// request is issued. Remaining expiry is computed from the original
// request time, with a small floor so the human gets a chance to answer.
func (b *Broker) Restore(conversationID, displayName string, pending *store.PendingApproval) {
	d := triage.Decision{
		ConversationID: conversationID,
		Classification: triage.ClassNeedsApproval,
		Category:       triage.Category(pending.Category),
		Reply:          pending.Reply,
		Intent:         pending.Intent,
		MeetupTime:     pending.MeetupTime,
		OwnerNotes:     pending.OwnerNotes,
	}

	b.mu.Lock()
	b.byToken[pending.Token] = &entry{
		req: Request{
			Token:          pending.Token,
			ConversationID: conversationID,
			DisplayName:    displayName,
			Decision:       d,
			RequestedAt:    pending.RequestedAt,
		},
		status: StatusPending,
	}
	b.byConv[conversationID] = pending.Token
	b.mu.Unlock()

	remaining := b.expiry - time.Since(pending.RequestedAt)
	if remaining < time.Minute {
		remaining = time.Minute
	}
	b.armExpiry(pending.Token, remaining)
	slog.Info("approval request restored", "conversation", conversationID, "token", pending.Token)
}

// Resolve applies an external approve/reject signal. Unknown tokens return
// ErrUnknownToken; signals for already-terminal requests return
// ErrAlreadyResolved. Both are reported, never fatal.
func (b *Broker) Resolve(token string, outcome Outcome, overrideText string) error {
	status := StatusRejected
	if outcome == OutcomeApproved {
		status = StatusApproved
	}
	return b.transition(token, status, overrideText)
}

// Expire forces a pending request into the expired terminal state.
func (b *Broker) Expire(token string) error {
	return b.transition(token, StatusExpired, "")
}

// Pending returns the pending request for a conversation, if any.
func (b *Broker) Pending(conversationID string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tok, ok := b.byConv[conversationID]
	if !ok {
		return Request{}, false
	}
	return b.byToken[tok].req, true
}

// Drop removes a conversation's pending request without notifying. Used on
// conversation teardown, where a late resolution must be ignored.
func (b *Broker) Drop(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tok, ok := b.byConv[conversationID]
	if !ok {
		return
	}
	if e := b.byToken[tok]; e != nil && e.timer != nil {
		e.timer.Stop()
	}
	delete(b.byToken, tok)
	delete(b.byConv, conversationID)
}

func (b *Broker) transition(token string, to Status, overrideText string) error {
	b.mu.Lock()
	e, ok := b.byToken[token]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if e.status != StatusPending {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, token, e.status)
	}

	e.status = to
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(b.byConv, e.req.ConversationID)
	res := Resolution{
		Token:          token,
		ConversationID: e.req.ConversationID,
		Status:         to,
		Decision:       e.req.Decision,
		OverrideText:   overrideText,
	}
	b.mu.Unlock()

	// Terminal entries linger in byToken so duplicate signals are
	// recognized as such rather than reported unknown.
	b.notify(res)
	return nil
}

func (b *Broker) armExpiry(token string, after time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byToken[token]
	if !ok || e.status != StatusPending {
		return
	}
	e.timer = time.AfterFunc(after, func() {
		if err := b.Expire(token); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			slog.Warn("approval expiry failed", "token", token, "error", err)
		}
	})
}
