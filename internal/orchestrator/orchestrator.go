// Package orchestrator owns the per-conversation lifecycle: ingest, append,
// debounce, decide, approve, emit. It is the only writer of lifecycle
// snapshots and the only caller of the reply sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sellclaw/sellclaw/internal/approval"
	"github.com/sellclaw/sellclaw/internal/bus"
	"github.com/sellclaw/sellclaw/internal/catalog"
	"github.com/sellclaw/sellclaw/internal/config"
	"github.com/sellclaw/sellclaw/internal/meetups"
	"github.com/sellclaw/sellclaw/internal/scheduler"
	"github.com/sellclaw/sellclaw/internal/store"
	"github.com/sellclaw/sellclaw/internal/telemetry"
	"github.com/sellclaw/sellclaw/internal/triage"
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Store   store.ConversationStore
	Bus     bus.Router
	Router  *triage.Router
	Catalog *catalog.Catalog
	Meetups *meetups.Log          // nil disables the meetup ledger
	Channel approval.Channel      // human approval surface
	Sink    bus.Sink              // reply delivery

	Debounce       scheduler.Config
	HistoryLimit   int           // messages of context per decision
	ApprovalExpiry time.Duration // pending approvals expire after this
	RateLimitRPM   int           // outbound replies per minute per conversation
	MaxInboundLen  int           // inbound text cap, longer messages are truncated
	Retry          config.Retry
}

// Orchestrator coordinates all active conversations. Each conversation's
// pipeline is serialized by a keyed mutex; conversations never block each
// other.
type Orchestrator struct {
	store   store.ConversationStore
	bus     bus.Router
	router  *triage.Router
	catalog *catalog.Catalog
	meetups *meetups.Log
	channel approval.Channel
	sink    bus.Sink

	sched  *scheduler.Debouncer
	broker *approval.Broker
	dedupe *bus.DedupeCache

	historyLimit  int
	maxInboundLen int
	retry         config.Retry
	limitEvery    time.Duration

	runCtx context.Context

	mu          sync.Mutex
	convLocks   map[string]*sync.Mutex
	limiters    map[string]*rate.Limiter
	names       map[string]string
	quarantined map[string]bool
	inboxes     map[string]chan bus.InboundMessage
}

const (
	dedupeTTL     = 20 * time.Minute
	dedupeEntries = 5000
	inboxDepth    = 256
)

// New builds an Orchestrator. Call Run to start it.
func New(opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 140
	}
	if opts.MaxInboundLen <= 0 {
		opts.MaxInboundLen = 32000
	}
	if opts.RateLimitRPM <= 0 {
		opts.RateLimitRPM = 6
	}
	if opts.Channel == nil {
		opts.Channel = approval.NopChannel{}
	}

	o := &Orchestrator{
		store:         opts.Store,
		bus:           opts.Bus,
		router:        opts.Router,
		catalog:       opts.Catalog,
		meetups:       opts.Meetups,
		channel:       opts.Channel,
		sink:          opts.Sink,
		dedupe:        bus.NewDedupeCache(dedupeTTL, dedupeEntries),
		historyLimit:  opts.HistoryLimit,
		maxInboundLen: opts.MaxInboundLen,
		retry:         opts.Retry,
		limitEvery:    time.Minute / time.Duration(opts.RateLimitRPM),
		runCtx:        context.Background(),
		convLocks:     make(map[string]*sync.Mutex),
		limiters:      make(map[string]*rate.Limiter),
		names:         make(map[string]string),
		quarantined:   make(map[string]bool),
		inboxes:       make(map[string]chan bus.InboundMessage),
	}
	o.sched = scheduler.New(opts.Debounce, o.onBatch)
	o.broker = approval.New(opts.ApprovalExpiry, persister{o}, o.onResolution)
	return o
}

// Resolve applies an operator verdict to a pending approval token. Exposed
// so approval surfaces (console, admin transports) can deliver resolutions.
func (o *Orchestrator) Resolve(token string, outcome approval.Outcome, overrideText string) error {
	err := o.broker.Resolve(token, outcome, overrideText)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, approval.ErrUnknownToken):
		// Duplicate or stale signal. Reported to the caller, never fatal.
		slog.Info("approval signal ignored", "token", token, "reason", err)
		return err
	default:
		return err
	}
}

// Run resumes persisted conversations, then consumes inbound messages until
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runCtx = ctx
	if err := o.resume(ctx); err != nil {
		return fmt.Errorf("resume conversations: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			msg, ok := o.bus.ConsumeInbound(gctx)
			if !ok {
				return nil
			}
			o.dispatch(gctx, msg)
		}
	})
	return g.Wait()
}

// dispatch hands an inbound message to its conversation's ingest worker.
// One worker per conversation keeps arrival order within a conversation
// while a stalled store retry in one conversation never delays the others.
func (o *Orchestrator) dispatch(ctx context.Context, msg bus.InboundMessage) {
	o.mu.Lock()
	inbox, ok := o.inboxes[msg.ConversationID]
	if !ok {
		inbox = make(chan bus.InboundMessage, inboxDepth)
		o.inboxes[msg.ConversationID] = inbox
		go o.ingestLoop(ctx, inbox)
	}
	o.mu.Unlock()

	select {
	case inbox <- msg:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) ingestLoop(ctx context.Context, inbox <-chan bus.InboundMessage) {
	for {
		select {
		case msg := <-inbox:
			o.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// Teardown removes a conversation from the runtime: the debounce timer is
// cancelled and a pending approval is dropped without notifying. Stored
// history is untouched.
func (o *Orchestrator) Teardown(conversationID string) {
	lock := o.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	o.sched.Cancel(conversationID)
	o.broker.Drop(conversationID)
	slog.Info("conversation torn down", "conversation", conversationID)
}

// resume reloads every persisted conversation snapshot. Pending approvals
// resubscribe to their original token; open batch markers close and decide
// immediately from stored history. Corrupt snapshots quarantine the
// conversation rather than guessing at repair.
func (o *Orchestrator) resume(ctx context.Context) error {
	ids, err := o.store.Conversations(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		snap, err := o.store.LoadState(ctx, id)
		if errors.Is(err, store.ErrCorruptSnapshot) {
			o.quarantine(ctx, id, snap, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("load state for %s: %w", id, err)
		}
		if snap == nil {
			continue
		}
		o.setName(id, snap.DisplayName)

		switch {
		case snap.Quarantined:
			o.mu.Lock()
			o.quarantined[id] = true
			o.mu.Unlock()
			slog.Warn("conversation remains quarantined", "conversation", id)

		case snap.Approval != nil:
			o.sched.Hold(id)
			o.broker.Restore(id, snap.DisplayName, snap.Approval)
			if req, ok := o.broker.Pending(id); ok {
				if err := o.channel.Present(ctx, req); err != nil {
					slog.Warn("re-presenting restored approval failed",
						"conversation", id, "token", req.Token, "error", err)
				}
			}

		case snap.Batch != nil:
			// The quiet window is moot after a restart: close now.
			batch, err := o.rebuildBatch(ctx, id, snap)
			if err != nil {
				return fmt.Errorf("rebuild batch for %s: %w", id, err)
			}
			slog.Info("resuming open batch", "conversation", id, "messages", len(batch.Messages))
			go o.onBatch(batch)
		}
	}
	return nil
}

// rebuildBatch reconstructs an interrupted batch from stored history using
// the persisted marker: inbound messages at or after the marker's anchor.
func (o *Orchestrator) rebuildBatch(ctx context.Context, id string, snap *store.Snapshot) (scheduler.Batch, error) {
	history, err := o.store.History(ctx, id, o.historyLimit)
	if err != nil {
		return scheduler.Batch{}, err
	}

	// Backends may store timestamps at second precision; truncate the
	// anchor so the marker's own first message is never excluded.
	since := snap.Batch.Since.Truncate(time.Second)
	var msgs []store.Message
	for _, m := range history {
		if m.Role == store.RoleInbound && !m.CreatedAt.Before(since) {
			msgs = append(msgs, m)
		}
	}
	return scheduler.Batch{
		ConversationID: id,
		DisplayName:    snap.DisplayName,
		Messages:       msgs,
		OpenedAt:       snap.Batch.OpenedAt,
		Since:          snap.Batch.Since,
	}, nil
}

// handleInbound is the ingest path: dedupe, durable append, then either
// buffer behind a pending approval or feed the debounce scheduler.
func (o *Orchestrator) handleInbound(ctx context.Context, in bus.InboundMessage) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	if len(text) > o.maxInboundLen {
		slog.Warn("inbound message truncated",
			"conversation", in.ConversationID, "length", len(text))
		text = text[:o.maxInboundLen]
	}

	msg := store.Message{
		ConversationID: in.ConversationID,
		DedupKey:       store.DedupKey(in.ConversationID, store.RoleInbound, text),
		Role:           store.RoleInbound,
		Text:           text,
		CreatedAt:      in.ReceivedAt,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	// First-line duplicate filter for rapid redelivery; the store's unique
	// index is the durable backstop.
	if o.dedupe.Seen(msg.DedupKey) {
		slog.Debug("duplicate delivery dropped", "conversation", in.ConversationID)
		return
	}

	lock := o.convLock(in.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	o.setName(in.ConversationID, in.DisplayName)

	stored, err := o.appendWithRetry(ctx, msg)
	if err != nil {
		// The message never became durable, so it must not influence
		// scheduling. The key leaves the ingest cache so the source's
		// redelivery gets a fresh append attempt instead of being
		// swallowed as a duplicate.
		o.dedupe.Forget(msg.DedupKey)
		slog.Error("append failed, message dropped",
			"conversation", in.ConversationID, "error", err)
		return
	}
	if !stored {
		slog.Info("duplicate message ignored", "conversation", in.ConversationID)
		return
	}

	if o.isQuarantined(in.ConversationID) {
		slog.Warn("conversation quarantined, message stored but not scheduled",
			"conversation", in.ConversationID)
		return
	}

	// A pending approval freezes batch formation. The message is already
	// durable; it waits for the resolution.
	if _, pending := o.broker.Pending(in.ConversationID); pending {
		o.sched.Hold(in.ConversationID)
		o.sched.OnMessage(in.ConversationID, in.DisplayName, msg)
		slog.Debug("message held behind pending approval", "conversation", in.ConversationID)
		return
	}

	marker := o.sched.OnMessage(in.ConversationID, in.DisplayName, msg)
	if marker != nil {
		o.saveSnapshot(ctx, in.ConversationID, &store.Snapshot{
			DisplayName: o.name(in.ConversationID),
			Batch:       marker,
		})
	}
}

// onBatch runs the decision pipeline for a closed batch. Invoked from
// scheduler goroutines (quiet-window timers and cap closes) and from
// resume.
func (o *Orchestrator) onBatch(batch scheduler.Batch) {
	if len(batch.Messages) == 0 {
		return
	}
	ctx := o.runCtx

	lock := o.convLock(batch.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	// A batch can close in the window between another batch's decision and
	// its approval registration. Those messages re-buffer behind the hold
	// instead of racing a second decision.
	if _, pending := o.broker.Pending(batch.ConversationID); pending {
		o.sched.Hold(batch.ConversationID)
		for _, m := range batch.Messages {
			o.sched.OnMessage(batch.ConversationID, batch.DisplayName, m)
		}
		return
	}

	ctx, span := telemetry.Tracer().Start(ctx, "conversation.decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", batch.ConversationID),
		attribute.Int("batch.size", len(batch.Messages)),
	)

	var history []store.Message
	err := o.withRetry(ctx, "load history", func() error {
		var err error
		history, err = o.store.History(ctx, batch.ConversationID, o.historyLimit)
		return err
	})
	if err != nil {
		// The persisted marker stays in place, so a restart rebuilds and
		// redecides this batch from stored history.
		slog.Error("history load failed, batch dropped",
			"conversation", batch.ConversationID, "error", err)
		return
	}

	texts := make([]string, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		texts = append(texts, m.Text)
	}
	data := o.catalog.Snapshot()
	decision := o.router.Classify(ctx, triage.Request{
		ConversationID:   batch.ConversationID,
		DisplayName:      batch.DisplayName,
		History:          history,
		BatchText:        strings.Join(texts, "\n"),
		Item:             o.catalog.ActiveItem(),
		Location:         data.Location,
		AvailabilityNote: data.AvailabilityNote,
		LocalTime:        time.Now(),
	})
	span.SetAttributes(
		attribute.String("decision.class", string(decision.Classification)),
		attribute.String("decision.category", string(decision.Category)),
	)

	switch decision.Classification {
	case triage.ClassAuto:
		if err := o.emit(ctx, batch.ConversationID, decision.Reply); err != nil {
			slog.Error("auto reply delivery failed",
				"conversation", batch.ConversationID, "error", err)
		}
		o.saveSnapshot(ctx, batch.ConversationID, &store.Snapshot{
			DisplayName: o.name(batch.ConversationID),
		})

	case triage.ClassNeedsApproval:
		o.requestApproval(ctx, batch, decision)
	}
}

// requestApproval freezes the conversation and hands the drafted reply to
// the human channel. Caller holds the conversation lock.
func (o *Orchestrator) requestApproval(ctx context.Context, batch scheduler.Batch, decision triage.Decision) {
	o.sched.Hold(batch.ConversationID)

	req, err := o.broker.Ask(ctx, batch.ConversationID, batch.DisplayName, decision)
	if err != nil {
		// Without a durable pending record the request must not go out.
		// Release the hold so later messages still form batches.
		slog.Error("approval request failed",
			"conversation", batch.ConversationID, "error", err)
		if marker := o.sched.Release(batch.ConversationID); marker != nil {
			o.saveSnapshot(ctx, batch.ConversationID, &store.Snapshot{
				DisplayName: o.name(batch.ConversationID),
				Batch:       marker,
			})
		}
		return
	}

	slog.Info("approval requested",
		"conversation", batch.ConversationID,
		"token", req.Token,
		"category", decision.Category,
		"intent", decision.Intent)

	if err := o.channel.Present(ctx, req); err != nil {
		// The request stays pending until resolved or expired; the operator
		// can still act on it if the surface recovers.
		slog.Warn("presenting approval failed", "token", req.Token, "error", err)
	}
}

// onResolution handles a terminal approval outcome: emit on approve, stay
// silent on reject or expiry, then release held messages into a fresh batch.
func (o *Orchestrator) onResolution(res approval.Resolution) {
	ctx := o.runCtx

	lock := o.convLock(res.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	slog.Info("approval resolved",
		"conversation", res.ConversationID,
		"token", res.Token,
		"status", res.Status)

	if res.Status == approval.StatusApproved {
		text := res.Decision.Reply
		if res.OverrideText != "" {
			text = res.OverrideText
		}
		if err := o.emit(ctx, res.ConversationID, text); err != nil {
			slog.Error("approved reply delivery failed",
				"conversation", res.ConversationID, "error", err)
		} else {
			o.recordMeetup(res)
		}
	}

	// Pending approval is terminal either way: clear it from the snapshot.
	snap := &store.Snapshot{DisplayName: o.name(res.ConversationID)}
	if marker := o.sched.Release(res.ConversationID); marker != nil {
		snap.Batch = marker
	}
	o.saveSnapshot(ctx, res.ConversationID, snap)
}

// recordMeetup appends to the meetup ledger when an approved reply
// finalized a time with the buyer.
func (o *Orchestrator) recordMeetup(res approval.Resolution) {
	if o.meetups == nil || !res.Decision.MeetupConfirmed {
		return
	}
	data := o.catalog.Snapshot()
	entry := meetups.Entry{
		BuyerName:      o.name(res.ConversationID),
		ConversationID: res.ConversationID,
		ItemName:       o.catalog.ActiveItem().Name,
		Location:       data.Location,
		MeetupTime:     res.Decision.MeetupTime,
		Notes:          res.Decision.OwnerNotes,
	}
	if err := o.meetups.Append(entry); err != nil {
		slog.Error("meetup ledger append failed",
			"conversation", res.ConversationID, "error", err)
	}
}

// emit delivers one reply: rate limit, confirmed send, then durable append
// of the outbound message. A reply is only recorded after the sink
// confirmed delivery.
func (o *Orchestrator) emit(ctx context.Context, conversationID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("refusing to send empty reply")
	}

	ctx, span := telemetry.Tracer().Start(ctx, "conversation.emit")
	defer span.End()

	if err := o.limiter(conversationID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	out := bus.OutboundMessage{ConversationID: conversationID, Text: text}
	err := o.withRetry(ctx, "send reply", func() error {
		return o.sink.Send(ctx, out)
	})
	if err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	o.bus.PublishOutbound(out)

	_, err = o.appendWithRetry(ctx, store.Message{
		ConversationID: conversationID,
		DedupKey:       store.DedupKey(conversationID, store.RoleOutbound, text),
		Role:           store.RoleOutbound,
		Text:           text,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		// Delivery succeeded but the record did not stick. History is now
		// missing one outbound turn; log loudly and carry on.
		slog.Error("outbound append failed after delivery",
			"conversation", conversationID, "error", err)
	}
	return nil
}

// persister adapts the orchestrator to the broker's durability hook. The
// snapshot write happens before Ask returns the token.
type persister struct{ o *Orchestrator }

func (p persister) PersistPending(ctx context.Context, conversationID string, pending *store.PendingApproval) error {
	return p.o.saveSnapshotErr(ctx, conversationID, &store.Snapshot{
		DisplayName: p.o.name(conversationID),
		Approval:    pending,
	})
}

// quarantine marks a conversation corrupt and stops scheduling for it.
// Stored messages remain readable for manual inspection.
func (o *Orchestrator) quarantine(ctx context.Context, conversationID string, snap *store.Snapshot, cause error) {
	slog.Error("snapshot corrupt, conversation quarantined",
		"conversation", conversationID, "error", cause)

	o.mu.Lock()
	o.quarantined[conversationID] = true
	o.mu.Unlock()

	q := &store.Snapshot{Quarantined: true}
	if snap != nil {
		q.DisplayName = snap.DisplayName
	}
	if err := o.saveSnapshotErr(ctx, conversationID, q); err != nil {
		slog.Error("persisting quarantine mark failed",
			"conversation", conversationID, "error", err)
	}
}

func (o *Orchestrator) isQuarantined(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quarantined[conversationID]
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, conversationID string, snap *store.Snapshot) {
	if err := o.saveSnapshotErr(ctx, conversationID, snap); err != nil {
		slog.Error("snapshot save failed", "conversation", conversationID, "error", err)
	}
}

func (o *Orchestrator) saveSnapshotErr(ctx context.Context, conversationID string, snap *store.Snapshot) error {
	return o.withRetry(ctx, "save snapshot", func() error {
		return o.store.SaveState(ctx, conversationID, snap)
	})
}

func (o *Orchestrator) appendWithRetry(ctx context.Context, msg store.Message) (bool, error) {
	var stored bool
	err := o.withRetry(ctx, "append message", func() error {
		var err error
		stored, err = o.store.Append(ctx, msg)
		return err
	})
	return stored, err
}

// withRetry runs fn with exponential backoff for transient failures.
func (o *Orchestrator) withRetry(ctx context.Context, label string, fn func() error) error {
	maxRetries := o.retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := config.Duration(o.retry.BaseDelay, 2*time.Second)
	max := config.Duration(o.retry.MaxDelay, 30*time.Second)

	var err error
	delay := base
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%s: %w", label, err)
		}
		slog.Warn("transient failure, retrying",
			"op", label, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", label, ctx.Err())
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
}

func (o *Orchestrator) convLock(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		o.convLocks[conversationID] = l
	}
	return l
}

func (o *Orchestrator) limiter(conversationID string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[conversationID]
	if !ok {
		l = rate.NewLimiter(rate.Every(o.limitEvery), 1)
		o.limiters[conversationID] = l
	}
	return l
}

func (o *Orchestrator) setName(conversationID, displayName string) {
	if displayName == "" {
		return
	}
	o.mu.Lock()
	o.names[conversationID] = displayName
	o.mu.Unlock()
}

func (o *Orchestrator) name(conversationID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.names[conversationID]
}
