// Package scheduler absorbs bursts of inbound messages. Each conversation
// gets a cancellable debounce timer: every new message pushes the deadline
// out by the quiet window, and a hard size cap closes the batch early so a
// very chatty buyer still gets an answer.
package scheduler

import (
	"sync"
	"time"

	"github.com/sellclaw/sellclaw/internal/store"
)

// Config controls batch coalescing.
type Config struct {
	QuietWindow  time.Duration // silence required to close a batch
	MaxBatchSize int           // hard cap; reaching it closes immediately
}

// Batch is a closed, contiguous run of inbound messages for one
// conversation, ready for a decision.
type Batch struct {
	ConversationID string
	DisplayName    string
	Messages       []store.Message
	OpenedAt       time.Time
	Since          time.Time // timestamp of the first member
}

// FlushFunc receives a closed batch. Called outside the scheduler lock;
// implementations may block (they run the decision pipeline).
type FlushFunc func(batch Batch)

type convState struct {
	open        bool
	displayName string
	msgs        []store.Message
	openedAt    time.Time
	gen         uint64 // invalidates stale timer fires
	timer       *time.Timer

	// held: an approval is pending, so arrivals buffer without opening a
	// batch until Release.
	held     bool
	heldMsgs []store.Message
}

// Debouncer coalesces per-conversation message bursts into batches.
type Debouncer struct {
	cfg   Config
	flush FlushFunc

	mu    sync.Mutex
	convs map[string]*convState
}

// New creates a Debouncer delivering closed batches to flush.
func New(cfg Config, flush FlushFunc) *Debouncer {
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = 3 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 8
	}
	return &Debouncer{
		cfg:   cfg,
		flush: flush,
		convs: make(map[string]*convState),
	}
}

// OnMessage feeds one inbound message into the conversation's batch.
// Returns the marker describing the batch the message joined, for snapshot
// persistence, or nil when the message was held. Reaching MaxBatchSize
// closes the batch under the lock, so no later message can slip into a full
// batch; the closed batch is handed to flush on a fresh goroutine and the
// next message opens a new one.
func (d *Debouncer) OnMessage(conversationID, displayName string, msg store.Message) *store.BatchMarker {
	d.mu.Lock()

	c, ok := d.convs[conversationID]
	if !ok {
		c = &convState{}
		d.convs[conversationID] = c
	}
	if displayName != "" {
		c.displayName = displayName
	}

	if c.held {
		c.heldMsgs = append(c.heldMsgs, msg)
		d.mu.Unlock()
		return nil
	}

	if !c.open {
		d.openLocked(conversationID, c, []store.Message{msg})
	} else {
		c.msgs = append(c.msgs, msg)
		c.timer.Reset(d.cfg.QuietWindow)
	}

	marker := markerOf(c)
	if len(c.msgs) >= d.cfg.MaxBatchSize {
		batch := d.closeLocked(conversationID, c)
		d.mu.Unlock()
		go d.flush(batch)
		return marker
	}
	d.mu.Unlock()
	return marker
}

// Hold suspends batch formation for a conversation while an approval is
// pending. Arriving messages buffer until Release.
func (d *Debouncer) Hold(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[conversationID]
	if !ok {
		c = &convState{}
		d.convs[conversationID] = c
	}
	c.held = true
}

// Release ends an approval hold. Messages that arrived during the hold
// open a fresh batch immediately, with the quiet window armed. A backlog
// at or over the cap closes in cap-sized chunks right away, flushed in
// arrival order. Returns the marker of the batch left open, or nil when
// nothing stayed open.
func (d *Debouncer) Release(conversationID string) *store.BatchMarker {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[conversationID]
	if !ok {
		return nil
	}
	c.held = false

	if len(c.heldMsgs) == 0 {
		return nil
	}
	msgs := c.heldMsgs
	c.heldMsgs = nil

	var closed []Batch
	for len(msgs) >= d.cfg.MaxBatchSize {
		d.openLocked(conversationID, c, msgs[:d.cfg.MaxBatchSize])
		closed = append(closed, d.closeLocked(conversationID, c))
		msgs = msgs[d.cfg.MaxBatchSize:]
	}
	if len(closed) > 0 {
		go func() {
			for _, b := range closed {
				d.flush(b)
			}
		}()
	}

	if len(msgs) == 0 {
		return nil
	}
	d.openLocked(conversationID, c, msgs)
	return markerOf(c)
}

// Cancel tears a conversation down: the timer is stopped and any open or
// held batch is discarded without producing a decision.
func (d *Debouncer) Cancel(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[conversationID]
	if !ok {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++ // a timer that already fired will see a stale generation
	delete(d.convs, conversationID)
}

// openLocked opens a batch seeded with msgs and arms the quiet-window
// timer. Callers check the cap afterwards; a seed that already meets it
// closes via closeLocked before the lock is released.
func (d *Debouncer) openLocked(conversationID string, c *convState, msgs []store.Message) {
	c.open = true
	c.msgs = msgs
	c.openedAt = time.Now()
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(d.cfg.QuietWindow, func() {
		d.onTimer(conversationID, gen)
	})
}

func (d *Debouncer) onTimer(conversationID string, gen uint64) {
	d.mu.Lock()
	c, ok := d.convs[conversationID]
	if !ok || !c.open || c.gen != gen {
		// Cancelled, already closed, or superseded by a newer batch.
		d.mu.Unlock()
		return
	}
	batch := d.closeLocked(conversationID, c)
	d.mu.Unlock()
	d.flush(batch)
}

// closeLocked closes the open batch and returns it. Caller holds d.mu and
// hands the batch to flush on a goroutine that does not hold it.
func (d *Debouncer) closeLocked(conversationID string, c *convState) Batch {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++

	batch := Batch{
		ConversationID: conversationID,
		DisplayName:    c.displayName,
		Messages:       c.msgs,
		OpenedAt:       c.openedAt,
	}
	if len(batch.Messages) > 0 {
		batch.Since = batch.Messages[0].CreatedAt
	}
	c.open = false
	c.msgs = nil
	return batch
}

func markerOf(c *convState) *store.BatchMarker {
	if !c.open {
		return nil
	}
	marker := &store.BatchMarker{
		OpenedAt: c.openedAt,
		Count:    len(c.msgs),
	}
	if len(c.msgs) > 0 {
		marker.Since = c.msgs[0].CreatedAt
	}
	return marker
}
