package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sellclaw/sellclaw/internal/approval"
	"github.com/sellclaw/sellclaw/internal/bus"
	"github.com/sellclaw/sellclaw/internal/catalog"
	"github.com/sellclaw/sellclaw/internal/config"
	"github.com/sellclaw/sellclaw/internal/scheduler"
	"github.com/sellclaw/sellclaw/internal/store"
	"github.com/sellclaw/sellclaw/internal/triage"
)

// memStore is an in-memory ConversationStore for orchestrator tests. It can
// fail the next n appends or history loads, and gate appends per
// conversation to simulate a stalled backend.
type memStore struct {
	mu              sync.Mutex
	msgs            map[string][]store.Message
	states          map[string]*store.Snapshot
	appendFailures  int
	historyFailures int
	appendGate      map[string]chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		msgs:       make(map[string][]store.Message),
		states:     make(map[string]*store.Snapshot),
		appendGate: make(map[string]chan struct{}),
	}
}

func (s *memStore) Append(_ context.Context, msg store.Message) (bool, error) {
	s.mu.Lock()
	if s.appendFailures > 0 {
		s.appendFailures--
		s.mu.Unlock()
		return false, fmt.Errorf("transient append failure")
	}
	gate := s.appendGate[msg.ConversationID]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs[msg.ConversationID] {
		if m.DedupKey == msg.DedupKey {
			return false, nil
		}
	}
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], msg)
	return true, nil
}

func (s *memStore) History(_ context.Context, id string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFailures > 0 {
		s.historyFailures--
		return nil, fmt.Errorf("transient history failure")
	}
	all := s.msgs[id]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]store.Message, len(all))
	copy(out, all)
	return out, nil
}

func (s *memStore) LoadState(_ context.Context, id string) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	cp := *snap
	if err := cp.Validate(); err != nil {
		return &cp, err
	}
	return &cp, nil
}

func (s *memStore) SaveState(_ context.Context, id string, snap *store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.states[id] = &cp
	return nil
}

func (s *memStore) Conversations(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for id := range s.msgs {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for id := range s.states {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, id)
	delete(s.states, id)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) state(id string) *store.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// recordSink records confirmed sends and can fail the first n attempts.
type recordSink struct {
	mu       sync.Mutex
	sent     []bus.OutboundMessage
	failures int
}

func (s *recordSink) Send(_ context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("transient sink failure")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordSink) all() []bus.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.OutboundMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// recordChannel captures presented approval requests.
type recordChannel struct {
	mu   sync.Mutex
	reqs []approval.Request
}

func (c *recordChannel) Present(_ context.Context, req approval.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return nil
}

func (c *recordChannel) all() []approval.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]approval.Request, len(c.reqs))
	copy(out, c.reqs)
	return out
}

// scriptedReasoner returns a canned analysis per call.
type scriptedReasoner struct {
	analysis triage.Analysis
	err      error
}

func (r scriptedReasoner) Analyze(context.Context, triage.Request) (triage.Analysis, error) {
	return r.analysis, r.err
}

type fixture struct {
	orch    *Orchestrator
	store   *memStore
	bus     *bus.MessageBus
	sink    *recordSink
	channel *recordChannel
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, reasoner triage.Reasoner) *fixture {
	t.Helper()

	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.json"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	f := &fixture{
		store:   newMemStore(),
		bus:     bus.New(),
		sink:    &recordSink{},
		channel: &recordChannel{},
	}
	f.orch = New(Options{
		Store:          f.store,
		Bus:            f.bus,
		Router:         triage.NewRouter(reasoner, time.Second),
		Catalog:        cat,
		Channel:        f.channel,
		Sink:           f.sink,
		Debounce:       scheduler.Config{QuietWindow: 20 * time.Millisecond, MaxBatchSize: 8},
		ApprovalExpiry: time.Hour,
		RateLimitRPM:   6000,
		Retry:          config.Retry{MaxRetries: 2, BaseDelay: "1ms", MaxDelay: "5ms"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("orchestrator run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func inbound(conv, name, text string) bus.InboundMessage {
	return bus.InboundMessage{
		ConversationID: conv,
		DisplayName:    name,
		Text:           text,
		ReceivedAt:     time.Now(),
	}
}

func TestAutoReplyFlow(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability,
		Reply:    "Yes, still available!",
	}})

	f.bus.PublishInbound(inbound("mk/1", "Alex", "Is it available?"))

	waitFor(t, "auto reply", func() bool { return len(f.sink.all()) == 1 })
	if got := f.sink.all()[0].Text; got != "Yes, still available!" {
		t.Errorf("reply = %q", got)
	}

	// The outbound turn must be durable and the snapshot must be clear.
	waitFor(t, "outbound append", func() bool {
		hist, _ := f.store.History(context.Background(), "mk/1", 0)
		return len(hist) == 2 && hist[1].Role == store.RoleOutbound
	})
	waitFor(t, "clear snapshot", func() bool {
		snap := f.store.state("mk/1")
		return snap != nil && snap.Batch == nil && snap.Approval == nil
	})
	if len(f.channel.all()) != 0 {
		t.Error("auto reply must not require approval")
	}
}

func TestBurstProducesOneReply(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability,
		Reply:    "Yes!",
	}})

	f.bus.PublishInbound(inbound("mk/1", "Alex", "Hi"))
	f.bus.PublishInbound(inbound("mk/1", "Alex", "Is it available?"))
	f.bus.PublishInbound(inbound("mk/1", "Alex", "Hello??"))

	waitFor(t, "single reply", func() bool { return len(f.sink.all()) == 1 })
	time.Sleep(60 * time.Millisecond)
	if got := len(f.sink.all()); got != 1 {
		t.Errorf("burst produced %d replies, want 1", got)
	}
}

func TestApprovalApproveWithOverride(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category:   triage.CategoryPricing,
		Reply:      "I could do $35.",
		Intent:     "buyer offered $30",
		OwnerNotes: "listed at 40, floor 30",
	}})

	f.bus.PublishInbound(inbound("mk/2", "Sam", "Would you take $30?"))

	waitFor(t, "approval request", func() bool { return len(f.channel.all()) == 1 })
	req := f.channel.all()[0]
	if req.Decision.Category != triage.CategoryPricing {
		t.Errorf("category = %s", req.Decision.Category)
	}
	if len(f.sink.all()) != 0 {
		t.Fatal("nothing may be sent while approval is pending")
	}

	// Token must already be durable when the request surfaces.
	snap := f.store.state("mk/2")
	if snap == nil || snap.Approval == nil || snap.Approval.Token != req.Token {
		t.Fatalf("persisted approval = %+v, want token %s", snap, req.Token)
	}

	if err := f.orch.Resolve(req.Token, approval.OutcomeApproved, "Sure, $32 and we have a deal."); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	waitFor(t, "override sent", func() bool { return len(f.sink.all()) == 1 })
	if got := f.sink.all()[0].Text; got != "Sure, $32 and we have a deal." {
		t.Errorf("sent %q, want the override text", got)
	}
	waitFor(t, "approval cleared", func() bool {
		s := f.store.state("mk/2")
		return s != nil && s.Approval == nil
	})
}

func TestApprovalRejectedSendsNothing(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryPricing,
		Reply:    "Deal at $20.",
	}})

	f.bus.PublishInbound(inbound("mk/3", "Kim", "$20 final offer"))
	waitFor(t, "approval request", func() bool { return len(f.channel.all()) == 1 })

	if err := f.orch.Resolve(f.channel.all()[0].Token, approval.OutcomeRejected, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitFor(t, "approval cleared", func() bool {
		s := f.store.state("mk/3")
		return s != nil && s.Approval == nil
	})
	if got := len(f.sink.all()); got != 0 {
		t.Errorf("rejected approval sent %d replies", got)
	}
}

func TestDuplicateResolutionIsNoOp(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryPricing,
		Reply:    "Draft.",
	}})

	f.bus.PublishInbound(inbound("mk/4", "Lee", "cheaper?"))
	waitFor(t, "approval request", func() bool { return len(f.channel.all()) == 1 })
	token := f.channel.all()[0].Token

	if err := f.orch.Resolve(token, approval.OutcomeApproved, ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	waitFor(t, "reply sent", func() bool { return len(f.sink.all()) == 1 })

	// The losing duplicate signal is reported, not applied.
	err := f.orch.Resolve(token, approval.OutcomeRejected, "")
	if !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Fatalf("duplicate resolve err = %v, want ErrAlreadyResolved", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(f.sink.all()); got != 1 {
		t.Errorf("duplicate resolution changed the outcome: %d sends", got)
	}
}

func TestMessagesDuringApprovalAreHeld(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryPricing,
		Reply:    "Draft reply.",
	}})

	f.bus.PublishInbound(inbound("mk/5", "Pat", "take $10?"))
	waitFor(t, "approval request", func() bool { return len(f.channel.all()) == 1 })

	// Follow-ups during the pending approval append but never batch.
	f.bus.PublishInbound(inbound("mk/5", "Pat", "hello?"))
	f.bus.PublishInbound(inbound("mk/5", "Pat", "are you there?"))
	waitFor(t, "held messages stored", func() bool {
		hist, _ := f.store.History(context.Background(), "mk/5", 0)
		return len(hist) == 3
	})
	time.Sleep(60 * time.Millisecond)
	if got := len(f.channel.all()); got != 1 {
		t.Fatalf("held messages triggered %d approval requests, want 1", got)
	}

	// Resolution releases the held messages into a fresh batch, which here
	// produces a second approval request.
	if err := f.orch.Resolve(f.channel.all()[0].Token, approval.OutcomeApproved, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitFor(t, "held batch decided", func() bool { return len(f.channel.all()) == 2 })
}

func TestDuplicateInboundIgnored(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability,
		Reply:    "Yes.",
	}})

	f.bus.PublishInbound(inbound("mk/6", "Jo", "still available?"))
	f.bus.PublishInbound(inbound("mk/6", "Jo", "still available?"))

	waitFor(t, "reply", func() bool { return len(f.sink.all()) == 1 })
	hist, _ := f.store.History(context.Background(), "mk/6", 0)
	var inboundCount int
	for _, m := range hist {
		if m.Role == store.RoleInbound {
			inboundCount++
		}
	}
	if inboundCount != 1 {
		t.Errorf("duplicate delivery stored %d inbound messages, want 1", inboundCount)
	}
}

func TestRedeliveryAfterFailedAppendIsStored(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability,
		Reply:    "Yes.",
	}})

	// All retry attempts fail; the message is dropped without a trace.
	f.store.mu.Lock()
	f.store.appendFailures = 3
	f.store.mu.Unlock()

	f.bus.PublishInbound(inbound("mk/12", "Mia", "still available?"))
	waitFor(t, "append attempts exhausted", func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return f.store.appendFailures == 0
	})
	time.Sleep(30 * time.Millisecond)

	// The store healed; the source redelivers the identical message. The
	// ingest cache must not remember the failed attempt.
	f.bus.PublishInbound(inbound("mk/12", "Mia", "still available?"))
	waitFor(t, "redelivered message stored", func() bool {
		hist, _ := f.store.History(context.Background(), "mk/12", 0)
		return len(hist) >= 1 && hist[0].Role == store.RoleInbound
	})
	waitFor(t, "reply to redelivery", func() bool { return len(f.sink.all()) == 1 })
}

func TestStalledConversationDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability,
		Reply:    "Yes.",
	}})

	gate := make(chan struct{})
	f.store.mu.Lock()
	f.store.appendGate["mk/slow"] = gate
	f.store.mu.Unlock()

	f.bus.PublishInbound(inbound("mk/slow", "S", "hello"))
	f.bus.PublishInbound(inbound("mk/fast", "F", "available?"))

	// The fast conversation replies while the slow one's append hangs.
	waitFor(t, "fast reply during slow append", func() bool {
		for _, m := range f.sink.all() {
			if m.ConversationID == "mk/fast" {
				return true
			}
		}
		return false
	})

	close(gate)
	waitFor(t, "slow reply after unblock", func() bool {
		for _, m := range f.sink.all() {
			if m.ConversationID == "mk/slow" {
				return true
			}
		}
		return false
	})
}

func TestHistoryLoadRetriesBeforeDeciding(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability,
		Reply:    "Yes.",
	}})

	f.store.mu.Lock()
	f.store.historyFailures = 1
	f.store.mu.Unlock()

	f.bus.PublishInbound(inbound("mk/13", "Noa", "available?"))
	waitFor(t, "reply after history retry", func() bool { return len(f.sink.all()) == 1 })
}

func TestSinkRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryFAQ,
		Reply:    "It is 1 meter long.",
	}})
	f.sink.failures = 2

	f.bus.PublishInbound(inbound("mk/7", "Ana", "how long is the cable?"))
	waitFor(t, "reply after retries", func() bool { return len(f.sink.all()) == 1 })
}

func TestResumeRestoresPendingApproval(t *testing.T) {
	st := newMemStore()
	requested := time.Now().Add(-5 * time.Minute)
	seed := store.Message{
		ConversationID: "mk/8",
		DedupKey:       store.DedupKey("mk/8", store.RoleInbound, "take $15?"),
		Role:           store.RoleInbound,
		Text:           "take $15?",
		CreatedAt:      requested,
	}
	if _, err := st.Append(context.Background(), seed); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveState(context.Background(), "mk/8", &store.Snapshot{
		DisplayName: "Robin",
		Approval: &store.PendingApproval{
			Token:       "0192aaaa-bbbb-cccc-dddd-eeeeffff0001",
			Reply:       "I can do $18.",
			Category:    string(triage.CategoryPricing),
			Intent:      "buyer offered $15",
			RequestedAt: requested,
		},
	}); err != nil {
		t.Fatal(err)
	}

	f := resumeFixture(t, st, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryPricing, Reply: "Draft.",
	}})

	// The original token is resubscribed, never reissued.
	waitFor(t, "restored approval presented", func() bool { return len(f.channel.all()) == 1 })
	req := f.channel.all()[0]
	if req.Token != "0192aaaa-bbbb-cccc-dddd-eeeeffff0001" {
		t.Fatalf("restored token = %s, want the persisted one", req.Token)
	}

	if err := f.orch.Resolve(req.Token, approval.OutcomeApproved, ""); err != nil {
		t.Fatalf("resolve restored token: %v", err)
	}
	waitFor(t, "restored draft sent", func() bool { return len(f.sink.all()) == 1 })
	if got := f.sink.all()[0].Text; got != "I can do $18." {
		t.Errorf("sent %q, want the persisted draft", got)
	}
}

func TestResumeClosesOpenBatch(t *testing.T) {
	st := newMemStore()
	since := time.Now().Add(-time.Minute)
	seed := store.Message{
		ConversationID: "mk/9",
		DedupKey:       store.DedupKey("mk/9", store.RoleInbound, "is it available?"),
		Role:           store.RoleInbound,
		Text:           "is it available?",
		CreatedAt:      since,
	}
	if _, err := st.Append(context.Background(), seed); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveState(context.Background(), "mk/9", &store.Snapshot{
		DisplayName: "Casey",
		Batch:       &store.BatchMarker{OpenedAt: since, Since: since, Count: 1},
	}); err != nil {
		t.Fatal(err)
	}

	f := resumeFixture(t, st, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability, Reply: "Yes, come get it.",
	}})

	// No quiet window after restart: the interrupted batch decides now.
	waitFor(t, "resumed batch replied", func() bool { return len(f.sink.all()) == 1 })
	waitFor(t, "marker cleared", func() bool {
		s := st.state("mk/9")
		return s != nil && s.Batch == nil
	})
}

func TestCorruptSnapshotQuarantines(t *testing.T) {
	st := newMemStore()
	now := time.Now()
	if err := st.SaveState(context.Background(), "mk/10", &store.Snapshot{
		DisplayName: "Drew",
		Batch:       &store.BatchMarker{OpenedAt: now, Since: now, Count: 1},
		Approval:    &store.PendingApproval{Token: "t", RequestedAt: now},
	}); err != nil {
		t.Fatal(err)
	}

	f := resumeFixture(t, st, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability, Reply: "Yes.",
	}})

	waitFor(t, "quarantine mark", func() bool {
		s := st.state("mk/10")
		return s != nil && s.Quarantined
	})

	// A quarantined conversation stores new messages but never decides.
	f.bus.PublishInbound(inbound("mk/10", "Drew", "anyone there?"))
	waitFor(t, "message stored", func() bool {
		hist, _ := st.History(context.Background(), "mk/10", 0)
		return len(hist) == 1
	})
	time.Sleep(80 * time.Millisecond)
	if len(f.sink.all()) != 0 || len(f.channel.all()) != 0 {
		t.Error("quarantined conversation produced a decision")
	}
}

func TestTeardownIgnoresLateResolution(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryPricing,
		Reply:    "Draft.",
	}})

	f.bus.PublishInbound(inbound("mk/11", "Kai", "would you take less?"))
	waitFor(t, "approval request", func() bool { return len(f.channel.all()) == 1 })
	token := f.channel.all()[0].Token

	f.orch.Teardown("mk/11")

	if err := f.orch.Resolve(token, approval.OutcomeApproved, ""); !errors.Is(err, approval.ErrUnknownToken) {
		t.Fatalf("resolve after teardown = %v, want ErrUnknownToken", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(f.sink.all()); got != 0 {
		t.Errorf("torn-down conversation sent %d replies", got)
	}
}

func TestConversationsDecideIndependently(t *testing.T) {
	f := newFixture(t, scriptedReasoner{analysis: triage.Analysis{
		Category: triage.CategoryAvailability,
		Reply:    "Yes.",
	}})

	f.bus.PublishInbound(inbound("mk/a", "A", "available?"))
	f.bus.PublishInbound(inbound("mk/b", "B", "available?"))

	waitFor(t, "both replies", func() bool { return len(f.sink.all()) == 2 })
	sent := f.sink.all()
	if sent[0].ConversationID == sent[1].ConversationID {
		t.Errorf("both replies went to %s", sent[0].ConversationID)
	}
}

// resumeFixture starts an orchestrator over a pre-seeded store.
func resumeFixture(t *testing.T, st *memStore, reasoner triage.Reasoner) *fixture {
	t.Helper()

	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.json"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	f := &fixture{
		store:   st,
		bus:     bus.New(),
		sink:    &recordSink{},
		channel: &recordChannel{},
	}
	f.orch = New(Options{
		Store:          st,
		Bus:            f.bus,
		Router:         triage.NewRouter(reasoner, time.Second),
		Catalog:        cat,
		Channel:        f.channel,
		Sink:           f.sink,
		Debounce:       scheduler.Config{QuietWindow: 20 * time.Millisecond, MaxBatchSize: 8},
		ApprovalExpiry: time.Hour,
		RateLimitRPM:   6000,
		Retry:          config.Retry{MaxRetries: 2, BaseDelay: "1ms", MaxDelay: "5ms"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("orchestrator run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
