package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sellclaw/sellclaw/internal/store"
	"github.com/sellclaw/sellclaw/internal/triage"
)

type memPersister struct {
	mu      sync.Mutex
	pending map[string]*store.PendingApproval
	err     error
}

func newMemPersister() *memPersister {
	return &memPersister{pending: make(map[string]*store.PendingApproval)}
}

func (p *memPersister) PersistPending(_ context.Context, conversationID string, pa *store.PendingApproval) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[conversationID] = pa
	return nil
}

type resolutionRecorder struct {
	mu   sync.Mutex
	got  []Resolution
	done chan struct{}
}

func newRecorder() *resolutionRecorder {
	return &resolutionRecorder{done: make(chan struct{}, 16)}
}

func (r *resolutionRecorder) notify(res Resolution) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *resolutionRecorder) resolutions() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resolution, len(r.got))
	copy(out, r.got)
	return out
}

func testDecision() triage.Decision {
	return triage.Decision{
		ConversationID: "t/1",
		Classification: triage.ClassNeedsApproval,
		Category:       triage.CategoryPricing,
		Reply:          "I can do $3.",
		Intent:         "price negotiation",
	}
}

func TestAsk_PersistsBeforeReturningToken(t *testing.T) {
	p := newMemPersister()
	rec := newRecorder()
	b := New(time.Hour, p, rec.notify)

	req, err := b.Ask(context.Background(), "t/1", "Alex", testDecision())
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if req.Token == "" {
		t.Fatal("no token issued")
	}
	if pa := p.pending["t/1"]; pa == nil || pa.Token != req.Token {
		t.Errorf("request was not persisted before token return: %+v", pa)
	}
}

func TestAsk_AtMostOnePending(t *testing.T) {
	b := New(time.Hour, newMemPersister(), newRecorder().notify)
	ctx := context.Background()

	if _, err := b.Ask(ctx, "t/1", "Alex", testDecision()); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if _, err := b.Ask(ctx, "t/1", "Alex", testDecision()); !errors.Is(err, ErrPendingExists) {
		t.Errorf("second ask error = %v, want ErrPendingExists", err)
	}

	// A different conversation is unaffected.
	if _, err := b.Ask(ctx, "t/2", "Sam", testDecision()); err != nil {
		t.Errorf("other conversation ask: %v", err)
	}
}

func TestAsk_PersistFailureUnwinds(t *testing.T) {
	p := newMemPersister()
	p.err = errors.New("disk full")
	b := New(time.Hour, p, newRecorder().notify)
	ctx := context.Background()

	if _, err := b.Ask(ctx, "t/1", "Alex", testDecision()); err == nil {
		t.Fatal("ask should surface persist failure")
	}

	// Registration must have been unwound: a retry succeeds.
	p.err = nil
	if _, err := b.Ask(ctx, "t/1", "Alex", testDecision()); err != nil {
		t.Errorf("retry after persist failure: %v", err)
	}
}

func TestResolve_DuplicateSignalIsNoOp(t *testing.T) {
	rec := newRecorder()
	b := New(time.Hour, newMemPersister(), rec.notify)

	req, err := b.Ask(context.Background(), "t/1", "Alex", testDecision())
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if err := b.Resolve(req.Token, OutcomeApproved, ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	<-rec.done

	// Second signal (double button press, approved then rejected).
	if err := b.Resolve(req.Token, OutcomeRejected, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("duplicate resolve error = %v, want ErrAlreadyResolved", err)
	}

	res := rec.resolutions()
	if len(res) != 1 {
		t.Fatalf("notifier fired %d times, want exactly once", len(res))
	}
	if res[0].Status != StatusApproved {
		t.Errorf("status = %q, want approved", res[0].Status)
	}
}

func TestResolve_UnknownToken(t *testing.T) {
	b := New(time.Hour, newMemPersister(), newRecorder().notify)
	if err := b.Resolve("no-such-token", OutcomeApproved, ""); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("error = %v, want ErrUnknownToken", err)
	}
}

func TestResolve_OverrideText(t *testing.T) {
	rec := newRecorder()
	b := New(time.Hour, newMemPersister(), rec.notify)

	req, _ := b.Ask(context.Background(), "t/1", "Alex", testDecision())
	if err := b.Resolve(req.Token, OutcomeApproved, "Actually, $3.50 and you pick it up today."); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	<-rec.done

	res := rec.resolutions()[0]
	if res.OverrideText == "" {
		t.Error("override text was dropped")
	}
}

func TestExpire(t *testing.T) {
	rec := newRecorder()
	b := New(30*time.Millisecond, newMemPersister(), rec.notify)

	req, _ := b.Ask(context.Background(), "t/1", "Alex", testDecision())

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry never fired")
	}

	res := rec.resolutions()
	if len(res) != 1 || res[0].Status != StatusExpired {
		t.Fatalf("resolutions = %+v, want one expired", res)
	}
	// The conversation is free for a new request after expiry.
	if _, err := b.Ask(context.Background(), "t/1", "Alex", testDecision()); err != nil {
		t.Errorf("ask after expiry: %v", err)
	}
	_ = req
}

func TestRestore_ReusesToken(t *testing.T) {
	rec := newRecorder()
	b := New(time.Hour, newMemPersister(), rec.notify)

	b.Restore("t/1", "Alex", &store.PendingApproval{
		Token:       "tok-from-snapshot",
		Reply:       "Sure, $3 works.",
		Intent:      "price negotiation",
		Category:    string(triage.CategoryPricing),
		RequestedAt: time.Now().Add(-10 * time.Minute),
	})

	// The persisted token resolves without any new request being issued.
	if err := b.Resolve("tok-from-snapshot", OutcomeApproved, ""); err != nil {
		t.Fatalf("resolve restored token: %v", err)
	}
	<-rec.done

	res := rec.resolutions()
	if len(res) != 1 || res[0].Decision.Reply != "Sure, $3 works." {
		t.Fatalf("restored resolution = %+v", res)
	}
}

func TestDrop_IgnoresLateResolution(t *testing.T) {
	rec := newRecorder()
	b := New(time.Hour, newMemPersister(), rec.notify)

	req, _ := b.Ask(context.Background(), "t/1", "Alex", testDecision())
	b.Drop("t/1")

	if err := b.Resolve(req.Token, OutcomeApproved, ""); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("late resolve after teardown = %v, want ErrUnknownToken", err)
	}
	if len(rec.resolutions()) != 0 {
		t.Error("dropped request still notified")
	}
}
