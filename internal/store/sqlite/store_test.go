package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sellclaw/sellclaw/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppend_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := store.Message{
		ConversationID: "t/123",
		Role:           store.RoleInbound,
		Text:           "Is it available?",
	}

	first, err := s.Append(ctx, msg)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !first {
		t.Error("first append should report newly stored")
	}

	second, err := s.Append(ctx, msg)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if second {
		t.Error("duplicate append should report not newly stored")
	}

	hist, err := s.History(ctx, "t/123", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Errorf("got %d messages, want 1", len(hist))
	}
}

func TestHistory_OrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	texts := []string{"one", "two", "three", "four"}
	for i, txt := range texts {
		_, err := s.Append(ctx, store.Message{
			ConversationID: "t/1",
			Role:           store.RoleInbound,
			Text:           txt,
			CreatedAt:      time.Unix(int64(1000+i), 0),
		})
		if err != nil {
			t.Fatalf("append %q: %v", txt, err)
		}
	}

	hist, err := s.History(ctx, "t/1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 4 || hist[0].Text != "one" || hist[3].Text != "four" {
		t.Errorf("unexpected order: %+v", hist)
	}

	capped, err := s.History(ctx, "t/1", 2)
	if err != nil {
		t.Fatalf("capped history: %v", err)
	}
	if len(capped) != 2 || capped[0].Text != "three" || capped[1].Text != "four" {
		t.Errorf("capped history should keep the most recent, oldest first: %+v", capped)
	}
}

func TestState_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap, err := s.LoadState(ctx, "t/new")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if snap != nil {
		t.Errorf("new conversation should have nil snapshot, got %+v", snap)
	}

	want := &store.Snapshot{
		DisplayName: "Alex",
		Approval: &store.PendingApproval{
			Token:       "tok-1",
			Reply:       "Sure, $20 works.",
			Intent:      "price negotiation",
			Category:    "pricing",
			RequestedAt: time.Unix(2000, 0),
		},
	}
	if err := s.SaveState(ctx, "t/new", want); err != nil {
		t.Fatalf("save state: %v", err)
	}

	got, err := s.LoadState(ctx, "t/new")
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if got == nil || got.Approval == nil {
		t.Fatalf("snapshot lost: %+v", got)
	}
	if got.Approval.Token != "tok-1" || got.DisplayName != "Alex" {
		t.Errorf("snapshot mismatch: %+v", got)
	}
}

func TestLoadState_CorruptSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Batch and approval simultaneously violates the lifecycle invariant.
	bad := &store.Snapshot{
		Batch:    &store.BatchMarker{OpenedAt: time.Unix(1, 0), Since: time.Unix(1, 0), Count: 1},
		Approval: &store.PendingApproval{Token: "tok"},
	}
	if err := s.SaveState(ctx, "t/bad", bad); err != nil {
		t.Fatalf("save state: %v", err)
	}

	snap, err := s.LoadState(ctx, "t/bad")
	if !errors.Is(err, store.ErrCorruptSnapshot) {
		t.Fatalf("want ErrCorruptSnapshot, got %v", err)
	}
	if snap == nil {
		t.Error("corrupt snapshot should still be returned for inspection")
	}
}

func TestReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Append(ctx, store.Message{ConversationID: "t/1", Role: store.RoleInbound, Text: "hi"})
	s.SaveState(ctx, "t/1", &store.Snapshot{DisplayName: "Sam"})

	if err := s.Reset(ctx, "t/1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	hist, _ := s.History(ctx, "t/1", 0)
	if len(hist) != 0 {
		t.Errorf("messages survive reset: %+v", hist)
	}
	snap, err := s.LoadState(ctx, "t/1")
	if err != nil || snap != nil {
		t.Errorf("state survives reset: %+v, %v", snap, err)
	}
}

func TestConversations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Append(ctx, store.Message{ConversationID: "t/a", Role: store.RoleInbound, Text: "x"})
	s.SaveState(ctx, "t/b", &store.Snapshot{})

	ids, err := s.Conversations(ctx)
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("got %v, want both t/a and t/b", ids)
	}
}
