package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "messages.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertMessagesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := Message{ID: "m1", Content: "old", CreatedAt: "t1", ConversationID: "c1", UserID: "u1"}
	if _, err := s.UpsertMessages(ctx, []Message{first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := first
	second.Content = "new"
	if _, err := s.UpsertMessages(ctx, []Message{second}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	convs, err := s.ListConversationsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 || len(convs[0].Messages) != 1 {
		t.Fatalf("expected exactly one message, got %+v", convs)
	}
	if got := convs[0].Messages[0].Content; got != "new" {
		t.Errorf("expected last write to win, got content %q", got)
	}
}

func TestUpsertMessagesChunking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const total = 12345
	messages := make([]Message, total)
	for i := range messages {
		messages[i] = Message{
			ID:             fmt.Sprintf("m%05d", i),
			CreatedAt:      fmt.Sprintf("t%05d", i),
			ConversationID: "c1",
			UserID:         "u1",
		}
	}
	count, err := s.UpsertMessages(ctx, messages)
	if err != nil {
		t.Fatalf("bulk load: %v", err)
	}
	if count != total {
		t.Errorf("expected %d rows committed, got %d", total, count)
	}

	convs, err := s.ListConversationsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 || len(convs[0].Messages) != total {
		t.Fatalf("expected %d rows present after load, got %d", total, len(convs[0].Messages))
	}
}

func TestUpsertMessagesConflictRowsSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A secondary unique index produces conflicts the primary-key upsert
	// cannot absorb, forcing the row-wise skip retry.
	if _, err := s.db.Exec(ctx, `CREATE UNIQUE INDEX messages_prompt_idx ON messages (prompt_id)`); err != nil {
		t.Fatalf("create index: %v", err)
	}

	count, err := s.UpsertMessages(ctx, []Message{
		{ID: "m1", PromptID: "p1", CreatedAt: "t1", ConversationID: "c1", UserID: "u1"},
		{ID: "m2", PromptID: "p2", CreatedAt: "t2", ConversationID: "c1", UserID: "u1"},
		{ID: "m3", PromptID: "p1", CreatedAt: "t3", ConversationID: "c1", UserID: "u1"},
	})
	if err != nil {
		t.Fatalf("conflicts must be success-with-skip, got error: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows committed, got %d", count)
	}

	convs, err := s.ListConversationsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 || len(convs[0].Messages) != 2 {
		t.Fatalf("expected 2 rows present, got %+v", convs)
	}
	if convs[0].Messages[0].ID != "m1" || convs[0].Messages[1].ID != "m2" {
		t.Errorf("expected non-conflicting rows [m1 m2], got %+v", convs[0].Messages)
	}
}

func TestUpsertMessagesChunkFailureContained(t *testing.T) {
	s := newTestStore(t)
	s.SetChunkSize(2)
	ctx := context.Background()

	// A trigger raising on a specific row fails its chunk with a
	// non-conflict error, which must abort that chunk and surface.
	_, err := s.db.Exec(ctx, `
		CREATE TRIGGER reject_bad_row BEFORE INSERT ON messages
		WHEN NEW.id='bad' BEGIN SELECT RAISE(ABORT, 'rejected row'); END
	`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	count, err := s.UpsertMessages(ctx, []Message{
		{ID: "m0", CreatedAt: "t0", ConversationID: "c1", UserID: "u1"},
		{ID: "m1", CreatedAt: "t1", ConversationID: "c1", UserID: "u1"},
		{ID: "bad", CreatedAt: "t2", ConversationID: "c1", UserID: "u1"},
		{ID: "m3", CreatedAt: "t3", ConversationID: "c1", UserID: "u1"},
	})
	if err == nil {
		t.Fatal("expected error from failed chunk")
	}
	if count != 2 {
		t.Errorf("expected only the first chunk committed, got %d", count)
	}

	convs, err := s.ListConversationsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 || len(convs[0].Messages) != 2 {
		t.Fatalf("expected first chunk's rows to survive, got %+v", convs)
	}
	if convs[0].Messages[0].ID != "m0" || convs[0].Messages[1].ID != "m1" {
		t.Errorf("expected rows [m0 m1], got %+v", convs[0].Messages)
	}
}

func TestListConversationsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertMessages(ctx, []Message{
		{ID: "1", ConversationID: "A", CreatedAt: "t1", UserID: "u1"},
		{ID: "2", ConversationID: "B", CreatedAt: "t0", UserID: "u1"},
		{ID: "3", ConversationID: "A", CreatedAt: "t2", UserID: "u1"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	convs, err := s.ListConversationsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != "B" || convs[1].ID != "A" {
		t.Errorf("expected order [B A], got [%s %s]", convs[0].ID, convs[1].ID)
	}
	a := convs[1]
	if len(a.Messages) != 2 || a.Messages[0].ID != "1" || a.Messages[1].ID != "3" {
		t.Errorf("expected conversation A messages [1 3], got %+v", a.Messages)
	}
}

func TestMarkConversationProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertMessages(ctx, []Message{
		{ID: "1", ConversationID: "A", CreatedAt: "t1", UserID: "u1"},
		{ID: "2", ConversationID: "A", CreatedAt: "t2", UserID: "u1"},
		{ID: "3", ConversationID: "B", CreatedAt: "t3", UserID: "u1"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Idempotent: marking twice is fine.
	for i := 0; i < 2; i++ {
		if err = s.MarkConversationProcessed(ctx, "A"); err != nil {
			t.Fatalf("mark processed: %v", err)
		}
	}

	convs, err := s.ListConversationsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	for _, conv := range convs {
		for _, msg := range conv.Messages {
			want := conv.ID == "A"
			if msg.Processed != want {
				t.Errorf("message %s in %s: processed=%v, want %v", msg.ID, conv.ID, msg.Processed, want)
			}
		}
	}
}

func TestUserMarkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for name, fns := range map[string]struct {
		check func(context.Context, string) (bool, error)
		mark  func(context.Context, string) error
	}{
		"ingested": {s.IsUserIngested, s.MarkUserIngested},
		"migrated": {s.IsUserMigrated, s.MarkUserMigrated},
	} {
		marked, err := fns.check(ctx, "u1")
		if err != nil {
			t.Fatalf("%s check: %v", name, err)
		}
		if marked {
			t.Errorf("%s: user marked before marking", name)
		}
		// Re-marking must be a no-op, not an error.
		for i := 0; i < 2; i++ {
			if err = fns.mark(ctx, "u1"); err != nil {
				t.Fatalf("%s mark: %v", name, err)
			}
		}
		marked, err = fns.check(ctx, "u1")
		if err != nil {
			t.Fatalf("%s re-check: %v", name, err)
		}
		if !marked {
			t.Errorf("%s: user not marked after marking", name)
		}
	}
}

func TestPageUnmigratedUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertMessages(ctx, []Message{
		{ID: "1", ConversationID: "c1", CreatedAt: "t1", UserID: "old"},
		{ID: "2", ConversationID: "c2", CreatedAt: "t9", UserID: "recent"},
		{ID: "3", ConversationID: "c3", CreatedAt: "t5", UserID: "done"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err = s.MarkUserMigrated(ctx, "done"); err != nil {
		t.Fatalf("mark migrated: %v", err)
	}

	users, err := s.PageUnmigratedUsers(ctx, 10, 0)
	if err != nil {
		t.Fatalf("page users: %v", err)
	}
	if len(users) != 2 || users[0] != "recent" || users[1] != "old" {
		t.Errorf("expected [recent old], got %v", users)
	}

	// Second page is empty, not an infinite repeat of the first.
	users, err = s.PageUnmigratedUsers(ctx, 10, 10)
	if err != nil {
		t.Fatalf("page users at offset: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("expected empty page, got %v", users)
	}
}
