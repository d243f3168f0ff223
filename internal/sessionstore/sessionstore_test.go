package sessionstore

import (
	"context"
	"testing"

	"github.com/forgehub/agentic-core/internal/task"
)

func TestSessionsCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sess, err := store.Sessions.Create(ctx, "/ws", "list files in src", "main", "", "", "gpt-4o", "openai")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" || sess.Status != SessionIdle {
		t.Fatalf("created session = %+v", sess)
	}

	if err := store.Sessions.UpdateAgentType(ctx, sess.ID, "coder"); err != nil {
		t.Fatalf("UpdateAgentType: %v", err)
	}
	got, err := store.Sessions.Get(ctx, sess.ID)
	if err != nil || got.AgentType != "coder" {
		t.Fatalf("Get after update = %+v, %v", got, err)
	}

	// Returned values are copies, not aliases into the store.
	got.Title = "mutated"
	again, _ := store.Sessions.Get(ctx, sess.ID)
	if again.Title != "list files in src" {
		t.Fatal("Get must return a copy")
	}

	if _, err := store.Sessions.Get(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("missing session = %v, want ErrNotFound", err)
	}

	child, _ := store.Sessions.Create(ctx, "/ws", "child", "explore", sess.ID, "call-1", "", "")
	if child.ParentID != sess.ID || child.SpawnedBy != "call-1" {
		t.Fatalf("child session = %+v", child)
	}

	listed, _ := store.Sessions.ListByWorkspace(ctx, "/ws")
	if len(listed) != 2 {
		t.Fatalf("ListByWorkspace = %d sessions", len(listed))
	}
}

func TestMessagesOrderAndTruncate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		m := &task.Message{SessionID: "s1", Role: task.RoleUser, Status: task.MessageCompleted}
		if err := store.Messages.Create(ctx, m, false, false, "main", "", "", ""); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, m.ID)
	}

	listed, _ := store.Messages.ListBySession(ctx, "s1")
	if len(listed) != 4 {
		t.Fatalf("%d messages", len(listed))
	}
	for i, m := range listed {
		if m.ID != ids[i] {
			t.Fatal("ListBySession must preserve creation order")
		}
	}

	// Rollback truncates everything after the checkpoint's message.
	if err := store.Messages.TruncateAfter(ctx, "s1", ids[1]); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}
	listed, _ = store.Messages.ListBySession(ctx, "s1")
	if len(listed) != 2 || listed[1].ID != ids[1] {
		t.Fatalf("after truncate: %d messages", len(listed))
	}
	if err := store.Messages.Update(ctx, &task.Message{ID: ids[3]}); err != ErrNotFound {
		t.Fatalf("truncated message still updatable: %v", err)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, ok, err := store.Preferences.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key = ok=%v err=%v", ok, err)
	}
	if err := store.Preferences.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Preferences.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, ok, _ := store.Preferences.Get(ctx, "k")
	if !ok || v != "v2" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
}
