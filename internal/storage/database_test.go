package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := OpenDatabase(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_AppliesOnceAndInOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	orders, err := db.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(orders) == 0 {
		t.Fatal("no migrations applied")
	}
	for i := 1; i < len(orders); i++ {
		if orders[i] <= orders[i-1] {
			t.Errorf("orders not ascending: %v", orders)
		}
	}

	// Re-running applies nothing new.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	again, err := db.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(again) != len(orders) {
		t.Errorf("rerun changed applied set: %v -> %v", orders, again)
	}
}

func TestMigrate_MessageTriggerMaintainsCounters(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	secrets := NewSecretBox("test")
	secrets.SetMasterPassword("pw")
	repos := NewRepositories(db, secrets)

	convID, err := repos.Conversations.Save(ctx, &Conversation{Title: "t"})
	if err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := repos.Messages.Save(ctx, &Message{ConversationID: convID, Role: "user", Content: "hello world"}); err != nil {
			t.Fatalf("save message: %v", err)
		}
	}

	conv, err := repos.Conversations.FindByID(ctx, convID)
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	if conv.MessageCount != 3 {
		t.Errorf("message_count = %d, want 3 (trigger should maintain it)", conv.MessageCount)
	}
	if conv.LastMessagePreview != "hello world" {
		t.Errorf("last_message_preview = %q", conv.LastMessagePreview)
	}
}
