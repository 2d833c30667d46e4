package repository

import (
	"context"
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/beaconhq/beacon-delivery/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM contacts")
		db.Exec("DELETE FROM push_subscriptions")
	})
	return db
}

func TestSubscriptionStoreSaveListRemove(t *testing.T) {
	ctx := context.Background()
	store := NewSubscriptionStore(newTestDB(t))

	sub := &domain.PushSubscription{OwnerID: "u2", Endpoint: "https://push/one", P256dh: "p", Auth: "a"}
	if err := store.Save(ctx, sub); err != nil {
		t.Fatalf("save: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected generated subscription id")
	}

	// Re-subscribing the same endpoint refreshes keys in place.
	again := &domain.PushSubscription{OwnerID: "u2", Endpoint: "https://push/one", P256dh: "p2", Auth: "a2"}
	if err := store.Save(ctx, again); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if again.ID != sub.ID {
		t.Fatalf("upsert created a new row: %q vs %q", again.ID, sub.ID)
	}

	subs, err := store.ListSubscriptions(ctx, "u2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].P256dh != "p2" {
		t.Fatalf("list = %+v, want one refreshed subscription", subs)
	}

	if err := store.RemoveByEndpoint(ctx, "https://push/one"); err != nil {
		t.Fatalf("remove by endpoint: %v", err)
	}
	subs, err = store.ListSubscriptions(ctx, "u2")
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected empty list after remove, got %+v", subs)
	}

	if err := store.Remove(ctx, "missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestContactGraphListRecipients(t *testing.T) {
	ctx := context.Background()
	graph := NewContactGraph(newTestDB(t))

	for _, contact := range []string{"u2", "u3"} {
		if err := graph.AddContact(ctx, "u1", contact); err != nil {
			t.Fatalf("add contact %s: %v", contact, err)
		}
	}
	// duplicate edge is a no-op
	if err := graph.AddContact(ctx, "u1", "u2"); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}

	ids, err := graph.ListRecipients(ctx, "u1")
	if err != nil {
		t.Fatalf("list recipients: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("recipients = %v, want 2", ids)
	}

	empty, err := graph.ListRecipients(ctx, "u9")
	if err != nil {
		t.Fatalf("list for unknown user: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no recipients for unknown user, got %v", empty)
	}
}
