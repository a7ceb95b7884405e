package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + conversation cache)", result.Version)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirty) {
		t.Errorf("Migrate() error = %v, want ErrDirty", err)
	}
}

func TestPendingOrderAndAttempts(t *testing.T) {
	db := testDB(t)
	base := time.Now()

	// Inserted out of order on purpose.
	rows := []struct {
		id     model.ID
		offset time.Duration
	}{
		{"temp-b", time.Second},
		{"temp-a", 0},
		{"temp-c", 2 * time.Second},
	}
	for _, r := range rows {
		if err := db.InsertPending(model.PendingSend{
			TempID:         r.id,
			ConversationID: "42",
			Content:        "msg " + string(r.id),
			CreatedAt:      base.Add(r.offset),
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.SetPendingAttempts("temp-b", 2); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	want := []model.ID{"temp-a", "temp-b", "temp-c"}
	if len(got) != len(want) {
		t.Fatalf("got %d pending, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].TempID != want[i] {
			t.Errorf("pending[%d] = %s, want %s", i, got[i].TempID, want[i])
		}
	}
	if got[1].Attempts != 2 {
		t.Errorf("temp-b attempts = %d, want 2", got[1].Attempts)
	}

	if err := db.DeletePending("temp-a"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeletePending("missing"); err != nil {
		t.Errorf("DeletePending(missing) = %v", err)
	}
	got, _ = db.ListPending()
	if len(got) != 2 {
		t.Errorf("got %d pending after delete, want 2", len(got))
	}
}

func TestLastSyncOnlyAdvances(t *testing.T) {
	db := testDB(t)

	if v, err := db.LastSync(); err != nil || v != 0 {
		t.Fatalf("LastSync() = %d, %v; want 0", v, err)
	}
	if err := db.AdvanceLastSync(2000); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceLastSync(1000); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.LastSync(); v != 2000 {
		t.Errorf("LastSync() = %d, want 2000", v)
	}
	if err := db.ResetSync(); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.LastSync(); v != 0 {
		t.Errorf("LastSync() after reset = %d, want 0", v)
	}
}

func TestClientIDIsStable(t *testing.T) {
	db := testDB(t)
	a, err := db.ClientID()
	if err != nil {
		t.Fatal(err)
	}
	b, err := db.ClientID()
	if err != nil {
		t.Fatal(err)
	}
	if a == "" || a != b {
		t.Errorf("client ids %q, %q", a, b)
	}
}

func TestConversationCache(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	convs := []model.Conversation{
		{ID: "1", Name: "old", UpdatedAt: now.Add(-time.Hour)},
		{ID: "2", Name: "new", GroupChat: true, UnreadCount: 3, UpdatedAt: now, LastMessage: &model.Message{Content: "yo"}},
	}
	if err := db.SaveConversations(convs); err != nil {
		t.Fatal(err)
	}
	got, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "2" {
		t.Fatalf("conversations = %+v", got)
	}
	if !got[0].GroupChat || got[0].UnreadCount != 3 || got[0].LastMessage == nil || got[0].LastMessage.Content != "yo" {
		t.Errorf("conversation 2 = %+v", got[0])
	}

	if err := db.SaveConversations(convs[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ = db.ListConversations()
	if len(got) != 1 {
		t.Errorf("got %d conversations after replace, want 1", len(got))
	}
}
