package outbox

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func pending(id string, at time.Time) model.PendingSend {
	return model.PendingSend{TempID: model.ID(id), ConversationID: "42", Content: id, CreatedAt: at}
}

func TestAddKeepsCreationOrder(t *testing.T) {
	o := New(nil, nil, nil, 0)
	base := time.Now()
	for _, p := range []model.PendingSend{
		pending("temp-2", base.Add(2*time.Second)),
		pending("temp-0", base),
		pending("temp-1", base.Add(time.Second)),
		pending("temp-1", base.Add(time.Second)),
	} {
		if err := o.Add(p); err != nil {
			t.Fatal(err)
		}
	}
	got := o.List()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, p := range got {
		if want := model.ID("temp-" + string(rune('0'+i))); p.TempID != want {
			t.Errorf("entry %d = %s, want %s", i, p.TempID, want)
		}
	}
}

func TestReplayPublishesOldestFirst(t *testing.T) {
	o := New(nil, nil, nil, 0)
	base := time.Now()
	_ = o.Add(pending("temp-b", base.Add(time.Second)))
	_ = o.Add(pending("temp-a", base))

	var order []model.ID
	res := o.Replay(func(p model.PendingSend) error {
		order = append(order, p.TempID)
		return nil
	})
	if len(order) != 2 || order[0] != "temp-a" || order[1] != "temp-b" {
		t.Errorf("publish order = %v", order)
	}
	if len(res.Published) != 2 || len(res.Abandoned) != 0 {
		t.Errorf("result = %+v", res)
	}
	// Published entries wait for confirmation.
	if o.Len() != 2 {
		t.Errorf("Len() = %d, want 2", o.Len())
	}
	if p, _ := o.Get("temp-a"); p.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", p.Attempts)
	}
}

func TestPendingExhaustion(t *testing.T) {
	o := New(nil, nil, nil, 3)
	_ = o.Add(pending("temp-x", time.Now()))

	publishes := 0
	publish := func(model.PendingSend) error {
		publishes++
		return nil
	}

	for i := 0; i < 2; i++ {
		if res := o.Replay(publish); len(res.Abandoned) != 0 {
			t.Fatalf("replay %d abandoned early", i+1)
		}
	}
	res := o.Replay(publish)
	if len(res.Abandoned) != 1 || res.Abandoned[0].TempID != "temp-x" {
		t.Fatalf("third replay result = %+v, want temp-x abandoned", res)
	}
	if res.Abandoned[0].Attempts != 3 {
		t.Errorf("abandoned attempts = %d, want 3", res.Abandoned[0].Attempts)
	}
	if o.Len() != 0 {
		t.Errorf("Len() = %d after abandonment, want 0", o.Len())
	}
	if publishes != 2 {
		t.Errorf("publishes = %d, want 2", publishes)
	}
}

func TestReplayStopsOnPublishError(t *testing.T) {
	o := New(nil, nil, nil, 0)
	base := time.Now()
	_ = o.Add(pending("temp-a", base))
	_ = o.Add(pending("temp-b", base.Add(time.Second)))

	boom := errors.New("not connected")
	res := o.Replay(func(model.PendingSend) error { return boom })
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want %v", res.Err, boom)
	}
	for _, p := range o.List() {
		if p.Attempts != 0 {
			t.Errorf("%s attempts = %d after failed replay, want 0", p.TempID, p.Attempts)
		}
	}
}

func TestPersistenceSurvivesReload(t *testing.T) {
	db := testDB(t)
	o := New(db, nil, nil, 0)
	base := time.Now()
	_ = o.Add(pending("temp-a", base))
	_ = o.Add(pending("temp-b", base.Add(time.Second)))
	o.Replay(func(model.PendingSend) error { return nil })
	o.Remove("temp-b")

	reloaded := New(db, nil, nil, 0)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	got := reloaded.List()
	if len(got) != 1 || got[0].TempID != "temp-a" || got[0].Attempts != 1 {
		t.Errorf("reloaded = %+v", got)
	}

	if err := reloaded.Clear(); err != nil {
		t.Fatal(err)
	}
	if rows, _ := db.ListPending(); len(rows) != 0 {
		t.Errorf("rows after Clear = %d", len(rows))
	}
}
