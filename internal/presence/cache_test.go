package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/wire"
)

type fakeSource struct {
	mu      sync.Mutex
	users   map[model.ID]wire.User
	fail    int // calls left to fail
	down    bool
	calls   int
	updated []model.Presence
}

var errDown = errors.New("backend down")

func (f *fakeSource) GetUser(_ context.Context, id model.ID) (wire.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return wire.User{}, errDown
	}
	if f.fail > 0 {
		f.fail--
		return wire.User{}, errDown
	}
	u, ok := f.users[id]
	if !ok {
		return wire.User{}, errDown
	}
	return u, nil
}

func (f *fakeSource) ListUsers(context.Context) ([]wire.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errDown
	}
	var out []wire.User
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeSource) UpdateStatus(_ context.Context, p model.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, p)
	return nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePub struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func (p *fakePub) Publish(dest string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = make(map[string][][]byte)
	}
	p.sent[dest] = append(p.sent[dest], body)
	return nil
}

func newTestCache(src *fakeSource, b *bus.Bus) *Cache {
	return New(src, &fakePub{}, b, nil, Options{RetryDelay: time.Millisecond, Debounce: 10 * time.Millisecond})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMissReturnsOfflineAndRefreshes(t *testing.T) {
	src := &fakeSource{users: map[model.ID]wire.User{"8": {ID: "8", Username: "bob", Status: "ONLINE"}}}
	c := newTestCache(src, bus.New())
	defer c.Stop()

	if got := c.GetStatus("8"); got != model.PresenceOffline {
		t.Fatalf("first read = %s, want OFFLINE", got)
	}
	waitFor(t, func() bool { return c.GetStatus("8") == model.PresenceOnline })
}

func TestRefreshRetriesTwice(t *testing.T) {
	src := &fakeSource{
		users: map[model.ID]wire.User{"8": {ID: "8", Status: "AWAY"}},
		fail:  2,
	}
	c := newTestCache(src, bus.New())
	defer c.Stop()

	if err := c.Refresh(context.Background(), "8"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if src.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", src.callCount())
	}

	src.fail = 3
	src.calls = 0
	if err := c.Refresh(context.Background(), "8"); err == nil {
		t.Fatal("expected failure after retries")
	}
	if src.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", src.callCount())
	}
	if got := c.GetStatus("8"); got != model.PresenceAway {
		t.Fatalf("stale value = %s, want AWAY", got)
	}
}

func TestExpiredEntryServesStale(t *testing.T) {
	src := &fakeSource{users: map[model.ID]wire.User{"8": {ID: "8", Status: "ONLINE"}}}
	c := newTestCache(src, bus.New())
	defer c.Stop()

	now := time.Now()
	c.now = func() time.Time { return now }
	if err := c.Refresh(context.Background(), "8"); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.down = true
	src.mu.Unlock()
	c.mu.Lock()
	c.now = func() time.Time { return now.Add(6 * time.Minute) }
	c.mu.Unlock()

	if got := c.GetStatus("8"); got != model.PresenceOnline {
		t.Fatalf("stale read = %s, want ONLINE", got)
	}
}

func TestBackgroundRefreshPausesAfterFailures(t *testing.T) {
	src := &fakeSource{down: true}
	c := newTestCache(src, bus.New())
	defer c.Stop()
	c.Track("8", "9")

	for i := range 5 {
		if c.Paused() {
			t.Fatalf("paused after %d cycles", i)
		}
		c.cycle(context.Background())
	}
	if !c.Paused() {
		t.Fatal("expected pause after 5 failed cycles")
	}
	before := src.callCount()
	if c.cycle(context.Background()) {
		t.Fatal("paused cycle should not run")
	}
	if src.callCount() != before {
		t.Fatal("paused cycle fetched")
	}

	src.mu.Lock()
	src.down = false
	src.users = map[model.ID]wire.User{"8": {ID: "8", Status: "ONLINE"}, "9": {ID: "9", Status: "AWAY"}}
	src.mu.Unlock()

	if err := c.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if c.Paused() {
		t.Fatal("forced load should resume")
	}
	if c.GetStatus("9") != model.PresenceAway {
		t.Fatal("LoadAll did not populate cache")
	}
}

func TestHandlePresenceEmitsDebounced(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 8)
	defer unsub()
	c := newTestCache(&fakeSource{}, b)
	defer c.Stop()

	seen := wire.Time{Time: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	c.HandlePresence(wire.UserStatus{UserID: "8", Status: "ONLINE"})
	c.HandlePresence(wire.UserStatus{UserID: "9", Status: "away", LastActive: &seen})
	c.HandlePresence(wire.UserStatus{UserID: "", Status: "ONLINE"})

	select {
	case evt := <-ch:
		u := evt.Payload.(Update)
		if len(u.Users) != 2 || u.Users["8"] != model.PresenceOnline || u.Users["9"] != model.PresenceAway {
			t.Fatalf("update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no presence event")
	}
	got, ok := c.GetLastSeen("9")
	if !ok || !got.Equal(seen.Time) {
		t.Fatalf("last seen = %v %v", got, ok)
	}
}

func TestUpdateOwnStatus(t *testing.T) {
	src := &fakeSource{}
	pub := &fakePub{}
	c := New(src, pub, bus.New(), nil, Options{})
	defer c.Stop()

	if err := c.UpdateOwnStatus(context.Background(), "SLEEPING"); err == nil {
		t.Fatal("expected invalid status error")
	}
	if err := c.UpdateOwnStatus(context.Background(), model.PresenceDoNotDisturb); err != nil {
		t.Fatalf("UpdateOwnStatus: %v", err)
	}
	if len(src.updated) != 1 || c.Own() != model.PresenceDoNotDisturb {
		t.Fatalf("updated = %v own = %s", src.updated, c.Own())
	}
	if len(pub.sent[wire.DestUserStatus]) != 1 {
		t.Fatalf("published = %v", pub.sent)
	}
}
