package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	b.Emit(KindConnectionState, "CONNECTED")

	select {
	case evt := <-ch:
		if evt.Kind != KindConnectionState {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnectionState)
		}
		if evt.ID == "" {
			t.Error("event id is empty")
		}
		if evt.Timestamp.IsZero() {
			t.Error("event timestamp is zero")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("state.", 10)
	defer unsub()

	b.Emit(KindPresence, nil)
	b.Emit(KindMessages, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindMessages {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessages)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 10)
	unsub()
	unsub()

	b.Emit(KindTyping, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("state.", 1)
	defer unsub()

	b.Publish(Event{Kind: "state.one"})
	// Dropped, buffer is full.
	b.Publish(Event{Kind: "state.two"})

	evt := <-ch
	if evt.Kind != "state.one" {
		t.Errorf("got %q, want state.one", evt.Kind)
	}
}
