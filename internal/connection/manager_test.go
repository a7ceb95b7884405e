package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/transport/transporttest"
)

func fastBackoff(attempts int) *Backoff {
	return &Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: attempts}
}

func newTestManager(t *testing.T, broker *transporttest.Broker, attempts int) *Manager {
	t.Helper()
	m := NewManager(broker, bus.New(), nil, Options{Backoff: fastBackoff(attempts)})
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

func TestInitializeRejectsEmptyToken(t *testing.T) {
	m := newTestManager(t, transporttest.NewBroker(), 10)
	if err := m.Initialize(context.Background(), ""); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("Initialize(\"\") = %v, want ErrEmptyToken", err)
	}
}

func TestInitializeRunsHooksInOrder(t *testing.T) {
	broker := transporttest.NewBroker()
	m := newTestManager(t, broker, 10)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"topology", "engine", "presence"} {
		m.OnConnected(func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}

	if err := m.Initialize(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if !m.IsConnected() {
		t.Fatalf("state = %s, want CONNECTED", m.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "topology" || order[1] != "engine" || order[2] != "presence" {
		t.Errorf("hook order = %v", order)
	}
	if toks := broker.Tokens(); len(toks) != 1 || toks[0] != "tok" {
		t.Errorf("tokens = %v", toks)
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	m := newTestManager(t, transporttest.NewBroker(), 10)
	if err := m.Publish("/app/chat.send", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() = %v, want ErrNotConnected", err)
	}
	if _, err := m.Subscribe("/topic/user.status", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	broker := transporttest.NewBroker()
	m := newTestManager(t, broker, 10)

	var mu sync.Mutex
	connects := 0
	m.OnConnected(func(context.Context) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	if err := m.Initialize(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	broker.Drop()

	waitFor(t, "reconnect", func() bool { return broker.Dials() == 2 && m.IsConnected() })
	waitFor(t, "second hook run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2
	})
	if m.Attempts() != 0 {
		t.Errorf("Attempts() = %d after reconnect, want 0", m.Attempts())
	}
	if err := m.Publish("/app/chat.send", []byte("{}")); err != nil {
		t.Errorf("Publish() after reconnect = %v", err)
	}
}

func TestReconnectStopsAfterCap(t *testing.T) {
	broker := transporttest.NewBroker()
	m := newTestManager(t, broker, 3)

	if err := m.Initialize(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	broker.SetDialError(errors.New("refused"))
	broker.Drop()

	waitFor(t, "all retries", func() bool { return broker.Dials() == 4 && m.State() == Reconnecting })
	time.Sleep(30 * time.Millisecond)
	if n := broker.Dials(); n != 4 {
		t.Errorf("dials = %d after cap, want 4", n)
	}
	if m.State() != Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", m.State())
	}

	broker.SetDialError(nil)
	if err := m.Initialize(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if !m.IsConnected() {
		t.Errorf("state after manual Initialize = %s, want CONNECTED", m.State())
	}
}

func TestInitialConnectFailureReconnects(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.SetDialError(errors.New("refused"))
	m := newTestManager(t, broker, 10)

	if err := m.Initialize(context.Background(), "tok"); err != nil {
		t.Fatalf("Initialize() = %v, connect errors must surface through state", err)
	}
	broker.SetDialError(nil)
	waitFor(t, "recovery", m.IsConnected)
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	broker := transporttest.NewBroker()
	m := newTestManager(t, broker, 10)

	if err := m.Initialize(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	m.Disconnect()
	if m.State() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
	time.Sleep(20 * time.Millisecond)
	if broker.Dials() != 1 {
		t.Errorf("dials = %d after Disconnect, want 1", broker.Dials())
	}
}

func TestConnectionEventsOnBus(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connection.", 16)
	defer unsub()

	m := NewManager(transporttest.NewBroker(), b, nil, Options{Backoff: fastBackoff(10)})
	defer m.Close()
	if err := m.Initialize(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	var seen []State
	for len(seen) < 2 {
		select {
		case evt := <-ch:
			seen = append(seen, evt.Payload.(StateChange).To)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", seen)
		}
	}
	if seen[0] != Connecting || seen[1] != Connected {
		t.Errorf("events = %v, want [CONNECTING CONNECTED]", seen)
	}
}
