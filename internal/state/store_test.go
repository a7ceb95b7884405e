package state

import (
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := New(b, nil, Options{FlushInterval: time.Hour})
	s.SetSelf("me")
	t.Cleanup(s.Close)
	return s, b
}

func serverMsg(id string, conv model.ID, sender model.ID, content string, at time.Duration, st model.MessageStatus) model.Message {
	return model.Message{
		ID:             model.ID(id),
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		SentAt:         t0.Add(at),
		Status:         st,
	}
}

func nextMessagesEvent(t *testing.T, ch <-chan bus.Event) MessagesUpdate {
	t.Helper()
	for {
		select {
		case evt := <-ch:
			if upd, ok := evt.Payload.(MessagesUpdate); ok {
				return upd
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for messages event")
		}
	}
}

func TestBatchingCorrectness(t *testing.T) {
	s, b := newTestStore(t)
	ch, unsub := b.Subscribe(bus.KindMessages, 16)
	defer unsub()

	const n = 25
	order := rand.Perm(n)
	for _, i := range order {
		s.Enqueue(UpsertMessage{Message: serverMsg(strconv.Itoa(i+1), "42", "bob", "m", time.Duration(i)*time.Second, model.StatusSent)})
	}
	if got := len(s.Messages("42")); got != 0 {
		t.Fatalf("messages visible before flush: %d", got)
	}
	if s.Pending() != n {
		t.Fatalf("Pending() = %d, want %d", s.Pending(), n)
	}

	s.Flush()
	upd := nextMessagesEvent(t, ch)
	list := upd.Conversations["42"]
	if len(list) != n {
		t.Fatalf("emitted %d messages, want %d", len(list), n)
	}
	seen := map[model.ID]bool{}
	for i, m := range list {
		if seen[m.ID] {
			t.Errorf("duplicate %s", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && m.SentAt.Before(list[i-1].SentAt) {
			t.Errorf("list not sorted at %d", i)
		}
	}

	select {
	case evt := <-ch:
		t.Errorf("second messages event from one flush: %v", evt.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFlushTimerFires(t *testing.T) {
	b := bus.New()
	s := New(b, nil, Options{FlushInterval: 10 * time.Millisecond})
	defer s.Close()
	ch, unsub := b.Subscribe(bus.KindMessages, 4)
	defer unsub()

	s.Enqueue(UpsertMessage{Message: serverMsg("1", "42", "bob", "a", 0, model.StatusSent)})
	s.Enqueue(UpsertMessage{Message: serverMsg("2", "42", "bob", "b", time.Second, model.StatusSent)})

	upd := nextMessagesEvent(t, ch)
	if len(upd.Conversations["42"]) != 2 {
		t.Errorf("flushed %d messages, want 2", len(upd.Conversations["42"]))
	}
}

func TestDuplicateServerIDsNeverDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	m := serverMsg("7", "42", "bob", "hello", 0, model.StatusSent)
	s.Enqueue(UpsertMessage{Message: m}, UpsertMessage{Message: m})
	s.Flush()
	s.Enqueue(UpsertMessage{Message: m})
	s.Flush()

	if got := len(s.Messages("42")); got != 1 {
		t.Errorf("len = %d, want 1", got)
	}
}

func TestTempReplacedInPlace(t *testing.T) {
	s, _ := newTestStore(t)
	temp := model.Message{ID: "temp-1", ConversationID: "42", SenderID: "me", Content: "hi", SentAt: t0, Status: model.StatusPending}
	s.Apply(UpsertMessage{Message: temp})
	if got := s.Messages("42"); len(got) != 1 || got[0].Status != model.StatusPending {
		t.Fatalf("after local send: %+v", got)
	}

	s.Enqueue(UpsertMessage{Message: serverMsg("m-1", "42", "me", "hi", time.Second, model.StatusSent), ReplacesTemp: "temp-1"})
	s.Flush()

	got := s.Messages("42")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID != "m-1" || got[0].Status != model.StatusSent {
		t.Errorf("message = %+v, want m-1 SENT", got[0])
	}
	if _, ok := s.Message("temp-1"); ok {
		t.Error("temp id still indexed")
	}
	conv, _ := s.Conversation("42")
	if conv.LastMessage == nil || conv.LastMessage.ID != "m-1" {
		t.Errorf("last message = %+v, want m-1", conv.LastMessage)
	}
}

func TestTempMatchedByProximity(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(UpsertMessage{Message: model.Message{ID: "temp-1", ConversationID: "42", SenderID: "me", Content: "hi", SentAt: t0, Status: model.StatusSent}})

	s.Enqueue(UpsertMessage{Message: serverMsg("m-1", "42", "me", "hi", 5*time.Second, model.StatusSent)})
	s.Flush()

	if got := s.Messages("42"); len(got) != 1 || got[0].ID != "m-1" {
		t.Errorf("messages = %+v, want only m-1", got)
	}
}

func TestTempMatchedWithoutLocalUser(t *testing.T) {
	b := bus.New()
	s := New(b, nil, Options{FlushInterval: time.Hour})
	t.Cleanup(s.Close)
	s.Apply(UpsertConversation{Conversation: model.Conversation{ID: "42"}})
	s.Apply(UpsertMessage{Message: model.Message{ID: "temp-1", ConversationID: "42", Content: "hi", SentAt: t0, Status: model.StatusSent}})

	s.Enqueue(UpsertMessage{Message: serverMsg("m-1", "42", "7", "hi", 2*time.Second, model.StatusSent)})
	s.Flush()

	if got := s.Messages("42"); len(got) != 1 || got[0].ID != "m-1" {
		t.Fatalf("messages = %+v, want only m-1", got)
	}
	if c, _ := s.Conversation("42"); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for a confirmed send", c.UnreadCount)
	}
}

func TestTempKeepsUsernameWhenEchoHasNone(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(UpsertMessage{Message: model.Message{ID: "temp-1", ConversationID: "42", SenderID: "me", SenderUsername: "alice", Content: "hi", SentAt: t0, Status: model.StatusSent}})

	s.Enqueue(UpsertMessage{Message: serverMsg("m-1", "42", "me", "hi", time.Second, model.StatusSent), ReplacesTemp: "temp-1"})
	s.Flush()

	m, ok := s.Message("m-1")
	if !ok || m.SenderUsername != "alice" {
		t.Errorf("message = %+v, want sender username alice", m)
	}
}

func TestBroadcastReadScenario(t *testing.T) {
	s, _ := newTestStore(t)
	readAt := t0.Add(-time.Minute)
	s.Enqueue(
		UpsertMessage{Message: serverMsg("1", "42", "me", "a", 0, model.StatusSent)},
		UpsertMessage{Message: serverMsg("2", "42", "me", "b", time.Second, model.StatusSent)},
		UpsertMessage{Message: serverMsg("3", "42", "me", "c", 2*time.Second, model.StatusSent)},
	)
	read := serverMsg("4", "42", "me", "d", 3*time.Second, model.StatusRead)
	read.ReadAt = &readAt
	s.Enqueue(UpsertMessage{Message: read})
	s.Flush()

	now := t0.Add(time.Hour)
	s.Enqueue(UpdateStatus{ConversationID: "42", Status: model.StatusRead, ReadAt: &now})
	s.Flush()

	for _, m := range s.Messages("42") {
		if m.Status != model.StatusRead {
			t.Errorf("message %s status = %s, want READ", m.ID, m.Status)
		}
		if m.ID == "4" && !m.ReadAt.Equal(readAt) {
			t.Errorf("already-read message touched: readAt = %v", m.ReadAt)
		}
		if m.ID != "4" && (m.ReadAt == nil || !m.ReadAt.Equal(now)) {
			t.Errorf("message %s readAt = %v, want %v", m.ID, m.ReadAt, now)
		}
	}
}

func TestBroadcastSkipsFailedAndTemp(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(UpsertMessage{Message: model.Message{ID: "temp-1", ConversationID: "42", SenderID: "me", Content: "x", SentAt: t0, Status: model.StatusSent}})
	s.Apply(ForceStatus{MessageID: "temp-1", Status: model.StatusFailed})
	s.Enqueue(UpdateStatus{ConversationID: "42", Status: model.StatusRead})
	s.Flush()

	if m, _ := s.Message("temp-1"); m.Status != model.StatusFailed {
		t.Errorf("failed temp status = %s, want FAILED", m.Status)
	}
}

func TestTargetedStatusNoDowngrade(t *testing.T) {
	s, _ := newTestStore(t)
	s.Enqueue(UpsertMessage{Message: serverMsg("1", "42", "me", "a", 0, model.StatusRead)})
	s.Enqueue(UpdateStatus{ConversationID: "42", MessageID: "1", Status: model.StatusDelivered})
	s.Flush()

	if m, _ := s.Message("1"); m.Status != model.StatusRead {
		t.Errorf("status = %s, want READ", m.Status)
	}
}

func TestHeldStatusAppliedOnArrival(t *testing.T) {
	s, _ := newTestStore(t)
	s.Enqueue(UpdateStatus{ConversationID: "42", MessageID: "9", Status: model.StatusDelivered})
	s.Flush()
	s.Enqueue(UpsertMessage{Message: serverMsg("9", "42", "me", "late", 0, model.StatusSent)})
	s.Flush()

	if m, _ := s.Message("9"); m.Status != model.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", m.Status)
	}
}

func TestHeldStatusExpires(t *testing.T) {
	b := bus.New()
	s := New(b, nil, Options{FlushInterval: time.Hour, MatchWindow: 20 * time.Millisecond})
	t.Cleanup(s.Close)

	s.Enqueue(UpdateStatus{ConversationID: "42", MessageID: "9", Status: model.StatusDelivered})
	s.Flush()
	if n := s.Held(); n != 1 {
		t.Fatalf("held = %d, want 1", n)
	}
	time.Sleep(50 * time.Millisecond)
	s.Enqueue(UpdateStatus{ConversationID: "42", MessageID: "10", Status: model.StatusRead})
	s.Flush()
	if n := s.Held(); n != 1 {
		t.Fatalf("held = %d, want 1 after the old status expired", n)
	}

	s.Enqueue(UpsertMessage{Message: serverMsg("9", "42", "bob", "late", 0, model.StatusSent)})
	s.Flush()
	if m, _ := s.Message("9"); m.Status != model.StatusSent {
		t.Errorf("status = %s, want SENT once the held status expired", m.Status)
	}
}

func TestUnreadCounting(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(UpsertConversation{Conversation: model.Conversation{ID: "1"}}, UpsertConversation{Conversation: model.Conversation{ID: "2"}})
	s.SetActive("2")

	s.Enqueue(
		UpsertMessage{Message: serverMsg("a", "1", "bob", "x", 0, model.StatusSent)},
		UpsertMessage{Message: serverMsg("b", "1", "me", "y", time.Second, model.StatusSent)},
		UpsertMessage{Message: serverMsg("c", "2", "bob", "z", 2*time.Second, model.StatusSent)},
		UpsertMessage{Message: serverMsg("a", "1", "bob", "x", 0, model.StatusSent)},
	)
	s.Flush()

	c1, _ := s.Conversation("1")
	c2, _ := s.Conversation("2")
	if c1.UnreadCount != 1 {
		t.Errorf("conversation 1 unread = %d, want 1", c1.UnreadCount)
	}
	if c2.UnreadCount != 0 {
		t.Errorf("active conversation unread = %d, want 0", c2.UnreadCount)
	}

	s.Apply(ClearUnread{ConversationID: "1"})
	if c1, _ = s.Conversation("1"); c1.UnreadCount != 0 {
		t.Errorf("unread after clear = %d", c1.UnreadCount)
	}
}

func TestForceStatusAllowsRetryReset(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(UpsertMessage{Message: model.Message{ID: "temp-1", ConversationID: "42", SenderID: "me", Content: "x", SentAt: t0, Status: model.StatusSent}})
	s.Apply(ForceStatus{MessageID: "temp-1", Status: model.StatusFailed})
	s.Apply(ForceStatus{MessageID: "temp-1", Status: model.StatusPending})

	if m, _ := s.Message("temp-1"); m.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", m.Status)
	}
}

func TestOwnSendBypassesBuffer(t *testing.T) {
	s, b := newTestStore(t)
	ch, unsub := b.Subscribe(bus.KindMessages, 4)
	defer unsub()

	s.Apply(UpsertMessage{Message: model.Message{ID: "temp-1", ConversationID: "42", SenderID: "me", Content: "x", SentAt: t0, Status: model.StatusSent}})
	upd := nextMessagesEvent(t, ch)
	if len(upd.Conversations["42"]) != 1 {
		t.Errorf("own send not emitted immediately: %+v", upd)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}

func TestConversationsSortedByUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(SetConversations{Conversations: []model.Conversation{
		{ID: "old", UpdatedAt: t0},
		{ID: "new", UpdatedAt: t0.Add(time.Hour)},
		{ID: "mid", UpdatedAt: t0.Add(time.Minute)},
	}})
	s.Enqueue(UpsertMessage{Message: serverMsg("1", "old", "bob", "bump", 2*time.Hour, model.StatusSent)})
	s.Flush()

	got := s.Conversations()
	want := []model.ID{"old", "new", "mid"}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("conversations[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestMergeHistoryDoesNotDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	s.Enqueue(UpsertMessage{Message: serverMsg("2", "42", "bob", "b", time.Second, model.StatusSent)})
	s.Flush()

	s.Apply(MergeHistory{ConversationID: "42", Messages: []model.Message{
		serverMsg("1", "42", "bob", "a", 0, model.StatusRead),
		serverMsg("2", "42", "bob", "b", time.Second, model.StatusRead),
	}})

	got := s.Messages("42")
	if len(got) != 2 || got[0].ID != "1" || got[1].Status != model.StatusRead {
		t.Errorf("messages = %+v", got)
	}
	c, _ := s.Conversation("42")
	if c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (history does not count)", c.UnreadCount)
	}
}

func TestResetClearsEverything(t *testing.T) {
	s, _ := newTestStore(t)
	s.Enqueue(UpsertMessage{Message: serverMsg("1", "42", "bob", "a", 0, model.StatusSent)})
	s.Flush()
	s.Enqueue(UpsertMessage{Message: serverMsg("2", "42", "bob", "b", 0, model.StatusSent)})
	s.Reset()

	if len(s.Messages("42")) != 0 || len(s.Conversations()) != 0 || s.Pending() != 0 {
		t.Error("state survived Reset")
	}
}
