// Package typing tracks typing indicators in both directions.
package typing

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

const (
	// DefaultIdle is how long after the last keystroke a stop is sent.
	DefaultIdle = 2 * time.Second
	// DefaultExpiry is how long a remote indicator lives without a refresh.
	DefaultExpiry = 5 * time.Second
)

// Publisher sends a frame body to a destination.
type Publisher interface {
	Publish(destination string, body []byte) error
}

// Sender publishes the local user's typing state. Each keystroke replaces
// the pending stop timer of its conversation.
type Sender struct {
	pub    Publisher
	logger *zap.Logger
	idle   time.Duration

	mu     sync.Mutex
	timers map[model.ID]*idleTimer
}

// idleTimer is the pending stop of one conversation. A fired timer that was
// replaced in the meantime finds a different entry in the map.
type idleTimer struct {
	t *time.Timer
}

// NewSender creates a sender. idle <= 0 uses DefaultIdle.
func NewSender(pub Publisher, logger *zap.Logger, idle time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Sender{
		pub:    pub,
		logger: logger.Named("typing"),
		idle:   idle,
		timers: make(map[model.ID]*idleTimer),
	}
}

// Keystroke announces typing in a conversation. A start is published only
// when the conversation was idle; a stop follows after the idle period.
func (s *Sender) Keystroke(conversationID model.ID) {
	s.mu.Lock()
	prev, typing := s.timers[conversationID]
	if typing {
		prev.t.Stop()
	}
	cur := &idleTimer{}
	cur.t = time.AfterFunc(s.idle, func() { s.expire(conversationID, cur) })
	s.timers[conversationID] = cur
	s.mu.Unlock()

	if !typing {
		s.publish(conversationID, true)
	}
}

// Stop ends typing immediately, for instance when the message is sent.
func (s *Sender) Stop(conversationID model.ID) {
	s.mu.Lock()
	cur, typing := s.timers[conversationID]
	if typing {
		cur.t.Stop()
		delete(s.timers, conversationID)
	}
	s.mu.Unlock()

	if typing {
		s.publish(conversationID, false)
	}
}

// Typing reports whether a stop is still pending for the conversation.
func (s *Sender) Typing(conversationID model.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[conversationID]
	return ok
}

// Reset cancels all timers without publishing.
func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.timers {
		cur.t.Stop()
		delete(s.timers, id)
	}
}

func (s *Sender) expire(conversationID model.ID, fired *idleTimer) {
	s.mu.Lock()
	if s.timers[conversationID] != fired {
		s.mu.Unlock()
		return
	}
	delete(s.timers, conversationID)
	s.mu.Unlock()
	s.publish(conversationID, false)
}

func (s *Sender) publish(conversationID model.ID, typing bool) {
	body, err := wire.Encode(wire.NewTyping(conversationID, typing))
	if err != nil {
		s.logger.Error("encode typing", zap.Error(err))
		return
	}
	err = s.pub.Publish(wire.DestTyping, body)
	switch {
	case errors.Is(err, connection.ErrNotConnected):
		s.logger.Debug("typing dropped while disconnected", zap.String("conversation", conversationID.String()))
	case err != nil:
		s.logger.Warn("publish typing", zap.String("conversation", conversationID.String()), zap.Error(err))
	}
}

// Indicator lists who is typing in a conversation. It is the payload of
// bus.KindTyping.
type Indicator struct {
	ConversationID model.ID
	Users          []string
}

// Tracker holds remote typing indicators until they are cleared or expire.
type Tracker struct {
	bus    *bus.Bus
	expiry time.Duration

	mu     sync.Mutex
	self   model.ID
	selfNm string
	active map[model.ID]map[string]*time.Timer
}

// NewTracker creates a tracker. expiry <= 0 uses DefaultExpiry.
func NewTracker(b *bus.Bus, expiry time.Duration) *Tracker {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		bus:    b,
		expiry: expiry,
		active: make(map[model.ID]map[string]*time.Timer),
	}
}

// SetSelf filters out the local user's own echoes.
func (t *Tracker) SetSelf(id model.ID, username string) {
	t.mu.Lock()
	t.self, t.selfNm = id, username
	t.mu.Unlock()
}

// Handle applies one inbound typing event.
func (t *Tracker) Handle(conversationID model.ID, ev wire.Typing) {
	who := ev.Username
	if who == "" {
		who = ev.UserID.Model().String()
	}
	if who == "" {
		return
	}

	t.mu.Lock()
	if (!t.self.IsZero() && ev.UserID.Model() == t.self) || (t.selfNm != "" && ev.Username == t.selfNm) {
		t.mu.Unlock()
		return
	}
	users := t.active[conversationID]
	prev, had := users[who]
	if had {
		prev.Stop()
	}
	changed := false
	if ev.Active() {
		if users == nil {
			users = make(map[string]*time.Timer)
			t.active[conversationID] = users
		}
		users[who] = time.AfterFunc(t.expiry, func() { t.expire(conversationID, who) })
		changed = !had
	} else if had {
		delete(users, who)
		if len(users) == 0 {
			delete(t.active, conversationID)
		}
		changed = true
	}
	var ind Indicator
	if changed {
		ind = t.indicatorLocked(conversationID)
	}
	t.mu.Unlock()

	if changed {
		t.bus.Emit(bus.KindTyping, ind)
	}
}

// Users returns who is typing in a conversation, sorted.
func (t *Tracker) Users(conversationID model.ID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indicatorLocked(conversationID).Users
}

// Clear drops the indicators of one conversation.
func (t *Tracker) Clear(conversationID model.ID) {
	t.mu.Lock()
	users := t.active[conversationID]
	for _, timer := range users {
		timer.Stop()
	}
	delete(t.active, conversationID)
	t.mu.Unlock()
	if len(users) > 0 {
		t.bus.Emit(bus.KindTyping, Indicator{ConversationID: conversationID})
	}
}

// Reset drops every indicator without emitting.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, users := range t.active {
		for _, timer := range users {
			timer.Stop()
		}
		delete(t.active, id)
	}
}

func (t *Tracker) expire(conversationID model.ID, who string) {
	t.mu.Lock()
	users := t.active[conversationID]
	if _, ok := users[who]; !ok {
		t.mu.Unlock()
		return
	}
	delete(users, who)
	if len(users) == 0 {
		delete(t.active, conversationID)
	}
	ind := t.indicatorLocked(conversationID)
	t.mu.Unlock()
	t.bus.Emit(bus.KindTyping, ind)
}

func (t *Tracker) indicatorLocked(conversationID model.ID) Indicator {
	ind := Indicator{ConversationID: conversationID}
	for who := range t.active[conversationID] {
		ind.Users = append(ind.Users, who)
	}
	slices.Sort(ind.Users)
	return ind
}
