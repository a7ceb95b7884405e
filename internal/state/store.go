// Package state is the single owner of the observable message and
// conversation lists. Inbound mutations are buffered and flushed on a fixed
// period; every flush publishes one snapshot on the bus.
package state

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Defaults for Options.
const (
	DefaultFlushInterval = 300 * time.Millisecond
	DefaultMatchWindow   = 60 * time.Second
)

// Options tunes the store.
type Options struct {
	FlushInterval time.Duration
	// MatchWindow bounds the sentAt distance at which a server message may
	// absorb a local optimistic message with the same content.
	MatchWindow time.Duration
	Metrics     *metrics.Metrics
}

// MessagesUpdate is the payload of bus.KindMessages: the full, sorted
// message list of every conversation the flush touched.
type MessagesUpdate struct {
	Conversations map[model.ID][]model.Message
}

// ConversationsUpdate is the payload of bus.KindConversations.
type ConversationsUpdate struct {
	Conversations []model.Conversation
}

// Store holds messages and conversations.
type Store struct {
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	period  time.Duration
	window  time.Duration

	mu            sync.Mutex
	selfID        model.ID
	active        model.ID
	messages      map[model.ID][]*model.Message // by conversation, sorted by SentAt
	index         map[model.ID]*model.Message
	conversations map[model.ID]*model.Conversation
	held          map[model.ID]heldStatus
	buffer        []Mutation
	timer         *time.Timer
	closed        bool
}

// New creates an empty store.
func New(b *bus.Bus, logger *zap.Logger, opts Options) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = DefaultMatchWindow
	}
	return &Store{
		bus:           b,
		logger:        logger.Named("state"),
		metrics:       opts.Metrics,
		period:        opts.FlushInterval,
		window:        opts.MatchWindow,
		messages:      make(map[model.ID][]*model.Message),
		index:         make(map[model.ID]*model.Message),
		conversations: make(map[model.ID]*model.Conversation),
		held:          make(map[model.ID]heldStatus),
	}
}

// SetSelf sets the local user id.
func (s *Store) SetSelf(id model.ID) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
}

// SetActive marks the conversation the user is looking at. Messages arriving
// there do not count as unread.
func (s *Store) SetActive(id model.ID) {
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
}

// Active returns the active conversation id.
func (s *Store) Active() model.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Enqueue buffers mutations for the next flush.
func (s *Store) Enqueue(ms ...Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buffer = append(s.buffer, ms...)
	if s.timer == nil {
		s.timer = time.AfterFunc(s.period, s.Flush)
	}
}

// Apply applies mutations immediately and publishes the result, bypassing
// the buffer.
func (s *Store) Apply(ms ...Mutation) {
	s.mu.Lock()
	c := newChanges()
	for _, m := range ms {
		m.apply(s, c)
	}
	s.emitLocked(c)
	s.mu.Unlock()
}

// Flush merges the buffered mutations and publishes once.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.buffer) == 0 {
		return
	}
	start := time.Now()
	batch := s.buffer
	s.buffer = nil
	c := newChanges()
	for _, m := range batch {
		m.apply(s, c)
	}
	s.emitLocked(c)
	s.metrics.ObserveFlush(time.Since(start), len(batch))
}

// Pending returns the number of buffered mutations.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Close flushes what is buffered and stops accepting mutations.
func (s *Store) Close() {
	s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Reset forgets all messages, conversations and buffered mutations.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.buffer = nil
	s.active = ""
	s.selfID = ""
	clear(s.messages)
	clear(s.index)
	clear(s.conversations)
	clear(s.held)
	if s.bus != nil {
		s.bus.Emit(bus.KindMessages, MessagesUpdate{Conversations: map[model.ID][]model.Message{}})
		s.bus.Emit(bus.KindConversations, ConversationsUpdate{})
	}
}

// Messages returns the sorted messages of a conversation.
func (s *Store) Messages(conversationID model.ID) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(conversationID)
}

// Message returns one message by id.
func (s *Store) Message(id model.ID) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.index[id]; m != nil {
		return *m, true
	}
	return model.Message{}, false
}

// Conversations returns conversations, most recently updated first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked()
}

// Conversation returns one conversation.
func (s *Store) Conversation(id model.ID) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.conversations[id]; c != nil {
		return c.Clone(), true
	}
	return model.Conversation{}, false
}

func (s *Store) snapshotLocked(conversationID model.ID) []model.Message {
	list := s.messages[conversationID]
	out := make([]model.Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

func (s *Store) conversationsLocked() []model.Conversation {
	out := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	slices.SortStableFunc(out, func(a, b model.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) emitLocked(c *changes) {
	if c.empty() || s.bus == nil {
		return
	}
	if len(c.messages) > 0 {
		upd := MessagesUpdate{Conversations: make(map[model.ID][]model.Message, len(c.messages))}
		for id := range c.messages {
			upd.Conversations[id] = s.snapshotLocked(id)
		}
		s.bus.Emit(bus.KindMessages, upd)
	}
	if c.conversations {
		s.bus.Emit(bus.KindConversations, ConversationsUpdate{Conversations: s.conversationsLocked()})
	}
}

func (s *Store) lookup(id model.ID) *model.Message {
	return s.index[id]
}

func (s *Store) sortLocked(conversationID model.ID) {
	slices.SortStableFunc(s.messages[conversationID], func(a, b *model.Message) int {
		return a.SentAt.Compare(b.SentAt)
	})
}

func (s *Store) upsertMessage(msg model.Message, replaces model.ID, c *changes) {
	conv := msg.ConversationID

	if existing := s.index[msg.ID]; existing != nil {
		// Duplicate delivery. A temp it would replace is a leftover.
		changed := mergeMessage(existing, msg)
		if replaces != "" && replaces != msg.ID && s.index[replaces] != nil {
			s.removeLocked(replaces)
			changed = true
		}
		if changed {
			c.messages[conv] = true
			s.touchLastMessage(*existing, c)
		}
		return
	}

	if replaces == "" && !msg.ID.IsTemp() && (s.selfID.IsZero() || msg.SenderID == s.selfID) {
		if t := s.findTempLocked(msg); t != nil {
			replaces = t.ID
		}
	}

	if replaces != "" {
		if temp := s.index[replaces]; temp != nil {
			prev, name := temp.Status, temp.SenderUsername
			delete(s.index, replaces)
			*temp = msg
			if prev != model.StatusFailed && prev > temp.Status {
				temp.Status = prev
			}
			if temp.SenderUsername == "" {
				temp.SenderUsername = name
			}
			s.index[msg.ID] = temp
			if cv := s.conversations[conv]; cv != nil && cv.LastMessage != nil && cv.LastMessage.ID == replaces {
				cv.LastMessage.ID = msg.ID
			}
			s.applyHeldLocked(temp)
			s.sortLocked(conv)
			c.messages[conv] = true
			s.touchLastMessage(*temp, c)
			return
		}
	}

	m := msg
	s.messages[conv] = append(s.messages[conv], &m)
	s.index[m.ID] = &m
	s.applyHeldLocked(&m)
	s.sortLocked(conv)
	c.messages[conv] = true

	cv := s.ensureConversationLocked(conv, m.SentAt)
	if !m.ID.IsTemp() && m.SenderID != s.selfID && conv != s.active {
		cv.UnreadCount++
	}
	s.touchLastMessage(m, c)
	c.conversations = true
}

// findTempLocked finds an optimistic message the server message confirms.
func (s *Store) findTempLocked(msg model.Message) *model.Message {
	for _, m := range s.messages[msg.ConversationID] {
		if !m.ID.IsTemp() || m.Content != msg.Content {
			continue
		}
		if d := m.SentAt.Sub(msg.SentAt); d <= s.window && d >= -s.window {
			return m
		}
	}
	return nil
}

func (s *Store) removeLocked(id model.ID) {
	m := s.index[id]
	if m == nil {
		return
	}
	delete(s.index, id)
	list := s.messages[m.ConversationID]
	s.messages[m.ConversationID] = slices.DeleteFunc(list, func(x *model.Message) bool { return x == m })
}

// mergeMessage folds a repeated server message into the stored copy. Status
// never goes backwards.
func mergeMessage(dst *model.Message, src model.Message) bool {
	changed := false
	if src.Content != "" && src.Content != dst.Content {
		dst.Content = src.Content
		changed = true
	}
	if src.SenderUsername != "" && dst.SenderUsername == "" {
		dst.SenderUsername = src.SenderUsername
		changed = true
	}
	if dst.ApplyStatus(src.Status, src.DeliveredAt, src.ReadAt) {
		changed = true
	}
	return changed
}

func (s *Store) applyHeldLocked(m *model.Message) {
	h, ok := s.held[m.ID]
	if !ok {
		return
	}
	delete(s.held, m.ID)
	m.ApplyStatus(h.Status, h.DeliveredAt, h.ReadAt)
}

// heldStatus is a targeted status that arrived before its message.
type heldStatus struct {
	UpdateStatus
	at time.Time
}

// pruneHeldLocked drops held statuses older than the match window.
func (s *Store) pruneHeldLocked(now time.Time) {
	for id, h := range s.held {
		if now.Sub(h.at) > s.window {
			delete(s.held, id)
		}
	}
}

// Held reports how many statuses wait for their message.
func (s *Store) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *Store) targetedStatus(u UpdateStatus, c *changes) {
	m := s.index[u.MessageID]
	if m == nil {
		now := time.Now()
		s.pruneHeldLocked(now)
		if prev, ok := s.held[u.MessageID]; !ok || prev.Status < u.Status {
			s.held[u.MessageID] = heldStatus{UpdateStatus: u, at: now}
		}
		return
	}
	if m.ApplyStatus(u.Status, u.DeliveredAt, u.ReadAt) {
		c.messages[m.ConversationID] = true
		s.touchLastMessage(*m, c)
	}
}

func (s *Store) broadcastStatus(u UpdateStatus, c *changes) {
	for _, m := range s.messages[u.ConversationID] {
		if m.ID.IsTemp() || m.Status == model.StatusFailed || m.Status >= u.Status {
			continue
		}
		if m.ApplyStatus(u.Status, u.DeliveredAt, u.ReadAt) {
			c.messages[u.ConversationID] = true
			s.touchLastMessage(*m, c)
		}
	}
}

func (s *Store) mergeHistory(conv model.ID, page []model.Message, c *changes) {
	var newest *model.Message
	for _, pm := range page {
		m := s.index[pm.ID]
		if m != nil {
			mergeMessage(m, pm)
		} else {
			cp := pm
			m = &cp
			s.applyHeldLocked(m)
			s.index[m.ID] = m
			s.messages[conv] = append(s.messages[conv], m)
		}
		if newest == nil || !m.SentAt.Before(newest.SentAt) {
			newest = m
		}
	}
	s.sortLocked(conv)
	c.messages[conv] = true
	if newest != nil {
		s.ensureConversationLocked(conv, newest.SentAt)
		s.touchLastMessage(*newest, c)
	}
}

func (s *Store) ensureConversationLocked(id model.ID, at time.Time) *model.Conversation {
	cv := s.conversations[id]
	if cv == nil {
		cv = &model.Conversation{ID: id, UpdatedAt: at}
		s.conversations[id] = cv
	}
	return cv
}

// touchLastMessage refreshes the conversation preview when m is its newest
// message or replaces the current preview.
func (s *Store) touchLastMessage(m model.Message, c *changes) {
	cv := s.conversations[m.ConversationID]
	if cv == nil {
		return
	}
	lm := cv.LastMessage
	switch {
	case lm == nil, lm.ID == m.ID, !m.SentAt.Before(lm.SentAt):
	default:
		return
	}
	cp := m
	cv.LastMessage = &cp
	if m.SentAt.After(cv.UpdatedAt) {
		cv.UpdatedAt = m.SentAt
	}
	c.conversations = true
}

func (s *Store) upsertConversation(conv model.Conversation) {
	cp := conv.Clone()
	if old := s.conversations[conv.ID]; old != nil {
		if old.LastMessage != nil && (cp.LastMessage == nil || old.LastMessage.SentAt.After(cp.LastMessage.SentAt)) {
			cp.LastMessage = old.LastMessage
		}
		if old.UpdatedAt.After(cp.UpdatedAt) {
			cp.UpdatedAt = old.UpdatedAt
		}
	}
	s.conversations[conv.ID] = &cp
}
