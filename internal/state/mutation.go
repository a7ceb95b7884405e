package state

import (
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Mutation is a change to the message or conversation lists.
type Mutation interface {
	apply(s *Store, c *changes)
}

// changes collects what a batch touched.
type changes struct {
	messages      map[model.ID]bool
	conversations bool
}

func newChanges() *changes {
	return &changes{messages: make(map[model.ID]bool)}
}

func (c *changes) empty() bool {
	return len(c.messages) == 0 && !c.conversations
}

// UpsertMessage inserts or merges a message. ReplacesTemp names the
// optimistic message the server message confirms, if the engine matched one.
type UpsertMessage struct {
	Message      model.Message
	ReplacesTemp model.ID
}

func (m UpsertMessage) apply(s *Store, c *changes) {
	s.upsertMessage(m.Message, m.ReplacesTemp, c)
}

// UpdateStatus applies a delivery status under the no-downgrade rule. An
// empty MessageID broadcasts to the whole conversation.
type UpdateStatus struct {
	ConversationID model.ID
	MessageID      model.ID
	Status         model.MessageStatus
	DeliveredAt    *time.Time
	ReadAt         *time.Time
}

func (m UpdateStatus) apply(s *Store, c *changes) {
	if m.MessageID.IsZero() {
		s.broadcastStatus(m, c)
		return
	}
	s.targetedStatus(m, c)
}

// ForceStatus sets a status even when it is a downgrade. It is used for the
// send timeout (to FAILED) and for a user retry (FAILED to PENDING).
type ForceStatus struct {
	MessageID model.ID
	Status    model.MessageStatus
}

func (m ForceStatus) apply(s *Store, c *changes) {
	msg := s.lookup(m.MessageID)
	if msg == nil || msg.Status == m.Status {
		return
	}
	msg.Status = m.Status
	c.messages[msg.ConversationID] = true
	s.touchLastMessage(*msg, c)
}

// UpsertConversation inserts or replaces a conversation, keeping the local
// unread count and last message when they are more recent.
type UpsertConversation struct {
	Conversation model.Conversation
}

func (m UpsertConversation) apply(s *Store, c *changes) {
	s.upsertConversation(m.Conversation)
	c.conversations = true
}

// SetConversations replaces the whole conversation list.
type SetConversations struct {
	Conversations []model.Conversation
}

func (m SetConversations) apply(s *Store, c *changes) {
	clear(s.conversations)
	for _, conv := range m.Conversations {
		s.upsertConversation(conv)
	}
	c.conversations = true
}

// MergeHistory folds a loaded history page into a conversation. Messages
// already present are merged, never duplicated, and unread counters are left
// alone.
type MergeHistory struct {
	ConversationID model.ID
	Messages       []model.Message
}

func (m MergeHistory) apply(s *Store, c *changes) {
	s.mergeHistory(m.ConversationID, m.Messages, c)
}

// ClearUnread zeroes the unread counter of a conversation.
type ClearUnread struct {
	ConversationID model.ID
}

func (m ClearUnread) apply(s *Store, c *changes) {
	if conv, ok := s.conversations[m.ConversationID]; ok && conv.UnreadCount != 0 {
		conv.UnreadCount = 0
		c.conversations = true
	}
}
