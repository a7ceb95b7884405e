package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempPrefix marks client-generated message ids that the server has not
// confirmed yet.
const TempPrefix = "temp-"

// ID identifies messages, conversations and users. Server ids are numeric on
// the wire but are carried as strings so temp ids fit the same slot.
type ID string

// NewTempID allocates a locally unique temporary message id.
func NewTempID() ID {
	return ID(TempPrefix + uuid.NewString())
}

// IsTemp reports whether id was generated locally.
func (id ID) IsTemp() bool {
	return strings.HasPrefix(string(id), TempPrefix)
}

// IsZero reports whether id is absent. "0" counts as absent, matching the
// status broadcast convention.
func (id ID) IsZero() bool {
	return id == "" || id == "0"
}

func (id ID) String() string {
	return string(id)
}

// Message is a chat message as held in local state.
type Message struct {
	ID             ID
	ConversationID ID
	SenderID       ID
	SenderUsername string
	Content        string
	SentAt         time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	Status         MessageStatus
}

// ApplyStatus moves m to status st unless that would be a downgrade.
// Delivery and read timestamps are filled in when provided. It reports
// whether anything changed.
func (m *Message) ApplyStatus(st MessageStatus, deliveredAt, readAt *time.Time) bool {
	if !m.Status.Accepts(st) {
		return false
	}
	changed := m.Status != st
	m.Status = st
	if deliveredAt != nil && m.DeliveredAt == nil {
		m.DeliveredAt = deliveredAt
		changed = true
	}
	if readAt != nil && m.ReadAt == nil {
		m.ReadAt = readAt
		changed = true
	}
	return changed
}

// Participant is the subset of a user shown inside a conversation.
type Participant struct {
	ID       ID
	Username string
	Status   Presence
	LastSeen *time.Time
}

// Conversation is a one-to-one or group chat.
type Conversation struct {
	ID           ID
	Name         string
	GroupChat    bool
	Participants []Participant
	LastMessage  *Message
	UnreadCount  int
	UpdatedAt    time.Time
}

// Clone returns a deep copy so snapshots never alias the owner's state.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// PendingSend is a message that could not be published yet.
type PendingSend struct {
	TempID         ID
	ConversationID ID
	Content        string
	CreatedAt      time.Time
	Attempts       uint
}
