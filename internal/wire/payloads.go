package wire

import (
	"errors"
	"strings"

	"github.com/matheus3301/chatsync/internal/model"
)

var (
	// ErrMissingField is returned when a payload lacks a field the engine needs.
	ErrMissingField = errors.New("wire: missing required field")
)

// Message is the chat message payload. ID is absent on client to server sends.
type Message struct {
	ID             ID     `json:"id,omitempty"`
	SenderID       ID     `json:"senderId,omitempty"`
	SenderUsername string `json:"senderUsername,omitempty"`
	ConversationID ID     `json:"conversationId"`
	Content        string `json:"content"`
	SentAt         *Time  `json:"sentAt,omitempty"`
	DeliveredAt    *Time  `json:"deliveredAt,omitempty"`
	ReadAt         *Time  `json:"readAt,omitempty"`
	Status         string `json:"status,omitempty"`
}

// ToModel validates the payload and converts it. Server messages must carry
// an id and a conversation id. An unknown status becomes SENT.
func (m *Message) ToModel() (model.Message, error) {
	if m.ID.Model().IsZero() || m.ConversationID.Model().IsZero() {
		return model.Message{}, ErrMissingField
	}
	st, _ := model.ParseStatus(m.Status)
	out := model.Message{
		ID:             m.ID.Model(),
		ConversationID: m.ConversationID.Model(),
		SenderID:       m.SenderID.Model(),
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		DeliveredAt:    m.DeliveredAt.Ptr(),
		ReadAt:         m.ReadAt.Ptr(),
		Status:         st,
	}
	if m.SentAt != nil {
		out.SentAt = m.SentAt.Time
	}
	return out, nil
}

// FromModel builds a wire message from a model message.
func FromModel(m model.Message) Message {
	out := Message{
		SenderID:       ID(m.SenderID),
		SenderUsername: m.SenderUsername,
		ConversationID: ID(m.ConversationID),
		Content:        m.Content,
		Status:         m.Status.String(),
	}
	if !m.ID.IsTemp() {
		out.ID = ID(m.ID)
	}
	if !m.SentAt.IsZero() {
		out.SentAt = &Time{m.SentAt}
	}
	if m.DeliveredAt != nil {
		out.DeliveredAt = &Time{*m.DeliveredAt}
	}
	if m.ReadAt != nil {
		out.ReadAt = &Time{*m.ReadAt}
	}
	return out
}

// OutgoingMessage is published to /app/chat.send.
type OutgoingMessage struct {
	ConversationID ID     `json:"conversationId"`
	Content        string `json:"content"`
}

// StatusUpdate is a delivery status change. A zero or absent id broadcasts to
// the whole conversation.
type StatusUpdate struct {
	ID             ID     `json:"id,omitempty"`
	MessageID      ID     `json:"messageId,omitempty"`
	ConversationID ID     `json:"conversationId,omitempty"`
	Status         string `json:"status"`
	DeliveredAt    *Time  `json:"deliveredAt,omitempty"`
	ReadAt         *Time  `json:"readAt,omitempty"`
}

// Target returns the message id the update applies to, or "" for a broadcast.
func (s *StatusUpdate) Target() model.ID {
	if id := s.ID.Model(); !id.IsZero() {
		return id
	}
	if id := s.MessageID.Model(); !id.IsZero() {
		return id
	}
	return ""
}

// ParsedStatus returns the status, falling back to SENT for invalid names.
func (s *StatusUpdate) ParsedStatus() model.MessageStatus {
	st, _ := model.ParseStatus(s.Status)
	return st
}

// Typing is a typing indicator. The backend serializes the flag as either
// "isTyping" or "typing" depending on its bean naming.
type Typing struct {
	ConversationID ID     `json:"conversationId"`
	UserID         ID     `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
	IsTyping       *bool  `json:"isTyping,omitempty"`
	TypingAlt      *bool  `json:"typing,omitempty"`
}

// Active reports the typing flag.
func (t *Typing) Active() bool {
	if t.IsTyping != nil {
		return *t.IsTyping
	}
	return t.TypingAlt != nil && *t.TypingAlt
}

// NewTyping builds an outbound typing indicator.
func NewTyping(conversationID model.ID, typing bool) Typing {
	return Typing{ConversationID: ID(conversationID), IsTyping: &typing}
}

// UserStatus is a presence update pushed on /topic/user.status and returned by
// the users REST endpoints.
type UserStatus struct {
	UserID     ID     `json:"userId"`
	Username   string `json:"username,omitempty"`
	Status     string `json:"status"`
	LastActive *Time  `json:"lastActive,omitempty"`
}

// Presence returns the normalized presence value.
func (u *UserStatus) Presence() model.Presence {
	return model.ParsePresence(u.Status)
}

// ReadReceipt is published to /app/chat.read.
type ReadReceipt struct {
	ConversationID ID `json:"conversationId"`
}

// StatusRefresh is published to /app/chat.status.refresh.
type StatusRefresh struct {
	ConversationID ID `json:"conversationId"`
}

// OwnStatus is published to /app/user.status and sent to PUT /users/status.
type OwnStatus struct {
	Status string `json:"status"`
}

// SyncRequest opens the sync handshake after every (re)connect.
type SyncRequest struct {
	LastSyncTimestamp int64  `json:"lastSyncTimestamp"`
	ClientID          string `json:"clientId"`
}

// SyncComplete acknowledges a sync request on the per-user sync queue.
type SyncComplete struct {
	Status      string `json:"status"`
	SyncedCount int    `json:"syncedCount"`
	Timestamp   *Time  `json:"timestamp,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Failed reports whether the server rejected the sync.
func (s *SyncComplete) Failed() bool {
	return s.Error != "" || strings.EqualFold(s.Status, "error") || strings.EqualFold(s.Status, "failed")
}

// User is the REST user resource.
type User struct {
	ID         ID     `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	FullName   string `json:"fullName,omitempty"`
	Status     string `json:"status,omitempty"`
	LastActive *Time  `json:"lastActive,omitempty"`
}

// Participant converts a user to a conversation participant.
func (u *User) Participant() model.Participant {
	return model.Participant{
		ID:       u.ID.Model(),
		Username: u.Username,
		Status:   model.ParsePresence(u.Status),
		LastSeen: u.LastActive.Ptr(),
	}
}

// Conversation is the REST conversation resource. LastMessage is a preview
// string on this API.
type Conversation struct {
	ID           ID     `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	GroupChat    bool   `json:"groupChat"`
	CreatorID    ID     `json:"creatorId,omitempty"`
	Participants []User `json:"participants"`
	LastMessage  string `json:"lastMessage,omitempty"`
	UnreadCount  int    `json:"unreadCount,omitempty"`
	CreatedAt    *Time  `json:"createdAt,omitempty"`
	UpdatedAt    *Time  `json:"updatedAt,omitempty"`
}

// ToModel converts the resource. The preview becomes a content-only last
// message.
func (c *Conversation) ToModel() model.Conversation {
	out := model.Conversation{
		ID:          c.ID.Model(),
		Name:        c.Name,
		GroupChat:   c.GroupChat,
		UnreadCount: c.UnreadCount,
	}
	for i := range c.Participants {
		out.Participants = append(out.Participants, c.Participants[i].Participant())
	}
	if c.UpdatedAt != nil {
		out.UpdatedAt = c.UpdatedAt.Time
	} else if c.CreatedAt != nil {
		out.UpdatedAt = c.CreatedAt.Time
	}
	if c.LastMessage != "" {
		out.LastMessage = &model.Message{ConversationID: out.ID, Content: c.LastMessage, SentAt: out.UpdatedAt}
	}
	return out
}

// CreateOneToOne is the body of POST /conversations/one-to-one.
type CreateOneToOne struct {
	ParticipantID ID `json:"participantId"`
}

// CreateGroup is the body of POST /conversations/group.
type CreateGroup struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ParticipantIDs []ID   `json:"participantIds"`
}

// Page is a Spring Data page.
type Page[T any] struct {
	Content       []T  `json:"content"`
	Number        int  `json:"number"`
	Size          int  `json:"size"`
	TotalElements int  `json:"totalElements"`
	TotalPages    int  `json:"totalPages"`
	Last          bool `json:"last"`
}
