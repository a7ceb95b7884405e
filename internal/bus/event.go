package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the engine. Subscribers filter by namespace
// prefix ("connection.", "state.", "presence.", "typing.").
const (
	KindConnectionState = "connection.state_changed"

	KindMessages      = "state.messages"
	KindConversations = "state.conversations"
	KindSendFailed    = "state.send_failed"
	KindSyncComplete  = "state.sync_complete"

	KindPresence = "presence.updated"

	KindTyping = "typing.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
