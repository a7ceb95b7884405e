// Package topology maps conversations and per-user queues to live transport
// subscriptions and routes decoded frames to their handlers.
package topology

import (
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Channel is the kind of per-conversation subscription.
type Channel int

const (
	Messages Channel = iota
	Status
	Typing
)

var channels = [...]Channel{Messages, Status, Typing}

func (c Channel) String() string {
	switch c {
	case Messages:
		return "messages"
	case Status:
		return "status"
	case Typing:
		return "typing"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

func (c Channel) destination(id model.ID) string {
	switch c {
	case Status:
		return wire.ConversationStatusTopic(id)
	case Typing:
		return wire.ConversationTypingTopic(id)
	default:
		return wire.ConversationTopic(id)
	}
}

// Key identifies one conversation subscription.
type Key struct {
	ConversationID model.ID
	Channel        Channel
}

// Subscriber is the part of the connection manager the topology needs.
type Subscriber interface {
	Subscribe(destination string, h transport.Handler) (string, error)
	Unsubscribe(id string) error
}

// Handlers receive decoded inbound payloads. Nil handlers drop their frames.
type Handlers struct {
	Message      func(wire.Message)
	Status       func(conversationID model.ID, u wire.StatusUpdate)
	Typing       func(conversationID model.ID, t wire.Typing)
	Presence     func(wire.UserStatus)
	SyncComplete func(wire.SyncComplete)
}

// Topology keeps the desired subscription set and the handles that realize
// it on the current connection. Subscribing twice is a no-op.
type Topology struct {
	sub      Subscriber
	handlers Handlers
	logger   *zap.Logger

	mu            sync.Mutex
	conversations map[model.ID]bool
	presence      bool
	userID        model.ID
	handles       map[Key]string
	global        map[string]string // destination -> subscription id
}

// New creates an empty topology.
func New(sub Subscriber, h Handlers, logger *zap.Logger) *Topology {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Topology{
		sub:           sub,
		handlers:      h,
		logger:        logger.Named("topology"),
		conversations: make(map[model.ID]bool),
		handles:       make(map[Key]string),
		global:        make(map[string]string),
	}
}

// SetHandlers replaces the handlers. It must be called before the first
// subscription.
func (t *Topology) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// SubscribeToConversation subscribes to the message, status and typing
// topics of id. While disconnected only the intent is recorded.
func (t *Topology) SubscribeToConversation(id model.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversations[id] = true
	return t.ensureConversation(id)
}

// UnsubscribeFromConversation drops all three subscriptions of id. It is
// safe when none exist.
func (t *Topology) UnsubscribeFromConversation(id model.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conversations, id)
	for _, ch := range channels {
		k := Key{ConversationID: id, Channel: ch}
		if handle, ok := t.handles[k]; ok {
			if err := t.sub.Unsubscribe(handle); err != nil && !errors.Is(err, connection.ErrNotConnected) {
				t.logger.Debug("unsubscribe failed", zap.String("conversation", string(id)), zap.Stringer("channel", ch), zap.Error(err))
			}
			delete(t.handles, k)
		}
	}
}

// SubscribeToPresence subscribes to the global presence topic.
func (t *Topology) SubscribeToPresence() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presence = true
	return t.ensureGlobal(wire.TopicPresence, t.presenceHandler)
}

// SubscribeToUserQueues subscribes to the per-user sync and message queues.
func (t *Topology) SubscribeToUserQueues(userID model.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = userID
	return t.ensureUserQueues()
}

// Rebuild recreates every desired subscription on a fresh connection. Old
// handles belong to the dead connection and are discarded.
func (t *Topology) Rebuild() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.handles)
	clear(t.global)

	var errs []error
	if err := t.ensureUserQueues(); err != nil {
		errs = append(errs, err)
	}
	if t.presence {
		if err := t.ensureGlobal(wire.TopicPresence, t.presenceHandler); err != nil {
			errs = append(errs, err)
		}
	}
	for id := range t.conversations {
		if err := t.ensureConversation(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset drops every subscription and forgets all intent.
func (t *Topology) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, handle := range t.handles {
		_ = t.sub.Unsubscribe(handle)
	}
	for _, handle := range t.global {
		_ = t.sub.Unsubscribe(handle)
	}
	clear(t.handles)
	clear(t.global)
	clear(t.conversations)
	t.presence = false
	t.userID = ""
}

// Conversations returns the conversations with an active subscription intent.
func (t *Topology) Conversations() []model.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.ID, 0, len(t.conversations))
	for id := range t.conversations {
		out = append(out, id)
	}
	return out
}

// Subscribed reports whether k has a live handle.
func (t *Topology) Subscribed(k Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handles[k]
	return ok
}

// Handles returns the number of live subscription handles.
func (t *Topology) Handles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles) + len(t.global)
}

func (t *Topology) ensureConversation(id model.ID) error {
	for _, ch := range channels {
		k := Key{ConversationID: id, Channel: ch}
		if _, ok := t.handles[k]; ok {
			continue
		}
		handle, err := t.sub.Subscribe(ch.destination(id), t.conversationHandler(k))
		if errors.Is(err, connection.ErrNotConnected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", id, ch, err)
		}
		t.handles[k] = handle
	}
	return nil
}

func (t *Topology) ensureUserQueues() error {
	if t.userID == "" {
		return nil
	}
	if err := t.ensureGlobal(wire.SyncQueue(t.userID), t.syncHandler); err != nil {
		return err
	}
	return t.ensureGlobal(wire.MessagesQueue(t.userID), t.queueMessageHandler)
}

func (t *Topology) ensureGlobal(dest string, h transport.Handler) error {
	if _, ok := t.global[dest]; ok {
		return nil
	}
	handle, err := t.sub.Subscribe(dest, h)
	if errors.Is(err, connection.ErrNotConnected) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", dest, err)
	}
	t.global[dest] = handle
	return nil
}

func (t *Topology) active(id model.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversations[id]
}

func (t *Topology) current() Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

func (t *Topology) drop(m transport.Message, err error) {
	t.logger.Warn("dropping malformed payload", zap.String("destination", m.Destination), zap.Error(err))
}

func (t *Topology) conversationHandler(k Key) transport.Handler {
	return func(m transport.Message) {
		if !t.active(k.ConversationID) {
			return
		}
		h := t.current()
		switch k.Channel {
		case Messages:
			var p wire.Message
			if err := wire.Decode(m.Body, &p); err != nil {
				t.drop(m, err)
				return
			}
			if p.ConversationID == "" {
				p.ConversationID = wire.ID(k.ConversationID)
			}
			if h.Message != nil {
				h.Message(p)
			}
		case Status:
			var p wire.StatusUpdate
			if err := wire.Decode(m.Body, &p); err != nil {
				t.drop(m, err)
				return
			}
			if h.Status != nil {
				h.Status(k.ConversationID, p)
			}
		case Typing:
			var p wire.Typing
			if err := wire.Decode(m.Body, &p); err != nil {
				t.drop(m, err)
				return
			}
			if h.Typing != nil {
				h.Typing(k.ConversationID, p)
			}
		}
	}
}

func (t *Topology) queueMessageHandler(m transport.Message) {
	var p wire.Message
	if err := wire.Decode(m.Body, &p); err != nil {
		t.drop(m, err)
		return
	}
	if h := t.current(); h.Message != nil {
		h.Message(p)
	}
}

func (t *Topology) presenceHandler(m transport.Message) {
	var p wire.UserStatus
	if err := wire.Decode(m.Body, &p); err != nil {
		t.drop(m, err)
		return
	}
	if p.UserID == "" {
		t.drop(m, wire.ErrMissingField)
		return
	}
	if h := t.current(); h.Presence != nil {
		h.Presence(p)
	}
}

func (t *Topology) syncHandler(m transport.Message) {
	var p wire.SyncComplete
	if err := wire.Decode(m.Body, &p); err != nil {
		t.drop(m, err)
		return
	}
	if h := t.current(); h.SyncComplete != nil {
		h.SyncComplete(p)
	}
}
