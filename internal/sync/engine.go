// Package sync reconciles optimistic local sends with server echoes and
// keeps the message lists consistent across reconnects.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/topology"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Defaults for Options.
const (
	DefaultSendTimeout     = 10 * time.Second
	DefaultHistoryPageSize = 20
)

var (
	// ErrUnknownMessage is returned by Retry for an id not in local state.
	ErrUnknownMessage = errors.New("sync: unknown message")
	// ErrNotRetryable is returned by Retry for a message that is not FAILED.
	ErrNotRetryable = errors.New("sync: message is not failed")
	// ErrEmptyContent is returned by Send for blank content.
	ErrEmptyContent = errors.New("sync: empty message content")
)

// Conn is the live connection as seen by the engine.
type Conn interface {
	Publish(destination string, body []byte) error
	IsConnected() bool
}

// Collaborator is the REST backend.
type Collaborator interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	CreateOneToOne(ctx context.Context, participantID model.ID) (model.Conversation, error)
	CreateGroup(ctx context.Context, name, description string, participantIDs []model.ID) (model.Conversation, error)
	GetMessages(ctx context.Context, conversationID model.ID, page, size int) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID model.ID, content string) (model.Message, error)
	MarkRead(ctx context.Context, conversationID model.ID) error
	RetryMessage(ctx context.Context, messageID model.ID) (model.Message, error)
}

// ConversationCache persists the last loaded conversation list.
type ConversationCache interface {
	SaveConversations([]model.Conversation) error
	ListConversations() ([]model.Conversation, error)
}

// Options tunes the engine.
type Options struct {
	SendTimeout     time.Duration
	MatchWindow     time.Duration
	HistoryPageSize int
	Metrics         *metrics.Metrics
}

// SendFailed is the payload of bus.KindSendFailed.
type SendFailed struct {
	TempID         model.ID
	ConversationID model.ID
	Reason         string
}

// SyncResult is the payload of bus.KindSyncComplete.
type SyncResult struct {
	Count int
	At    time.Time
	Err   string
}

// outstanding is an optimistic send the server has not echoed yet.
type outstanding struct {
	conversationID model.ID
	content        string
	createdAt      time.Time
	timer          *time.Timer
}

// confirmation links a matched temp id to its server id until the match
// window passes.
type confirmation struct {
	serverID model.ID
	at       time.Time
}

// Engine owns the send pipeline and the inbound message handlers.
type Engine struct {
	conn    Conn
	rest    Collaborator
	state   *state.Store
	outbox  *outbox.Outbox
	topo    *topology.Topology
	recon   *Reconciler
	cache   ConversationCache
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu        sync.Mutex
	self      model.ID
	selfName  string
	sends     map[model.ID]*outstanding
	confirmed map[model.ID]confirmation // by temp id
	closed    bool
}

// Deps groups the engine's collaborators. Cache may be nil.
type Deps struct {
	Conn     Conn
	REST     Collaborator
	State    *state.Store
	Outbox   *outbox.Outbox
	Topology *topology.Topology
	Recon    *Reconciler
	Cache    ConversationCache
	Bus      *bus.Bus
}

// NewEngine creates an engine.
func NewEngine(d Deps, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = state.DefaultMatchWindow
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = DefaultHistoryPageSize
	}
	if d.Recon == nil {
		d.Recon = NewReconciler(nil, logger)
	}
	return &Engine{
		conn:      d.Conn,
		rest:      d.REST,
		state:     d.State,
		outbox:    d.Outbox,
		topo:      d.Topology,
		recon:     d.Recon,
		cache:     d.Cache,
		bus:       d.Bus,
		logger:    logger.Named("sync"),
		metrics:   opts.Metrics,
		opts:      opts,
		sends:     make(map[model.ID]*outstanding),
		confirmed: make(map[model.ID]confirmation),
	}
}

// SetSelf sets the local user.
func (e *Engine) SetSelf(id model.ID, username string) {
	e.mu.Lock()
	e.self, e.selfName = id, username
	e.mu.Unlock()
	e.state.SetSelf(id)
}

// Handlers returns the topology handlers the engine serves.
func (e *Engine) Handlers() topology.Handlers {
	return topology.Handlers{
		Message:      e.HandleMessage,
		Status:       e.HandleStatus,
		SyncComplete: e.HandleSyncComplete,
	}
}

// Restore puts the persisted pending sends back into state as PENDING
// messages so their echoes can replace them.
func (e *Engine) Restore() {
	e.mu.Lock()
	self, name := e.self, e.selfName
	e.mu.Unlock()

	for _, p := range e.outbox.List() {
		e.mu.Lock()
		e.sends[p.TempID] = &outstanding{conversationID: p.ConversationID, content: p.Content, createdAt: p.CreatedAt}
		e.mu.Unlock()
		e.state.Apply(state.UpsertMessage{Message: model.Message{
			ID:             p.TempID,
			ConversationID: p.ConversationID,
			SenderID:       self,
			SenderUsername: name,
			Content:        p.Content,
			SentAt:         p.CreatedAt,
			Status:         model.StatusPending,
		}})
	}
	if e.cache == nil {
		return
	}
	convs, err := e.cache.ListConversations()
	if err != nil {
		e.logger.Warn("failed to read conversation cache", zap.Error(err))
		return
	}
	if len(convs) > 0 {
		e.state.Apply(state.SetConversations{Conversations: convs})
	}
}

// Send posts content to a conversation and returns the temporary id of the
// optimistic message. It never fails because of the connection: offline
// sends are queued and republished on reconnect.
func (e *Engine) Send(ctx context.Context, conversationID model.ID, content string) (model.ID, error) {
	if conversationID.IsZero() {
		return "", fmt.Errorf("send: %w", wire.ErrMissingField)
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tempID := model.NewTempID()
	now := time.Now()
	connected := e.conn.IsConnected()
	status := model.StatusPending
	if connected {
		status = model.StatusSent
	}

	e.mu.Lock()
	e.sends[tempID] = &outstanding{conversationID: conversationID, content: content, createdAt: now}
	self, name := e.self, e.selfName
	e.armLocked(tempID)
	e.mu.Unlock()

	e.state.Apply(state.UpsertMessage{Message: model.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       self,
		SenderUsername: name,
		Content:        content,
		SentAt:         now,
		Status:         status,
	}})

	if connected {
		err := e.publishSend(conversationID, content)
		if err == nil {
			e.logger.Debug("message sent", zap.String("temp_id", tempID.String()), zap.String("conversation", conversationID.String()))
			return tempID, nil
		}
		e.logger.Warn("publish failed, queueing", zap.String("temp_id", tempID.String()), zap.Error(err))
		e.state.Apply(state.ForceStatus{MessageID: tempID, Status: model.StatusPending})
	}

	if err := e.outbox.Add(model.PendingSend{
		TempID:         tempID,
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      now,
	}); err != nil {
		e.logger.Error("failed to queue pending send", zap.String("temp_id", tempID.String()), zap.Error(err))
	}
	return tempID, nil
}

func (e *Engine) publishSend(conversationID model.ID, content string) error {
	body, err := wire.Encode(wire.OutgoingMessage{ConversationID: wire.ID(conversationID), Content: content})
	if err != nil {
		return err
	}
	return e.conn.Publish(wire.DestSend, body)
}

// armLocked (re)starts the send timeout of tempID.
func (e *Engine) armLocked(tempID model.ID) {
	s := e.sends[tempID]
	if s == nil || e.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(e.opts.SendTimeout, func() { e.expire(tempID) })
}

func (e *Engine) expire(tempID model.ID) {
	e.mu.Lock()
	s := e.sends[tempID]
	_, done := e.confirmed[tempID]
	if s != nil {
		s.timer = nil
	}
	e.mu.Unlock()
	if s == nil || done {
		return
	}

	msg, ok := e.state.Message(tempID)
	if !ok || (msg.Status != model.StatusPending && msg.Status != model.StatusSent) {
		return
	}
	e.fail(tempID, msg.ConversationID, "timeout")
}

// fail forces a message to FAILED and drops its queued send.
func (e *Engine) fail(tempID, conversationID model.ID, reason string) {
	e.outbox.Remove(tempID)
	e.state.Apply(state.ForceStatus{MessageID: tempID, Status: model.StatusFailed})
	e.metrics.IncFailed(reason)
	e.logger.Warn("message failed", zap.String("temp_id", tempID.String()), zap.String("reason", reason))
	if e.bus != nil {
		e.bus.Emit(bus.KindSendFailed, SendFailed{TempID: tempID, ConversationID: conversationID, Reason: reason})
	}
}

// HandleMessage ingests a server message from a conversation topic or the
// per-user queue.
func (e *Engine) HandleMessage(wm wire.Message) {
	msg, err := wm.ToModel()
	if err != nil {
		e.logger.Warn("dropping malformed message", zap.Error(err))
		return
	}
	replaces := e.match(msg)
	if replaces != "" {
		e.outbox.Remove(replaces)
		e.logger.Debug("send confirmed", zap.String("temp_id", replaces.String()), zap.String("id", msg.ID.String()))
	}
	e.state.Enqueue(state.UpsertMessage{Message: msg, ReplacesTemp: replaces})
}

// match pairs a server message with the oldest outstanding send that has
// the same conversation and content within the match window. Without a
// known local user the sender is not compared.
func (e *Engine) match(msg model.Message) model.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.pruneConfirmedLocked(now)
	if !e.self.IsZero() && msg.SenderID != e.self {
		return ""
	}
	for temp, c := range e.confirmed {
		if c.serverID == msg.ID {
			return temp
		}
	}
	at := msg.SentAt
	if at.IsZero() {
		at = now
	}
	var best model.ID
	var bestAt time.Time
	for id, s := range e.sends {
		if s.conversationID != msg.ConversationID || s.content != msg.Content {
			continue
		}
		if d := at.Sub(s.createdAt); d > e.opts.MatchWindow || d < -e.opts.MatchWindow {
			continue
		}
		if best == "" || s.createdAt.Before(bestAt) {
			best, bestAt = id, s.createdAt
		}
	}
	if best == "" {
		return ""
	}
	e.confirmLocked(best, msg.ID, now)
	return best
}

func (e *Engine) confirmLocked(tempID, serverID model.ID, now time.Time) {
	if s := e.sends[tempID]; s != nil && s.timer != nil {
		s.timer.Stop()
	}
	delete(e.sends, tempID)
	e.confirmed[tempID] = confirmation{serverID: serverID, at: now}
}

// pruneConfirmedLocked forgets confirmations older than the match window.
// Later duplicates of those messages are deduplicated by the store.
func (e *Engine) pruneConfirmedLocked(now time.Time) {
	for temp, c := range e.confirmed {
		if now.Sub(c.at) > e.opts.MatchWindow {
			delete(e.confirmed, temp)
		}
	}
}

// Confirmed reports how many recent confirmations are remembered.
func (e *Engine) Confirmed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.confirmed)
}

// HandleStatus applies a status update from a conversation status topic.
func (e *Engine) HandleStatus(conversationID model.ID, u wire.StatusUpdate) {
	if conversationID.IsZero() {
		conversationID = u.ConversationID.Model()
	}
	e.state.Enqueue(state.UpdateStatus{
		ConversationID: conversationID,
		MessageID:      u.Target(),
		Status:         u.ParsedStatus(),
		DeliveredAt:    u.DeliveredAt.Ptr(),
		ReadAt:         u.ReadAt.Ptr(),
	})
}

// HandleSyncComplete records the server's sync acknowledgement.
func (e *Engine) HandleSyncComplete(sc wire.SyncComplete) {
	res := SyncResult{Count: sc.SyncedCount, At: time.Now()}
	if sc.Timestamp != nil && !sc.Timestamp.IsZero() {
		res.At = sc.Timestamp.Time
	}
	if sc.Failed() {
		res.Err = sc.Error
		if res.Err == "" {
			res.Err = sc.Status
		}
		e.logger.Warn("sync rejected", zap.String("error", res.Err))
	} else {
		e.recon.Advance(res.At)
		e.logger.Info("sync complete", zap.Int("synced", sc.SyncedCount))
	}
	if e.bus != nil {
		e.bus.Emit(bus.KindSyncComplete, res)
	}
}

// OnConnected runs after every (re)connect once subscriptions are rebuilt:
// pending sends are republished, then missed state is requested.
func (e *Engine) OnConnected(ctx context.Context) {
	res := e.outbox.Replay(func(p model.PendingSend) error {
		return e.publishSend(p.ConversationID, p.Content)
	})
	for _, p := range res.Abandoned {
		e.mu.Lock()
		if s := e.sends[p.TempID]; s != nil && s.timer != nil {
			s.timer.Stop()
		}
		delete(e.sends, p.TempID)
		e.mu.Unlock()
		e.fail(p.TempID, p.ConversationID, "exhausted")
	}
	for _, p := range res.Published {
		e.mu.Lock()
		e.armLocked(p.TempID)
		e.mu.Unlock()
		e.state.Apply(state.UpdateStatus{ConversationID: p.ConversationID, MessageID: p.TempID, Status: model.StatusSent})
	}
	if res.Err != nil {
		e.logger.Warn("replay interrupted", zap.Error(res.Err))
	} else if n := len(res.Published); n > 0 {
		e.logger.Info("pending sends republished", zap.Int("count", n))
	}

	if err := ctx.Err(); err != nil {
		return
	}
	body, err := wire.Encode(wire.SyncRequest{
		LastSyncTimestamp: e.recon.Checkpoint(),
		ClientID:          e.recon.ClientID(),
	})
	if err != nil {
		e.logger.Error("encode sync request", zap.Error(err))
		return
	}
	if err := e.conn.Publish(wire.DestSync, body); err != nil {
		e.logger.Warn("sync request failed", zap.Error(err))
	}
}

// MarkAsRead marks a conversation read on the server and clears its unread
// counter. The socket receipt is skipped while disconnected.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID model.ID) error {
	if e.conn.IsConnected() {
		body, err := wire.Encode(wire.ReadReceipt{ConversationID: wire.ID(conversationID)})
		if err == nil {
			err = e.conn.Publish(wire.DestRead, body)
		}
		if err != nil && !errors.Is(err, connection.ErrNotConnected) {
			e.logger.Debug("read receipt dropped", zap.Error(err))
		}
	}
	if err := e.rest.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	e.state.Apply(state.ClearUnread{ConversationID: conversationID})
	return nil
}

// Retry re-issues a FAILED message through REST regardless of socket state.
func (e *Engine) Retry(ctx context.Context, messageID model.ID) (model.Message, error) {
	msg, ok := e.state.Message(messageID)
	if !ok {
		return model.Message{}, ErrUnknownMessage
	}
	if msg.Status != model.StatusFailed {
		return model.Message{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, messageID, msg.Status)
	}
	e.state.Apply(state.ForceStatus{MessageID: messageID, Status: model.StatusPending})

	var (
		out model.Message
		err error
	)
	if messageID.IsTemp() {
		out, err = e.rest.SendMessage(ctx, msg.ConversationID, msg.Content)
	} else {
		out, err = e.rest.RetryMessage(ctx, messageID)
	}
	if err != nil {
		e.state.Apply(state.ForceStatus{MessageID: messageID, Status: model.StatusFailed})
		e.metrics.IncFailed("retry")
		return model.Message{}, fmt.Errorf("retry %s: %w", messageID, err)
	}

	up := state.UpsertMessage{Message: out}
	if messageID.IsTemp() {
		e.mu.Lock()
		e.confirmLocked(messageID, out.ID, time.Now())
		e.mu.Unlock()
		e.outbox.Remove(messageID)
		up.ReplacesTemp = messageID
	}
	e.state.Apply(up)
	if cur, ok := e.state.Message(out.ID); ok {
		out = cur
	}
	return out, nil
}

// OpenConversation makes a conversation active: it subscribes to its
// topics, loads the first history page, asks for a status refresh and marks
// it read.
func (e *Engine) OpenConversation(ctx context.Context, conversationID model.ID) error {
	e.state.SetActive(conversationID)
	if err := e.topo.SubscribeToConversation(conversationID); err != nil {
		e.logger.Warn("subscribe failed", zap.String("conversation", conversationID.String()), zap.Error(err))
	}
	if _, err := e.LoadHistory(ctx, conversationID, 0); err != nil {
		return err
	}
	if e.conn.IsConnected() {
		body, err := wire.Encode(wire.StatusRefresh{ConversationID: wire.ID(conversationID)})
		if err == nil {
			err = e.conn.Publish(wire.DestStatusRefresh, body)
		}
		if err != nil {
			e.logger.Debug("status refresh dropped", zap.Error(err))
		}
	}
	return e.MarkAsRead(ctx, conversationID)
}

// CloseConversation unsubscribes from a conversation's topics.
func (e *Engine) CloseConversation(conversationID model.ID) {
	e.topo.UnsubscribeFromConversation(conversationID)
	if e.state.Active() == conversationID {
		e.state.SetActive("")
	}
}

// LoadHistory fetches one history page and merges it into state.
func (e *Engine) LoadHistory(ctx context.Context, conversationID model.ID, page int) ([]model.Message, error) {
	msgs, err := e.rest.GetMessages(ctx, conversationID, page, e.opts.HistoryPageSize)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", conversationID, err)
	}
	e.state.Apply(state.MergeHistory{ConversationID: conversationID, Messages: msgs})
	return msgs, nil
}

// LoadConversations seeds state with the user's conversations and refreshes
// the local cache.
func (e *Engine) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	convs, err := e.rest.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	e.state.Apply(state.SetConversations{Conversations: convs})
	if e.cache != nil {
		if err := e.cache.SaveConversations(convs); err != nil {
			e.logger.Warn("failed to cache conversations", zap.Error(err))
		}
	}
	return e.state.Conversations(), nil
}

// CreateOneToOne opens a direct conversation with a user.
func (e *Engine) CreateOneToOne(ctx context.Context, participantID model.ID) (model.Conversation, error) {
	conv, err := e.rest.CreateOneToOne(ctx, participantID)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	e.state.Apply(state.UpsertConversation{Conversation: conv})
	return conv, nil
}

// CreateGroup creates a group conversation.
func (e *Engine) CreateGroup(ctx context.Context, name, description string, participantIDs []model.ID) (model.Conversation, error) {
	conv, err := e.rest.CreateGroup(ctx, name, description, participantIDs)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("create group: %w", err)
	}
	e.state.Apply(state.UpsertConversation{Conversation: conv})
	return conv, nil
}

// Outstanding returns the number of sends awaiting a server echo.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sends)
}

// Logout drops all local state: messages, conversations, queued sends,
// subscriptions and the sync checkpoint.
func (e *Engine) Logout() {
	e.mu.Lock()
	e.stopTimersLocked()
	clear(e.sends)
	clear(e.confirmed)
	e.self, e.selfName = "", ""
	e.mu.Unlock()

	e.state.Reset()
	if err := e.outbox.Clear(); err != nil {
		e.logger.Error("failed to clear pending sends", zap.Error(err))
	}
	e.topo.Reset()
	e.recon.Reset()
}

// Stop cancels every send timeout.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopTimersLocked()
}

func (e *Engine) stopTimersLocked() {
	for _, s := range e.sends {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
}
