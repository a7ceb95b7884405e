package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/state"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/topology"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Authenticator receives the bearer token used for REST calls.
type Authenticator interface {
	SetToken(token string)
}

// Deps groups the components the control service drives.
type Deps struct {
	SessionName string
	Token       string
	UserID      model.ID
	Username    string

	Engine   *intsync.Engine
	Conn     *connection.Manager
	State    *state.Store
	Outbox   *outbox.Outbox
	Topology *topology.Topology
	Presence *presence.Cache
	Typing   *typing.Sender
	Tracker  *typing.Tracker
	Auth     Authenticator
	Bus      *bus.Bus
}

// Service implements the chatsync.v1.Control gRPC service.
type Service struct {
	d         Deps
	logger    *zap.Logger
	startedAt time.Time

	mu       sync.Mutex
	token    string
	userID   model.ID
	username string
}

// NewService creates the control service.
func NewService(d Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		d:         d,
		logger:    logger,
		startedAt: time.Now(),
		token:     d.Token,
		userID:    d.UserID,
		username:  d.Username,
	}
}

// Identity returns the configured token and user.
func (s *Service) Identity() (token string, userID model.ID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.userID, s.username
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	_, userID, username := s.Identity()
	subs := make([]any, 0)
	for _, id := range s.d.Topology.Conversations() {
		subs = append(subs, string(id))
	}
	return toStruct(map[string]any{
		"session":       s.d.SessionName,
		"state":         string(s.d.Conn.State()),
		"connected":     s.d.Conn.IsConnected(),
		"attempts":      s.d.Conn.Attempts(),
		"uptime_ms":     time.Since(s.startedAt).Milliseconds(),
		"pending":       s.d.Outbox.Len(),
		"outstanding":   s.d.Engine.Outstanding(),
		"conversations": len(s.d.State.Conversations()),
		"active":        string(s.d.State.Active()),
		"user_id":       string(userID),
		"username":      username,
		"presence":      string(s.d.Presence.Own()),
		"subscriptions": subs,
	})
}

// Connect authenticates and opens the realtime connection. The token and
// user id default to the configured ones.
func (s *Service) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	if t := str(req, "token"); t != "" {
		s.token = t
	}
	if id := str(req, "user_id"); id != "" {
		s.userID = model.ID(id)
	}
	if name := str(req, "username"); name != "" {
		s.username = name
	}
	token, userID, username := s.token, s.userID, s.username
	s.mu.Unlock()

	if token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}
	if s.d.Auth != nil {
		s.d.Auth.SetToken(token)
	}
	s.d.Engine.SetSelf(userID, username)
	s.d.Tracker.SetSelf(userID, username)
	if !userID.IsZero() {
		if err := s.d.Topology.SubscribeToUserQueues(userID); err != nil {
			s.logger.Warn("subscribe user queues", zap.Error(err))
		}
	}
	if err := s.d.Topology.SubscribeToPresence(); err != nil {
		s.logger.Warn("subscribe presence", zap.Error(err))
	}

	if err := s.d.Conn.Initialize(ctx, token); err != nil {
		if errors.Is(err, connection.ErrEmptyToken) {
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
		return nil, grpcstatus.Errorf(codes.Internal, "connect: %v", err)
	}

	convs, err := s.d.Engine.LoadConversations(ctx)
	if err != nil {
		s.logger.Warn("initial conversation load failed", zap.Error(err))
	}
	for _, c := range convs {
		for _, p := range c.Participants {
			if p.ID != userID {
				s.d.Presence.Track(p.ID)
			}
		}
	}
	return toStruct(map[string]any{
		"state":         string(s.d.Conn.State()),
		"conversations": len(convs),
	})
}

func (s *Service) Disconnect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.d.Conn.Disconnect()
	return toStruct(map[string]any{"state": string(s.d.Conn.State())})
}

func (s *Service) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	s.d.Typing.Stop(conv)
	tempID, err := s.d.Engine.Send(ctx, conv, str(req, "content"))
	if err != nil {
		return nil, engineError(err)
	}
	msg, _ := s.d.State.Message(tempID)
	return toStruct(map[string]any{
		"temp_id": string(tempID),
		"status":  msg.Status.String(),
	})
}

func (s *Service) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req, "message_id")
	if err != nil {
		return nil, err
	}
	msg, err := s.d.Engine.Retry(ctx, id)
	if err != nil {
		return nil, engineError(err)
	}
	return toStruct(map[string]any{"message": messageValue(msg)})
}

func (s *Service) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Engine.MarkAsRead(ctx, conv); err != nil {
		return nil, engineError(err)
	}
	return toStruct(map[string]any{"conversation_id": string(conv)})
}

func (s *Service) Open(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Engine.OpenConversation(ctx, conv); err != nil {
		return nil, engineError(err)
	}
	return toStruct(map[string]any{
		"conversation_id": string(conv),
		"messages":        messagesValue(s.d.State.Messages(conv)),
	})
}

func (s *Service) CloseConversation(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	s.d.Typing.Stop(conv)
	s.d.Tracker.Clear(conv)
	s.d.Engine.CloseConversation(conv)
	return toStruct(map[string]any{"conversation_id": string(conv)})
}

// Messages returns the local snapshot of a conversation. A page argument
// loads that history page from the backend first.
func (s *Service) Messages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if _, ok := req.GetFields()["page"]; ok {
		if _, err := s.d.Engine.LoadHistory(ctx, conv, number(req, "page")); err != nil {
			return nil, engineError(err)
		}
	}
	return toStruct(map[string]any{
		"conversation_id": string(conv),
		"messages":        messagesValue(s.d.State.Messages(conv)),
	})
}

func (s *Service) Conversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if boolean(req, "refresh") {
		if _, err := s.d.Engine.LoadConversations(ctx); err != nil {
			return nil, engineError(err)
		}
	}
	return toStruct(map[string]any{
		"conversations": conversationsValue(s.d.State.Conversations()),
	})
}

// CreateConversation creates a one-to-one chat from participant_id, or a
// group from name and participant_ids.
func (s *Service) CreateConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		conv model.Conversation
		err  error
	)
	if name := str(req, "name"); name != "" {
		members := ids(req, "participant_ids")
		if len(members) == 0 {
			return nil, grpcstatus.Error(codes.InvalidArgument, "participant_ids is required for a group")
		}
		conv, err = s.d.Engine.CreateGroup(ctx, name, str(req, "description"), members)
	} else {
		other, idErr := requireID(req, "participant_id")
		if idErr != nil {
			return nil, idErr
		}
		conv, err = s.d.Engine.CreateOneToOne(ctx, other)
	}
	if err != nil {
		return nil, engineError(err)
	}
	_, self, _ := s.Identity()
	for _, p := range conv.Participants {
		if p.ID != self {
			s.d.Presence.Track(p.ID)
		}
	}
	return toStruct(map[string]any{"conversation": conversationValue(conv)})
}

// Presence returns one user's status, or every cached status when no
// user_id is given.
func (s *Service) Presence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := model.ID(str(req, "user_id"))
	if id.IsZero() {
		return toStruct(map[string]any{"users": presenceValue(s.d.Presence.Snapshot())})
	}
	out := map[string]any{
		"user_id": string(id),
		"status":  string(s.d.Presence.GetStatus(id)),
	}
	if seen, ok := s.d.Presence.GetLastSeen(id); ok {
		out["last_seen"] = seen.UnixMilli()
	}
	return toStruct(out)
}

func (s *Service) SetPresence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p := model.Presence(str(req, "status"))
	if !p.Valid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid status %q", str(req, "status"))
	}
	if err := s.d.Presence.UpdateOwnStatus(ctx, p); err != nil {
		return nil, engineError(err)
	}
	return toStruct(map[string]any{"status": string(p)})
}

// Typing records a keystroke, or stops the indicator when stop is set.
func (s *Service) Typing(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireID(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if boolean(req, "stop") {
		s.d.Typing.Stop(conv)
	} else {
		s.d.Typing.Keystroke(conv)
	}
	return toStruct(map[string]any{
		"conversation_id": string(conv),
		"typing":          s.d.Typing.Typing(conv),
		"others":          stringsValue(s.d.Tracker.Users(conv)),
	})
}

// Logout drops every piece of session state and closes the connection.
func (s *Service) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.d.Typing.Reset()
	s.d.Tracker.Reset()
	s.d.Presence.Reset()
	s.d.Engine.Logout()
	s.d.Conn.Disconnect()
	if s.d.Auth != nil {
		s.d.Auth.SetToken("")
	}
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	s.logger.Info("logged out", zap.String("session", s.d.SessionName))
	return toStruct(map[string]any{"state": string(s.d.Conn.State())})
}

// Watch streams bus events whose kind starts with the requested namespace.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.d.Bus.Subscribe(str(req, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(eventValue(s.d.SessionName, evt))
			if err != nil {
				s.logger.Warn("drop event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func engineError(err error) error {
	var se *rest.StatusError
	switch {
	case errors.Is(err, intsync.ErrUnknownMessage):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, intsync.ErrNotRetryable):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, intsync.ErrEmptyContent):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, connection.ErrNotConnected):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.As(err, &se) && se.Code == 404:
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.As(err, &se) && (se.Code == 401 || se.Code == 403):
		return grpcstatus.Error(codes.PermissionDenied, err.Error())
	case errors.As(err, &se) && se.Temporary():
		return grpcstatus.Error(codes.Unavailable, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
