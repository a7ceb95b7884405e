package api

import (
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/state"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Values below are restricted to what structpb.NewValue accepts: maps are
// map[string]any and lists are []any.

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func messageValue(m model.Message) map[string]any {
	out := map[string]any{
		"id":              string(m.ID),
		"conversation_id": string(m.ConversationID),
		"sender_id":       string(m.SenderID),
		"sender_username": m.SenderUsername,
		"content":         m.Content,
		"sent_at":         millis(m.SentAt),
		"status":          m.Status.String(),
	}
	if m.DeliveredAt != nil {
		out["delivered_at"] = m.DeliveredAt.UnixMilli()
	}
	if m.ReadAt != nil {
		out["read_at"] = m.ReadAt.UnixMilli()
	}
	return out
}

func messagesValue(ms []model.Message) []any {
	out := make([]any, 0, len(ms))
	for _, m := range ms {
		out = append(out, messageValue(m))
	}
	return out
}

func conversationValue(c model.Conversation) map[string]any {
	parts := make([]any, 0, len(c.Participants))
	for _, p := range c.Participants {
		pv := map[string]any{
			"id":       string(p.ID),
			"username": p.Username,
			"status":   string(p.Status),
		}
		if p.LastSeen != nil {
			pv["last_seen"] = p.LastSeen.UnixMilli()
		}
		parts = append(parts, pv)
	}
	out := map[string]any{
		"id":           string(c.ID),
		"name":         c.Name,
		"group":        c.GroupChat,
		"unread_count": c.UnreadCount,
		"updated_at":   millis(c.UpdatedAt),
		"participants": parts,
	}
	if c.LastMessage != nil {
		out["last_message"] = messageValue(*c.LastMessage)
	}
	return out
}

func conversationsValue(cs []model.Conversation) []any {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		out = append(out, conversationValue(c))
	}
	return out
}

func presenceValue(m map[model.ID]model.Presence) map[string]any {
	out := make(map[string]any, len(m))
	for id, p := range m {
		out[string(id)] = string(p)
	}
	return out
}

func stringsValue(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// payloadValue converts a bus payload to a struct-compatible value.
func payloadValue(p any) any {
	switch v := p.(type) {
	case connection.StateChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case state.MessagesUpdate:
		convs := make(map[string]any, len(v.Conversations))
		for id, ms := range v.Conversations {
			convs[string(id)] = messagesValue(ms)
		}
		return map[string]any{"conversations": convs}
	case state.ConversationsUpdate:
		return map[string]any{"conversations": conversationsValue(v.Conversations)}
	case intsync.SendFailed:
		return map[string]any{
			"temp_id":         string(v.TempID),
			"conversation_id": string(v.ConversationID),
			"reason":          v.Reason,
		}
	case intsync.SyncResult:
		return map[string]any{"count": v.Count, "at": millis(v.At), "error": v.Err}
	case presence.Update:
		return map[string]any{"users": presenceValue(v.Users)}
	case typing.Indicator:
		users := slices.Clone(v.Users)
		return map[string]any{"conversation_id": string(v.ConversationID), "users": stringsValue(users)}
	case nil:
		return nil
	default:
		return fmt.Sprint(v)
	}
}

func eventValue(sessionName string, evt bus.Event) map[string]any {
	return map[string]any{
		"event_id":            evt.ID,
		"session":             sessionName,
		"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
		"kind":                evt.Kind,
		"payload_version":     1,
		"payload":             payloadValue(evt.Payload),
	}
}

// toStruct builds a response, mapping conversion failures to Internal.
func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func str(req *structpb.Struct, key string) string {
	if v, ok := req.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func boolean(req *structpb.Struct, key string) bool {
	if v, ok := req.GetFields()[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

func number(req *structpb.Struct, key string) int {
	if v, ok := req.GetFields()[key]; ok {
		return int(v.GetNumberValue())
	}
	return 0
}

func ids(req *structpb.Struct, key string) []model.ID {
	v, ok := req.GetFields()[key]
	if !ok {
		return nil
	}
	var out []model.ID
	for _, item := range v.GetListValue().GetValues() {
		if s := item.GetStringValue(); s != "" {
			out = append(out, model.ID(s))
		}
	}
	return out
}

func requireID(req *structpb.Struct, key string) (model.ID, error) {
	id := model.ID(str(req, key))
	if id.IsZero() {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return id, nil
}
