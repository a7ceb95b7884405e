package rest

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/wire"
)

// ListConversations fetches the user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []wire.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	convs := make([]model.Conversation, 0, len(out))
	for i := range out {
		convs = append(convs, out[i].ToModel())
	}
	return convs, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id model.ID) (model.Conversation, error) {
	var out wire.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(string(id)), nil, nil, &out); err != nil {
		return model.Conversation{}, err
	}
	return out.ToModel(), nil
}

// CreateOneToOne opens (or returns the existing) direct conversation.
func (c *Client) CreateOneToOne(ctx context.Context, participantID model.ID) (model.Conversation, error) {
	var out wire.Conversation
	in := wire.CreateOneToOne{ParticipantID: wire.ID(participantID)}
	if err := c.do(ctx, http.MethodPost, "/conversations/one-to-one", nil, in, &out); err != nil {
		return model.Conversation{}, err
	}
	return out.ToModel(), nil
}

// CreateGroup creates a group conversation.
func (c *Client) CreateGroup(ctx context.Context, name, description string, participantIDs []model.ID) (model.Conversation, error) {
	in := wire.CreateGroup{Name: name, Description: description}
	for _, id := range participantIDs {
		in.ParticipantIDs = append(in.ParticipantIDs, wire.ID(id))
	}
	var out wire.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/group", nil, in, &out); err != nil {
		return model.Conversation{}, err
	}
	return out.ToModel(), nil
}

// messageList accepts both a bare array and a page envelope.
type messageList []wire.Message

func (l *messageList) UnmarshalJSON(b []byte) error {
	if t := bytes.TrimSpace(b); len(t) > 0 && t[0] == '[' {
		var arr []wire.Message
		if err := wire.Decode(t, &arr); err != nil {
			return err
		}
		*l = arr
		return nil
	}
	var page wire.Page[wire.Message]
	if err := wire.Decode(b, &page); err != nil {
		return err
	}
	*l = page.Content
	return nil
}

// GetMessages fetches one page of history, ascending by sent time.
// Malformed entries are skipped.
func (c *Client) GetMessages(ctx context.Context, conversationID model.ID, page, size int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out messageList
	if err := c.do(ctx, http.MethodGet, "/messages/conversation/"+url.PathEscape(string(conversationID)), q, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(out))
	for i := range out {
		if out[i].ConversationID == "" {
			out[i].ConversationID = wire.ID(conversationID)
		}
		m, err := out[i].ToModel()
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SendMessage posts a message through REST.
func (c *Client) SendMessage(ctx context.Context, conversationID model.ID, content string) (model.Message, error) {
	in := wire.OutgoingMessage{ConversationID: wire.ID(conversationID), Content: content}
	var out wire.Message
	if err := c.do(ctx, http.MethodPost, "/messages/conversation/"+url.PathEscape(string(conversationID)), nil, in, &out); err != nil {
		return model.Message{}, err
	}
	if out.ConversationID == "" {
		out.ConversationID = wire.ID(conversationID)
	}
	return out.ToModel()
}

// MarkRead marks every message of a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID model.ID) error {
	return c.do(ctx, http.MethodPut, "/messages/conversation/"+url.PathEscape(string(conversationID))+"/read", nil, nil, nil)
}

// RetryMessage asks the server to redeliver a stored message.
func (c *Client) RetryMessage(ctx context.Context, messageID model.ID) (model.Message, error) {
	var out wire.Message
	if err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(string(messageID))+"/retry", nil, nil, &out); err != nil {
		return model.Message{}, err
	}
	return out.ToModel()
}

// ListUsers fetches every other user with their presence.
func (c *Client) ListUsers(ctx context.Context) ([]wire.User, error) {
	var out []wire.User
	if err := c.do(ctx, http.MethodGet, "/users", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUser fetches one user.
func (c *Client) GetUser(ctx context.Context, id model.ID) (wire.User, error) {
	var out wire.User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(string(id)), nil, nil, &out); err != nil {
		return wire.User{}, err
	}
	return out, nil
}

// UpdateStatus sets the local user's presence.
func (c *Client) UpdateStatus(ctx context.Context, p model.Presence) error {
	return c.do(ctx, http.MethodPut, "/users/status", nil, wire.OwnStatus{Status: string(p)}, nil)
}
