package wire

import "github.com/matheus3301/chatsync/internal/model"

// Outbound application destinations.
const (
	DestSend          = "/app/chat.send"
	DestTyping        = "/app/chat.typing"
	DestRead          = "/app/chat.read"
	DestStatusRefresh = "/app/chat.status.refresh"
	DestSync          = "/app/chat.sync"
	DestUserStatus    = "/app/user.status"
)

// TopicPresence carries presence updates for every user.
const TopicPresence = "/topic/user.status"

// ConversationTopic is the message topic of a conversation.
func ConversationTopic(id model.ID) string {
	return "/topic/conversation." + string(id)
}

// ConversationStatusTopic carries delivery status updates of a conversation.
func ConversationStatusTopic(id model.ID) string {
	return ConversationTopic(id) + ".status"
}

// ConversationTypingTopic carries typing indicators of a conversation.
func ConversationTypingTopic(id model.ID) string {
	return ConversationTopic(id) + ".typing"
}

// SyncQueue is the per-user queue for sync handshake acknowledgements.
func SyncQueue(userID model.ID) string {
	return "/queue/user." + string(userID) + ".sync"
}

// MessagesQueue is the per-user queue for messages pushed after a sync.
func MessagesQueue(userID model.ID) string {
	return "/queue/user." + string(userID) + ".messages"
}
