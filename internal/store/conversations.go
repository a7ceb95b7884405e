package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// SaveConversations replaces the cached conversation list in one transaction.
func (db *DB) SaveConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	for _, c := range convs {
		preview := ""
		if c.LastMessage != nil {
			preview = c.LastMessage.Content
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, name, group_chat, unread_count, last_message, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(c.ID), c.Name, c.GroupChat, c.UnreadCount, preview, c.UpdatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert conversation %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListConversations returns the cached conversations, most recent first.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, name, group_chat, unread_count, last_message, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conversation
	for rows.Next() {
		var (
			c         model.Conversation
			id        string
			preview   string
			updatedMs int64
		)
		if err := rows.Scan(&id, &c.Name, &c.GroupChat, &c.UnreadCount, &preview, &updatedMs); err != nil {
			return nil, err
		}
		c.ID = model.ID(id)
		c.UpdatedAt = time.UnixMilli(updatedMs)
		if preview != "" {
			c.LastMessage = &model.Message{ConversationID: c.ID, Content: preview}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClearConversations empties the cache.
func (db *DB) ClearConversations() error {
	_, err := db.Exec(`DELETE FROM conversations`)
	return err
}
