package store

import (
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// InsertPending stores a pending send. Re-inserting the same temp id keeps
// the original row.
func (db *DB) InsertPending(p model.PendingSend) error {
	_, err := db.Exec(`
		INSERT INTO pending_sends (temp_id, conversation_id, content, attempts, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(temp_id) DO NOTHING`,
		string(p.TempID), string(p.ConversationID), p.Content, p.Attempts, p.CreatedAt.UnixMilli())
	return err
}

// SetPendingAttempts records the attempt counter of a pending send.
func (db *DB) SetPendingAttempts(tempID model.ID, attempts uint) error {
	_, err := db.Exec(`UPDATE pending_sends SET attempts = ? WHERE temp_id = ?`, attempts, string(tempID))
	return err
}

// DeletePending removes a pending send. Deleting a missing id is not an error.
func (db *DB) DeletePending(tempID model.ID) error {
	_, err := db.Exec(`DELETE FROM pending_sends WHERE temp_id = ?`, string(tempID))
	return err
}

// ClearPending removes every pending send.
func (db *DB) ClearPending() error {
	_, err := db.Exec(`DELETE FROM pending_sends`)
	return err
}

// ListPending returns pending sends oldest first.
func (db *DB) ListPending() ([]model.PendingSend, error) {
	rows, err := db.Query(`
		SELECT temp_id, conversation_id, content, attempts, created_at
		FROM pending_sends ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.PendingSend
	for rows.Next() {
		var (
			p         model.PendingSend
			tempID    string
			convID    string
			createdMs int64
		)
		if err := rows.Scan(&tempID, &convID, &p.Content, &p.Attempts, &createdMs); err != nil {
			return nil, err
		}
		p.TempID = model.ID(tempID)
		p.ConversationID = model.ID(convID)
		p.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, p)
	}
	return out, rows.Err()
}
