package store

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Well-known sync_state keys.
const (
	KeyLastSync = "last_sync_timestamp"
	KeyClientID = "client_id"
)

// SetState upserts a sync_state value.
func (db *DB) SetState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetState returns a sync_state value and whether it exists.
func (db *DB) GetState(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// LastSync returns the sync checkpoint in epoch milliseconds, 0 if none.
func (db *DB) LastSync() (int64, error) {
	v, ok, err := db.GetState(KeyLastSync)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// AdvanceLastSync moves the checkpoint forward. Older values are ignored.
func (db *DB) AdvanceLastSync(ms int64) error {
	cur, err := db.LastSync()
	if err != nil {
		return err
	}
	if ms <= cur {
		return nil
	}
	return db.SetState(KeyLastSync, strconv.FormatInt(ms, 10))
}

// ClientID returns the persistent client id, creating one on first use.
func (db *DB) ClientID() (string, error) {
	v, ok, err := db.GetState(KeyClientID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	id := uuid.NewString()
	if err := db.SetState(KeyClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

// ResetSync forgets the checkpoint. The client id survives.
func (db *DB) ResetSync() error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE key = ?`, KeyLastSync)
	return err
}
