// Package outbox holds messages that could not be published yet and replays
// them when the connection comes back.
package outbox

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultMaxAttempts is the replay count at which an entry is abandoned.
const DefaultMaxAttempts = 3

// Outbox is the ordered set of pending sends, mirrored to SQLite when a
// database is configured.
type Outbox struct {
	db          *store.DB
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxAttempts uint

	mu      sync.Mutex
	entries []model.PendingSend
}

// New creates an outbox. db may be nil for a memory-only outbox.
func New(db *store.DB, logger *zap.Logger, m *metrics.Metrics, maxAttempts uint) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Outbox{
		db:          db,
		logger:      logger.Named("outbox"),
		metrics:     m,
		maxAttempts: maxAttempts,
	}
}

// Load replaces the in-memory entries with the persisted ones.
func (o *Outbox) Load() error {
	if o.db == nil {
		return nil
	}
	entries, err := o.db.ListPending()
	if err != nil {
		return fmt.Errorf("load pending sends: %w", err)
	}
	o.mu.Lock()
	o.entries = entries
	o.mu.Unlock()
	o.metrics.SetPending(len(entries))
	return nil
}

// Add queues p. Adding a temp id twice is a no-op.
func (o *Outbox) Add(p model.PendingSend) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.indexLocked(p.TempID) >= 0 {
		return nil
	}
	if o.db != nil {
		if err := o.db.InsertPending(p); err != nil {
			return fmt.Errorf("persist pending send: %w", err)
		}
	}
	i, _ := slices.BinarySearchFunc(o.entries, p, func(a, b model.PendingSend) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	// Equal timestamps keep insertion order.
	for i < len(o.entries) && o.entries[i].CreatedAt.Equal(p.CreatedAt) {
		i++
	}
	o.entries = slices.Insert(o.entries, i, p)
	o.metrics.SetPending(len(o.entries))
	return nil
}

// Remove drops the entry for tempID and reports whether it existed.
func (o *Outbox) Remove(tempID model.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removeLocked(tempID)
}

func (o *Outbox) removeLocked(tempID model.ID) bool {
	i := o.indexLocked(tempID)
	if i < 0 {
		return false
	}
	o.entries = slices.Delete(o.entries, i, i+1)
	if o.db != nil {
		if err := o.db.DeletePending(tempID); err != nil {
			o.logger.Error("failed to delete pending send", zap.String("temp_id", string(tempID)), zap.Error(err))
		}
	}
	o.metrics.SetPending(len(o.entries))
	return true
}

// Get returns the entry for tempID.
func (o *Outbox) Get(tempID model.ID) (model.PendingSend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.indexLocked(tempID); i >= 0 {
		return o.entries[i], true
	}
	return model.PendingSend{}, false
}

// List returns the entries oldest first.
func (o *Outbox) List() []model.PendingSend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.entries)
}

// Len returns the number of entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Clear drops every entry.
func (o *Outbox) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = nil
	o.metrics.SetPending(0)
	if o.db != nil {
		return o.db.ClearPending()
	}
	return nil
}

func (o *Outbox) indexLocked(tempID model.ID) int {
	return slices.IndexFunc(o.entries, func(p model.PendingSend) bool { return p.TempID == tempID })
}

// ReplayResult reports what a replay did.
type ReplayResult struct {
	Published []model.PendingSend
	Abandoned []model.PendingSend
	// Err is the publish error that interrupted the replay, if any.
	Err error
}

// Replay republishes every entry oldest first. Each republish increments the
// entry's attempt counter; an entry whose counter reaches the maximum is
// abandoned and removed without being published. Published entries stay
// queued until confirmed. A publish error stops the replay and leaves the
// remaining entries untouched.
func (o *Outbox) Replay(publish func(model.PendingSend) error) ReplayResult {
	var res ReplayResult
	for _, p := range o.List() {
		p.Attempts++
		if p.Attempts >= o.maxAttempts {
			o.Remove(p.TempID)
			res.Abandoned = append(res.Abandoned, p)
			o.logger.Warn("abandoning pending send", zap.String("temp_id", string(p.TempID)), zap.Uint("attempts", p.Attempts))
			continue
		}
		if err := publish(p); err != nil {
			res.Err = err
			return res
		}
		o.setAttempts(p.TempID, p.Attempts)
		res.Published = append(res.Published, p)
	}
	return res
}

func (o *Outbox) setAttempts(tempID model.ID, attempts uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.indexLocked(tempID)
	if i < 0 {
		return
	}
	o.entries[i].Attempts = attempts
	if o.db != nil {
		if err := o.db.SetPendingAttempts(tempID, attempts); err != nil {
			o.logger.Error("failed to persist attempts", zap.String("temp_id", string(tempID)), zap.Error(err))
		}
	}
}
