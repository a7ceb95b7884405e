package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler manages the sync checkpoint and the client id sent with every
// sync request. A nil database keeps everything in memory.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger

	mu       sync.Mutex
	lastSync int64
	clientID string
}

// NewReconciler creates a reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// Checkpoint returns the last acknowledged sync time in epoch milliseconds.
func (r *Reconciler) Checkpoint() int64 {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastSync
	}
	ms, err := r.db.LastSync()
	if err != nil {
		r.logger.Error("failed to read sync checkpoint", zap.Error(err))
		return 0
	}
	return ms
}

// Advance moves the checkpoint forward to at.
func (r *Reconciler) Advance(at time.Time) {
	ms := at.UnixMilli()
	if r.db == nil {
		r.mu.Lock()
		r.lastSync = max(r.lastSync, ms)
		r.mu.Unlock()
		return
	}
	if err := r.db.AdvanceLastSync(ms); err != nil {
		r.logger.Error("failed to advance sync checkpoint", zap.Error(err))
	}
}

// ClientID returns the stable id of this client installation.
func (r *Reconciler) ClientID() string {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.clientID == "" {
			r.clientID = uuid.NewString()
		}
		return r.clientID
	}
	id, err := r.db.ClientID()
	if err != nil {
		r.logger.Error("failed to read client id", zap.Error(err))
	}
	return id
}

// Reset forgets the checkpoint and the cached conversation list.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.lastSync = 0
	r.mu.Unlock()
	if r.db == nil {
		return
	}
	if err := r.db.ResetSync(); err != nil {
		r.logger.Error("failed to reset sync checkpoint", zap.Error(err))
	}
	if err := r.db.ClearConversations(); err != nil {
		r.logger.Error("failed to clear conversation cache", zap.Error(err))
	}
}
