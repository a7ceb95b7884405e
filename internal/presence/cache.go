// Package presence caches other users' online status and last-seen times.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Source is the REST side of presence.
type Source interface {
	GetUser(ctx context.Context, id model.ID) (wire.User, error)
	ListUsers(ctx context.Context) ([]wire.User, error)
	UpdateStatus(ctx context.Context, p model.Presence) error
}

// Publisher sends a frame body to a destination.
type Publisher interface {
	Publish(destination string, body []byte) error
}

// Options tunes cache lifetimes and refresh policy. Zero values take the
// defaults noted on each field.
type Options struct {
	StatusTTL       time.Duration // 5m
	LastSeenTTL     time.Duration // 10m
	RefreshInterval time.Duration // 30s
	MaxFailedCycles int           // 5
	Retries         uint          // 2
	RetryDelay      time.Duration // 500ms
	Debounce        time.Duration // 100ms
	RequestTimeout  time.Duration // 10s
	Metrics         *metrics.Metrics
}

func (o *Options) defaults() {
	if o.StatusTTL <= 0 {
		o.StatusTTL = 5 * time.Minute
	}
	if o.LastSeenTTL <= 0 {
		o.LastSeenTTL = 10 * time.Minute
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Second
	}
	if o.MaxFailedCycles <= 0 {
		o.MaxFailedCycles = 5
	}
	if o.Retries == 0 {
		o.Retries = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.Debounce <= 0 {
		o.Debounce = 100 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
}

type entry struct {
	status   model.Presence
	statusAt time.Time
	lastSeen *time.Time
	seenAt   time.Time
}

// Update is the payload of bus.KindPresence: every user whose entry changed
// since the previous emission.
type Update struct {
	Users map[model.ID]model.Presence
}

// Cache is the status cache. Reads never block on the network.
type Cache struct {
	src    Source
	pub    Publisher
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entries  map[model.ID]*entry
	active   map[model.ID]struct{}
	inflight map[model.ID]struct{}
	failures int
	paused   bool
	own      model.Presence
	dirty    map[model.ID]model.Presence
	debounce *time.Timer
}

// New creates a cache. Start launches background refresh.
func New(src Source, pub Publisher, b *bus.Bus, logger *zap.Logger, opts Options) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		src:      src,
		pub:      pub,
		bus:      b,
		logger:   logger.Named("presence"),
		opts:     opts,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[model.ID]*entry),
		active:   make(map[model.ID]struct{}),
		inflight: make(map[model.ID]struct{}),
		dirty:    make(map[model.ID]model.Presence),
		own:      model.PresenceOnline,
	}
}

// GetStatus returns the cached status. A missing or expired entry returns
// the stale value, or OFFLINE, and triggers an asynchronous refresh.
func (c *Cache) GetStatus(id model.ID) model.Presence {
	c.mu.Lock()
	e, ok := c.entries[id]
	fresh := ok && c.now().Sub(e.statusAt) < c.opts.StatusTTL
	st := model.PresenceOffline
	if ok {
		st = e.status
	}
	c.mu.Unlock()

	if !fresh {
		c.refreshAsync(id)
	}
	return st
}

// GetLastSeen returns the cached last-seen time, refreshing it
// asynchronously when expired.
func (c *Cache) GetLastSeen(id model.ID) (time.Time, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	var seen *time.Time
	fresh := false
	if ok {
		seen = e.lastSeen
		fresh = c.now().Sub(e.seenAt) < c.opts.LastSeenTTL
	}
	c.mu.Unlock()

	if !fresh {
		c.refreshAsync(id)
	}
	if seen == nil {
		return time.Time{}, false
	}
	return *seen, true
}

// Snapshot returns every cached status.
func (c *Cache) Snapshot() map[model.ID]model.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.ID]model.Presence, len(c.entries))
	for id, e := range c.entries {
		out[id] = e.status
	}
	return out
}

// Track adds users to the active set refreshed in the background.
func (c *Cache) Track(ids ...model.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if !id.IsZero() {
			c.active[id] = struct{}{}
		}
	}
}

// Untrack removes a user from the active set.
func (c *Cache) Untrack(id model.ID) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// Paused reports whether background refresh gave up after repeated failures.
func (c *Cache) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Own returns the local user's last requested presence.
func (c *Cache) Own() model.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.own
}

// LoadAll fetches every user and marks them active. It also resumes a
// paused background refresh.
func (c *Cache) LoadAll(ctx context.Context) error {
	c.resume()
	users, err := c.src.ListUsers(ctx)
	if err != nil {
		c.opts.Metrics.IncPresenceFailure()
		return fmt.Errorf("load presence: %w", err)
	}
	c.mu.Lock()
	for i := range users {
		id := users[i].ID.Model()
		if id.IsZero() {
			continue
		}
		c.active[id] = struct{}{}
		c.storeLocked(id, users[i].Participant())
	}
	c.mu.Unlock()
	return nil
}

// Refresh fetches one user now, with retries. It also resumes a paused
// background refresh.
func (c *Cache) Refresh(ctx context.Context, id model.ID) error {
	c.resume()
	return c.fetch(ctx, id)
}

// HandlePresence applies a pushed status update.
func (c *Cache) HandlePresence(u wire.UserStatus) {
	id := u.UserID.Model()
	if id.IsZero() {
		return
	}
	c.mu.Lock()
	c.storeLocked(id, model.Participant{ID: id, Username: u.Username, Status: u.Presence(), LastSeen: u.LastActive.Ptr()})
	c.mu.Unlock()
}

// UpdateOwnStatus sets the local user's presence through REST and announces
// it on the socket when connected.
func (c *Cache) UpdateOwnStatus(ctx context.Context, p model.Presence) error {
	if !p.Valid() {
		return fmt.Errorf("presence: invalid status %q", p)
	}
	if err := c.src.UpdateStatus(ctx, p); err != nil {
		return fmt.Errorf("update own status: %w", err)
	}
	c.mu.Lock()
	c.own = p
	c.mu.Unlock()

	body, err := wire.Encode(wire.OwnStatus{Status: string(p)})
	if err != nil {
		return err
	}
	if err := c.pub.Publish(wire.DestUserStatus, body); err != nil && !errors.Is(err, connection.ErrNotConnected) {
		c.logger.Warn("publish own status", zap.Error(err))
	}
	return nil
}

// OnConnected reloads presence after every (re)connect.
func (c *Cache) OnConnected(ctx context.Context) {
	if err := c.LoadAll(ctx); err != nil {
		c.logger.Warn("presence reload failed", zap.Error(err))
	}
}

// Start launches the background refresh loop.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop ends background work and waits for it.
func (c *Cache) Stop() {
	c.cancel()
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Reset forgets every entry and the active set.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	clear(c.active)
	clear(c.dirty)
	c.failures = 0
	c.paused = false
	c.own = model.PresenceOnline
}

func (c *Cache) loop() {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.cycle(c.ctx)
		}
	}
}

// cycle refreshes every active user whose status expired. It returns false
// when the loop is paused.
func (c *Cache) cycle(ctx context.Context) bool {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	var due []model.ID
	for id := range c.active {
		if e, ok := c.entries[id]; !ok || now.Sub(e.statusAt) >= c.opts.StatusTTL {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	failed := false
	for _, id := range due {
		if err := c.fetch(ctx, id); err != nil {
			failed = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !failed {
		c.failures = 0
		return true
	}
	c.failures++
	if c.failures >= c.opts.MaxFailedCycles {
		c.paused = true
		c.logger.Warn("background presence refresh paused", zap.Int("failed_cycles", c.failures))
	}
	return true
}

func (c *Cache) resume() {
	c.mu.Lock()
	c.paused = false
	c.failures = 0
	c.mu.Unlock()
}

func (c *Cache) refreshAsync(id model.ID) {
	if id.IsZero() {
		return
	}
	c.mu.Lock()
	if _, busy := c.inflight[id]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[id] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, id)
			c.mu.Unlock()
		}()
		if err := c.fetch(c.ctx, id); err != nil {
			c.logger.Debug("presence refresh failed", zap.String("user", id.String()), zap.Error(err))
		}
	}()
}

func (c *Cache) fetch(ctx context.Context, id model.ID) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	user, err := backoff.Retry(ctx, func() (wire.User, error) {
		return c.src.GetUser(ctx, id)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.RetryDelay)),
		backoff.WithMaxTries(c.opts.Retries+1),
	)
	if err != nil {
		c.opts.Metrics.IncPresenceFailure()
		return fmt.Errorf("refresh presence %s: %w", id, err)
	}
	p := user.Participant()
	if p.ID.IsZero() {
		p.ID = id
	}
	c.mu.Lock()
	c.storeLocked(id, p)
	c.mu.Unlock()
	return nil
}

func (c *Cache) storeLocked(id model.ID, p model.Participant) {
	now := c.now()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	changed := !ok || e.status != p.Status
	e.status = p.Status
	e.statusAt = now
	if p.LastSeen != nil {
		e.lastSeen = p.LastSeen
		e.seenAt = now
	} else if p.Status == model.PresenceOnline {
		e.seenAt = now
	}
	if changed {
		c.markDirtyLocked(id, p.Status)
	}
}

func (c *Cache) markDirtyLocked(id model.ID, p model.Presence) {
	c.dirty[id] = p
	if c.debounce != nil || c.bus == nil {
		return
	}
	c.debounce = time.AfterFunc(c.opts.Debounce, c.emit)
}

func (c *Cache) emit() {
	c.mu.Lock()
	c.debounce = nil
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return
	}
	u := Update{Users: make(map[model.ID]model.Presence, len(c.dirty))}
	for id, p := range c.dirty {
		u.Users[id] = p
		delete(c.dirty, id)
	}
	c.mu.Unlock()
	c.bus.Emit(bus.KindPresence, u)
}
