// Package connection owns the single duplex transport to the chat backend
// and keeps it alive across network failures.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrEmptyToken is returned by Initialize without credentials.
	ErrEmptyToken = errors.New("connection: empty token")
)

// Hook runs after every successful connect, in registration order.
type Hook func(ctx context.Context)

// Options tunes the manager.
type Options struct {
	DialTimeout time.Duration
	// Backoff defaults to NewBackoff().
	Backoff *Backoff
	Metrics *metrics.Metrics
}

// Manager owns the transport connection and its state machine.
type Manager struct {
	dialer  transport.Dialer
	machine *Machine
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	backoff *Backoff
	token   string
	conn    transport.Conn
	gen     uint64
	timer   *time.Timer
	stopped bool // Disconnect was called
	hooks   []Hook
}

// NewManager creates a manager in the Disconnected state.
func NewManager(d transport.Dialer, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:  d,
		machine: NewMachine(b),
		logger:  logger.Named("connection"),
		metrics: opts.Metrics,
		timeout: opts.DialTimeout,
		ctx:     ctx,
		cancel:  cancel,
		backoff: opts.Backoff,
	}
}

// OnConnected registers h to run after every successful connect.
func (m *Manager) OnConnected(h Hook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// IsConnected reports whether the transport is up.
func (m *Manager) IsConnected() bool {
	return m.machine.Current() == Connected
}

// Attempts returns the number of reconnects scheduled since the last
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Attempts()
}

// Initialize connects with token. The first attempt runs synchronously; its
// failure is reported through the state stream and recovered by the
// reconnect loop, not returned. A call while reconnecting restarts the
// schedule, including after the attempt cap was reached.
func (m *Manager) Initialize(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	switch m.machine.Current() {
	case Connected, Connecting:
		return nil
	}

	m.mu.Lock()
	m.token = token
	m.stopped = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.backoff.Reset()
	m.mu.Unlock()

	m.connect(ctx)
	return nil
}

func (m *Manager) connect(ctx context.Context) {
	if err := m.transition(Connecting); err != nil {
		m.logger.Debug("connect skipped", zap.Error(err))
		return
	}

	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	conn, err := m.dialer.Dial(dctx, token)
	cancel()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("connect failed", zap.Error(err))
		if terr := m.transition(Reconnecting); terr == nil {
			m.scheduleRetry()
		}
		return
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.backoff.Reset()
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	if err := m.transition(Connected); err != nil {
		m.logger.Warn("connected transition rejected", zap.Error(err))
		_ = conn.Close()
		return
	}
	m.logger.Info("connected")
	go m.watch(conn, gen)

	for _, h := range hooks {
		h(m.ctx)
	}
}

// watch waits for conn to drop and starts recovery.
func (m *Manager) watch(conn transport.Conn, gen uint64) {
	select {
	case <-conn.Done():
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()

	m.logger.Warn("connection lost", zap.Error(conn.Err()))
	m.handleLoss()
}

// handleLoss moves to Reconnecting and schedules a retry. A loss reported
// while already reconnecting is ignored.
func (m *Manager) handleLoss() {
	if m.machine.Current() == Reconnecting {
		return
	}
	if err := m.transition(Reconnecting); err != nil {
		return
	}
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	d := m.backoff.NextBackOff()
	if d == backoff.Stop {
		m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", m.backoff.Attempts()))
		return
	}
	m.metrics.IncReconnect()
	m.logger.Info("reconnect scheduled", zap.Int("attempt", m.backoff.Attempts()), zap.Duration("delay", d))
	m.timer = time.AfterFunc(d, func() {
		m.connect(m.ctx)
	})
}

func (m *Manager) transition(to State) error {
	if err := m.machine.Transition(to); err != nil {
		return err
	}
	m.metrics.SetConnectionState(string(to))
	return nil
}

// Disconnect closes the transport and stops reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if m.machine.Current() != Disconnected {
		_ = m.transition(Disconnected)
		m.logger.Info("disconnected")
	}
}

// Close disconnects and releases the manager. It cannot be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

func (m *Manager) current() (transport.Conn, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.machine.Current() != Connected {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Publish sends body to destination.
func (m *Manager) Publish(destination string, body []byte) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.Publish(destination, body)
}

// Subscribe registers h for destination on the current connection.
func (m *Manager) Subscribe(destination string, h transport.Handler) (string, error) {
	conn, err := m.current()
	if err != nil {
		return "", err
	}
	return conn.Subscribe(destination, h)
}

// Unsubscribe cancels a subscription on the current connection.
func (m *Manager) Unsubscribe(id string) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.Unsubscribe(id)
}
