package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20

	// A peer is considered gone after missing this many heart-beats.
	heartbeatTolerance = 3
)

// Options configures the STOMP dialer.
type Options struct {
	URL              string
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// StompDialer dials STOMP 1.2 sessions over a WebSocket.
type StompDialer struct {
	opts Options
}

// NewStompDialer creates a dialer for opts.URL.
func NewStompDialer(opts Options) *StompDialer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &StompDialer{opts: opts}
}

// Dial opens the WebSocket and completes the CONNECT handshake. The token is
// sent both as the "token" query parameter and as the Authorization header of
// the CONNECT frame.
func (d *StompDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: d.opts.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Subprotocols:     []string{"v12.stomp"},
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &stompConn{
		ws:     ws,
		logger: d.opts.Logger,
		subs:   make(map[string]Handler),
		done:   make(chan struct{}),
	}
	if err := c.handshake(ctx, u.Hostname(), token, d.opts.Heartbeat, d.opts.HandshakeTimeout); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readLoop()
	if c.sendEvery > 0 {
		go c.heartbeatLoop()
	}
	return c, nil
}

type stompConn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]Handler
	nextID int

	sendEvery   time.Duration
	expectEvery time.Duration

	once sync.Once
	done chan struct{}
	err  error
}

func (c *stompConn) handshake(ctx context.Context, host, token string, hb, timeout time.Duration) error {
	ms := strconv.FormatInt(hb.Milliseconds(), 10)
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, ms+","+ms,
		"Authorization", "Bearer "+token,
	)
	if err := c.writeFrame(connect); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		f, err := c.readFrame()
		if err != nil {
			return fmt.Errorf("read CONNECTED: %w", err)
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			sx, sy, err := frame.ParseHeartBeat(f.Header.Get(frame.HeartBeat))
			if err != nil {
				sx, sy = 0, 0
			}
			if hb > 0 && sy > 0 {
				c.sendEvery = max(hb, sy)
			}
			if hb > 0 && sx > 0 {
				c.expectEvery = max(hb, sx)
			}
			return nil
		case frame.ERROR:
			return &ServerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
		default:
			return fmt.Errorf("unexpected %s frame during handshake", f.Command)
		}
	}
}

// readFrame reads one WebSocket message holding one frame. A nil frame is a
// heart-beat.
func (c *stompConn) readFrame() (*frame.Frame, error) {
	_, r, err := c.ws.NextReader()
	if err != nil {
		return nil, err
	}
	return frame.NewReader(r).Read()
}

func (c *stompConn) writeFrame(f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (c *stompConn) readLoop() {
	for {
		if c.expectEvery > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(heartbeatTolerance * c.expectEvery))
		}
		f, err := c.readFrame()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.MESSAGE:
			id := f.Header.Get(frame.Subscription)
			c.mu.Lock()
			h := c.subs[id]
			c.mu.Unlock()
			if h == nil {
				c.logger.Debug("message for unknown subscription", zap.String("subscription", id))
				continue
			}
			h(Message{
				Destination:  f.Header.Get(frame.Destination),
				Subscription: id,
				Body:         f.Body,
			})
		case frame.ERROR:
			c.fail(&ServerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)})
			return
		case frame.RECEIPT:
		default:
			c.logger.Debug("ignoring frame", zap.String("command", f.Command))
		}
	}
}

func (c *stompConn) heartbeatLoop() {
	ticker := time.NewTicker(c.sendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeFrame(nil); err != nil {
				c.fail(fmt.Errorf("heart-beat: %w", err))
				return
			}
		}
	}
}

func (c *stompConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *stompConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *stompConn) Subscribe(destination string, h Handler) (string, error) {
	if c.closed() {
		return "", ErrClosed
	}
	c.mu.Lock()
	c.nextID++
	id := "sub-" + strconv.Itoa(c.nextID)
	c.subs[id] = h
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
	if err := c.writeFrame(f); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return id, nil
}

func (c *stompConn) Unsubscribe(id string) error {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if c.closed() {
		return ErrClosed
	}
	if err := c.writeFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, id)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	return nil
}

func (c *stompConn) Publish(destination string, body []byte) error {
	if c.closed() {
		return ErrClosed
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	if err := c.writeFrame(f); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

func (c *stompConn) Done() <-chan struct{} {
	return c.done
}

func (c *stompConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends DISCONNECT and closes the socket.
func (c *stompConn) Close() error {
	if c.closed() {
		return nil
	}
	_ = c.writeFrame(frame.New(frame.DISCONNECT))
	c.fail(ErrClosed)
	return nil
}
