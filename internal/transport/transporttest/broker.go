// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/matheus3301/chatsync/internal/transport"
)

// ErrDropped is the error reported by connections cut with Drop.
var ErrDropped = errors.New("transporttest: connection dropped")

// Published is a frame sent by the client.
type Published struct {
	Destination string
	Body        []byte
}

// Broker is an in-memory transport.Dialer. Each Dial creates a new Conn;
// only the latest one receives Deliver calls.
type Broker struct {
	mu         sync.Mutex
	dialErr    error
	publishErr error
	dials      int
	tokens     []string
	conn       *Conn
	published  []Published
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Dial implements transport.Dialer.
func (b *Broker) Dial(ctx context.Context, token string) (transport.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	b.tokens = append(b.tokens, token)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{
		broker: b,
		subs:   make(map[string]sub),
		done:   make(chan struct{}),
	}
	b.conn = c
	return c, nil
}

// SetDialError makes subsequent dials fail with err (nil restores success).
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// SetPublishError makes subsequent publishes fail with err.
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Dials returns the number of Dial calls.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Tokens returns the tokens passed to Dial.
func (b *Broker) Tokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

// Published returns every body published to destination, across connections.
func (b *Broker) Published(destination string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, p := range b.published {
		if p.Destination == destination {
			out = append(out, p.Body)
		}
	}
	return out
}

// All returns every published frame in order.
func (b *Broker) All() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Reset forgets published frames.
func (b *Broker) Reset() {
	b.mu.Lock()
	b.published = nil
	b.mu.Unlock()
}

// Subscriptions returns the destinations subscribed on the current connection.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.subs {
		out = append(out, s.destination)
	}
	return out
}

// Deliver hands body to every handler subscribed to destination on the
// current connection, synchronously. It returns the number of handlers run.
func (b *Broker) Deliver(destination string, body []byte) int {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c == nil {
		return 0
	}
	c.mu.Lock()
	var hs []sub
	for id, s := range c.subs {
		if s.destination == destination {
			s.id = id
			hs = append(hs, s)
		}
	}
	c.mu.Unlock()
	for _, s := range hs {
		s.handler(transport.Message{Destination: destination, Subscription: s.id, Body: body})
	}
	return len(hs)
}

// Drop cuts the current connection as if the network failed.
func (b *Broker) Drop() {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c != nil {
		c.fail(ErrDropped)
	}
}

type sub struct {
	id          string
	destination string
	handler     transport.Handler
}

// Conn is an in-memory transport.Conn.
type Conn struct {
	broker *Broker

	mu   sync.Mutex
	subs map[string]sub
	next int
	err  error
	once sync.Once
	done chan struct{}
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Subscribe(destination string, h transport.Handler) (string, error) {
	if c.closed() {
		return "", transport.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := "sub-" + strconv.Itoa(c.next)
	c.subs[id] = sub{destination: destination, handler: h}
	return id, nil
}

func (c *Conn) Unsubscribe(id string) error {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	return nil
}

func (c *Conn) Publish(destination string, body []byte) error {
	if c.closed() {
		return transport.ErrClosed
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, Published{Destination: destination, Body: append([]byte(nil), body...)})
	return nil
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.fail(transport.ErrClosed)
	return nil
}
