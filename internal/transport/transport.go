// Package transport provides the duplex STOMP connection to the chat backend.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a connection that has been closed.
var ErrClosed = errors.New("transport: connection closed")

// Message is an inbound MESSAGE frame.
type Message struct {
	Destination  string
	Subscription string
	Body         []byte
}

// Handler receives messages for one subscription. Handlers run on the
// connection's read goroutine, one at a time, in server order.
type Handler func(Message)

// Conn is an established STOMP session.
type Conn interface {
	// Subscribe registers h for destination and returns the subscription id.
	Subscribe(destination string, h Handler) (string, error)
	Unsubscribe(id string) error
	Publish(destination string, body []byte) error
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Dialer opens connections authenticated with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) {
	return f(ctx, token)
}

// ServerError is an ERROR frame sent by the broker.
type ServerError struct {
	Message string
	Body    string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp error: %s: %s", e.Message, e.Body)
	}
	return "stomp error: " + e.Message
}
