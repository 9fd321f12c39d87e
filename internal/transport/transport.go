// Package transport adapts message-stream sockets to the wsmux session.
//
// Ownership boundary:
// - Transport and Dialer contracts
// - gorilla/websocket client and server adapters
// - in-memory pipes for tests and in-process composition
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport: closed")

// Transport carries whole messages. Receive returns io.EOF once the peer has
// closed cleanly and every queued message has been read.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive() ([]byte, error)
	Close() error
	// Done is closed when the transport can no longer carry messages.
	Done() <-chan struct{}
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

type DialerFunc func(ctx context.Context, url string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}
