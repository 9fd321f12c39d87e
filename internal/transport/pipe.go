package transport

import (
	"context"
	"io"
	"sync"
)

const pipeBuffer = 256

type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.done) })
}

type pipeEnd struct {
	in    chan []byte
	out   chan []byte
	state *pipeState
}

// Pipe returns two connected in-memory transports. Closing either end closes
// both; messages already queued can still be received.
func Pipe() (Transport, Transport) {
	state := &pipeState{done: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	return &pipeEnd{in: ba, out: ab, state: state}, &pipeEnd{in: ab, out: ba, state: state}
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), msg...)
	select {
	case p.out <- cp:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) Close() error {
	p.state.close()
	return nil
}

func (p *pipeEnd) Done() <-chan struct{} {
	return p.state.done
}

// PipeDialer dials in-memory pipes and hands the far end to accept, which
// must not block.
func PipeDialer(accept func(Transport)) Dialer {
	return DialerFunc(func(ctx context.Context, _ string) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, server := Pipe()
		accept(server)
		return client, nil
	})
}
