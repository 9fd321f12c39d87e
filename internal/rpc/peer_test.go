package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/transport"
)

const waitTimeout = 2 * time.Second

// fakePeer plays the server end of a pipe, one decoded message at a time.
type fakePeer struct {
	tr    transport.Transport
	codec protocol.Codec
	in    chan protocol.Message
}

func newSessionPair(t *testing.T, codec protocol.Codec) (*Session, *fakePeer) {
	t.Helper()
	client, server := transport.Pipe()
	p := &fakePeer{tr: server, codec: codec, in: make(chan protocol.Message, 64)}
	go p.read()
	s := NewSession(client, Options{Codec: codec, Name: t.Name()})
	t.Cleanup(func() {
		_ = s.Close()
		_ = server.Close()
	})
	return s, p
}

func (p *fakePeer) read() {
	defer close(p.in)
	for {
		b, err := p.tr.Receive()
		if err != nil {
			return
		}
		m, err := p.codec.Decode(b)
		if err != nil {
			continue
		}
		p.in <- m
	}
}

func (p *fakePeer) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-p.in:
		if !ok {
			t.Fatalf("peer transport closed")
		}
		return m
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for client message")
	}
	return protocol.Message{}
}

func (p *fakePeer) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m, ok := <-p.in:
		if ok {
			t.Fatalf("unexpected client message: %+v", m)
		}
	case <-time.After(d):
	}
}

func (p *fakePeer) send(t *testing.T, m protocol.Message) {
	t.Helper()
	b, err := p.codec.Encode(m)
	if err != nil {
		t.Fatalf("peer encode: %v", err)
	}
	if err := p.tr.Send(context.Background(), b); err != nil {
		t.Fatalf("peer send: %v", err)
	}
}

func (p *fakePeer) sendRaw(t *testing.T, b []byte) {
	t.Helper()
	if err := p.tr.Send(context.Background(), b); err != nil {
		t.Fatalf("peer send: %v", err)
	}
}

// ackControl reads the next message, checks it is the given control method,
// and acknowledges it.
func (p *fakePeer) ackControl(t *testing.T, method string) protocol.Message {
	t.Helper()
	m := p.next(t)
	if m.Type != protocol.TypeRequest || m.Method != method {
		t.Fatalf("expected %s request, got %s %q", method, m.Type, m.Method)
	}
	p.send(t, protocol.NewResult(m.ID, protocol.Bool(true)))
	return m
}

// subscribe runs Subscribe against the peer's acknowledgement.
func subscribe(t *testing.T, s *Session, p *fakePeer, topic string, cb Callback) SubscriberID {
	t.Helper()
	type result struct {
		id  SubscriberID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := s.Subscribe(context.Background(), topic, cb)
		done <- result{id, err}
	}()
	req := p.ackControl(t, protocol.MethodSubscribe)
	r := <-done
	if r.err != nil {
		t.Fatalf("subscribe %s: %v", topic, r.err)
	}
	if key, _ := req.Args[1].AsString(); key != r.id.Key {
		t.Fatalf("subscribe request key=%q want %q", key, r.id.Key)
	}
	return r.id
}

type recorder struct {
	ch chan Push
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Push, 256)}
}

func (r *recorder) callback(_ context.Context, p Push) (protocol.Value, error) {
	r.ch <- p
	return protocol.Null(), nil
}

func (r *recorder) next(t *testing.T) Push {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for push")
	}
	return Push{}
}

func (r *recorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-r.ch:
		t.Fatalf("unexpected push: %+v", p)
	case <-time.After(d):
	}
}
