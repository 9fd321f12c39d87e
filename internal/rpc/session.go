// Package rpc multiplexes calls and push subscriptions over one transport.
//
// A Session is bound to a single open transport. It owns the correlation
// table for outstanding calls and the subscription registry. When the
// transport dies the session is dead for good; reconnecting is the
// connection manager's job, which carries Subscriptions forward with
// Resubscribe.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/transport"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"
)

// Options configures a Session.
type Options struct {
	// Codec defaults to JSON.
	Codec protocol.Codec
	// Name tags log lines, typically the remote URL.
	Name string
}

type Session struct {
	transport transport.Transport
	codec     protocol.Codec
	name      string
	tomb      tomb.Tomb

	// sending serializes writes so requests leave in issue order. It is
	// taken before mu.
	sending sync.Mutex

	// mu guards the fields below.
	mu      sync.Mutex
	calls   *callTable
	subs    *registry
	closing bool
	dead    bool
	err     error

	// cbCtx is handed to subscriber callbacks; cancelled by Close.
	cbCtx    context.Context
	cbCancel context.CancelFunc
}

// NewSession starts a session over t. The read loop runs until t fails or
// Close is called.
func NewSession(t transport.Transport, opts Options) *Session {
	if opts.Codec == nil {
		opts.Codec = protocol.JSON()
	}
	s := &Session{
		transport: t,
		codec:     opts.Codec,
		name:      opts.Name,
		calls:     newCallTable(),
		subs:      newRegistry(),
	}
	s.cbCtx, s.cbCancel = context.WithCancel(context.Background())
	s.tomb.Go(s.loop)
	s.tomb.Go(func() error {
		select {
		case <-s.tomb.Dying():
		case <-t.Done():
		}
		_ = t.Close()
		return nil
	})
	return s
}

func (s *Session) Codec() protocol.Codec { return s.codec }

// Dead is closed once the read loop exited and outstanding calls failed.
func (s *Session) Dead() <-chan struct{} {
	return s.tomb.Dead()
}

// Err returns why the session died, or nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Alive reports whether the session still accepts work.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead && !s.closing
}

// Pending returns the number of outstanding calls.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls.len()
}

// Call sends a request and waits for its response. Cancelling ctx abandons
// the call; a late response is dropped.
func (s *Session) Call(ctx context.Context, method string, args ...protocol.Value) (protocol.Value, error) {
	return s.do(ctx, newCall(method, args))
}

func (s *Session) do(ctx context.Context, call *Call) (protocol.Value, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Null(), err
	}
	id := s.send(ctx, call)
	if id == 0 {
		<-call.Done
		return call.Result, call.Error
	}
	select {
	case <-ctx.Done():
		s.abandon(id)
		if !call.resolve(protocol.Null(), ctx.Err()) {
			c := <-call.Done
			return c.Result, c.Error
		}
		return protocol.Null(), ctx.Err()
	case c := <-call.Done:
		return c.Result, c.Error
	}
}

// Go sends a request without waiting. The returned Call is delivered on
// its Done channel once resolved.
func (s *Session) Go(method string, args ...protocol.Value) *Call {
	call := newCall(method, args)
	s.send(context.Background(), call)
	return call
}

func (s *Session) send(ctx context.Context, call *Call) uint64 {
	s.sending.Lock()
	defer s.sending.Unlock()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		call.resolve(protocol.Null(), ErrConnectionClosed)
		return 0
	}
	if s.dead {
		err := s.err
		s.mu.Unlock()
		call.resolve(protocol.Null(), err)
		return 0
	}
	id := s.calls.add(call)
	s.mu.Unlock()

	err := s.write(ctx, protocol.NewRequest(id, call.Method, call.Args...))
	if err != nil {
		s.mu.Lock()
		c, ok := s.calls.take(id)
		s.mu.Unlock()
		if ok {
			c.resolve(protocol.Null(), err)
		}
	}
	log.Trace().Msgf("rpc.Session send id=%d method=%s err=%v", id, call.Method, err)
	return id
}

// write encodes and sends m. Callers hold sending.
func (s *Session) write(ctx context.Context, m protocol.Message) error {
	b, err := s.codec.Encode(m)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, b); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (s *Session) reply(m protocol.Message) {
	s.sending.Lock()
	defer s.sending.Unlock()
	if !s.Alive() {
		return
	}
	if err := s.write(context.Background(), m); err != nil {
		log.Debug().Msgf("rpc.Session push ack failed id=%d err=%v", m.ID, err)
	}
}

// replyAsync keeps the read loop from blocking on the write side.
func (s *Session) replyAsync(m protocol.Message) {
	go s.reply(m)
}

func (s *Session) abandon(id uint64) {
	s.mu.Lock()
	s.calls.abandon(id)
	s.mu.Unlock()
}

// Subscribe registers cb for pushes on topic once the server acknowledged
// the subscription.
func (s *Session) Subscribe(ctx context.Context, topic string, cb Callback) (SubscriberID, error) {
	id := NewSubscriberID(topic)
	if err := s.subscribe(ctx, id, cb, nil); err != nil {
		return SubscriberID{}, err
	}
	return id, nil
}

// Resubscribe replays a subscription carried over from a previous session
// under its original id. Pushes are not delivered to the callback before
// the previous session stopped invoking it.
func (s *Session) Resubscribe(ctx context.Context, sub Subscription) error {
	if sub.ID.IsZero() {
		return fmt.Errorf("%w: empty id", ErrInvalidSubscriber)
	}
	return s.subscribe(ctx, sub.ID, sub.Callback, sub.drained)
}

func (s *Session) subscribe(ctx context.Context, id SubscriberID, cb Callback, prev <-chan struct{}) error {
	if cb == nil {
		return ErrNilCallback
	}
	s.mu.Lock()
	_, dup := s.subs.get(id)
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, id)
	}

	// Registration happens as the ack is matched so a push right behind it
	// already finds the subscriber.
	registered := make(chan error, 1)
	call := newCall(protocol.MethodSubscribe, []protocol.Value{protocol.String(id.Topic), protocol.String(id.Key)})
	call.settle = func() {
		if s.closing {
			registered <- ErrConnectionClosed
			return
		}
		if _, dup := s.subs.get(id); dup {
			registered <- fmt.Errorf("%w: %s", ErrDuplicateSubscriber, id)
			return
		}
		sub := s.subs.add(id, cb, prev)
		go sub.run(s.cbCtx)
		registered <- nil
	}
	_, err := s.do(ctx, call)
	select {
	case err = <-registered:
	default:
	}
	if err != nil {
		return err
	}
	log.Debug().Msgf("rpc.Session subscribed subscriber=%s", id)
	return nil
}

// Unsubscribe removes a subscriber after the server acknowledged it. An
// unknown or already removed id fails with ErrInvalidSubscriber without any
// traffic. Pushes received before removal are still delivered; Unsubscribe
// returns once the callback can no longer run, unless ctx is the one handed
// to that subscriber's own callback.
func (s *Session) Unsubscribe(ctx context.Context, id SubscriberID) error {
	s.mu.Lock()
	_, ok := s.subs.get(id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidSubscriber, id)
	}

	// The entry leaves the registry as the ack is matched, so a snapshot
	// taken after a transport loss never carries it forward.
	removed := make(chan *subscriber, 1)
	call := newCall(protocol.MethodUnsubscribe, []protocol.Value{protocol.String(id.Topic), protocol.String(id.Key)})
	call.settle = func() {
		sub, ok := s.subs.remove(id)
		if ok {
			sub.stop(false)
		}
		removed <- sub
	}
	_, err := s.do(ctx, call)
	var sub *subscriber
	select {
	case sub = <-removed:
		err = nil
	default:
	}
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	log.Debug().Msgf("rpc.Session unsubscribed subscriber=%s", id)

	if running, _ := ctx.Value(callbackKey{}).(*subscriber); running == sub {
		return nil
	}
	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscriptions snapshots the registry in registration order. After the
// session died from transport loss the snapshot is what must be replayed.
func (s *Session) Subscriptions() []Subscription {
	s.mu.Lock()
	subs := s.subs.all()
	s.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	out := make([]Subscription, len(subs))
	for i, sub := range subs {
		out[i] = Subscription{ID: sub.id, Callback: sub.cb, drained: sub.done}
	}
	return out
}

// Close fails pending calls with ErrConnectionClosed, drops subscribers
// without unsubscribe traffic and releases the transport. It is safe to
// call more than once and from a callback.
func (s *Session) Close() error {
	s.mu.Lock()
	already := s.closing
	s.closing = true
	s.mu.Unlock()
	if !already {
		s.cbCancel()
		s.tomb.Kill(nil)
	}
	<-s.tomb.Dead()

	s.mu.Lock()
	dropped := s.subs.clear()
	s.mu.Unlock()
	for _, sub := range dropped {
		sub.stop(true)
	}
	return nil
}

func (s *Session) loop() error {
	err := s.readLoop()
	s.shutdown(err)
	if errors.Is(err, io.EOF) || errors.Is(err, tomb.ErrDying) {
		err = nil
	}
	s.tomb.Kill(err)
	return err
}

func (s *Session) readLoop() error {
	for {
		b, err := s.transport.Receive()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			return err
		}
		msg, err := s.codec.Decode(b)
		if err != nil {
			observability.RecordProtocolError("client")
			log.Warn().Msgf("rpc.Session dropped malformed message name=%s err=%v", s.name, err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) shutdown(cause error) {
	s.sending.Lock()
	defer s.sending.Unlock()
	s.mu.Lock()
	reason := ErrConnectionClosed
	if !s.closing {
		if cause == nil || errors.Is(cause, io.EOF) {
			reason = ErrConnectionLost
		} else {
			reason = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		}
	}
	s.dead = true
	s.err = reason
	pending := s.calls.drain()
	subs := s.subs.all()
	closing := s.closing
	s.mu.Unlock()

	for _, c := range pending {
		c.resolve(protocol.Null(), reason)
	}
	for _, sub := range subs {
		sub.stop(closing)
	}
	log.Debug().Msgf("rpc.Session dead name=%s pending=%d subscribers=%d reason=%v", s.name, len(pending), len(subs), reason)
}

func (s *Session) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeResponse:
		s.handleResponse(msg)
	case protocol.TypePush:
		s.handlePush(msg)
	default:
		log.Debug().Msgf("rpc.Session ignoring %s id=%d method=%s", msg.Type, msg.ID, msg.Method)
	}
}

func (s *Session) handleResponse(msg protocol.Message) {
	s.mu.Lock()
	call, ok := s.calls.take(msg.ID)
	buried := !ok && s.calls.buried(msg.ID)
	if ok && msg.Error == nil && call.settle != nil {
		call.settle()
	}
	s.mu.Unlock()
	if !ok {
		if buried {
			log.Trace().Msgf("rpc.Session late response for abandoned call id=%d", msg.ID)
			return
		}
		observability.RecordUnmatchedResponse()
		log.Debug().Msgf("rpc.Session discarding unmatched response id=%d", msg.ID)
		return
	}
	if msg.Error != nil {
		call.resolve(protocol.Null(), newRPCError(call.Method, msg.Error))
		return
	}
	call.resolve(msg.Result, nil)
}

func (s *Session) handlePush(msg protocol.Message) {
	s.mu.Lock()
	subs := s.subs.forTopic(msg.Method)
	s.mu.Unlock()
	if len(subs) == 0 {
		observability.RecordPush(msg.Method, "unmatched")
		log.Debug().Msgf("rpc.Session discarding push with no subscriber topic=%s", msg.Method)
		if msg.AckRequested() {
			s.replyAsync(protocol.NewError(msg.ID, protocol.CodeMethodNotFound, "no subscriber for "+msg.Method))
		}
		return
	}
	var ack *pushAck
	if msg.AckRequested() {
		ack = newPushAck(msg.ID, msg.Method, len(subs), s.replyAsync)
	}
	for i, sub := range subs {
		d := delivery{
			push:  Push{Topic: msg.Method, Args: msg.Args, Subscriber: sub.id},
			ack:   ack,
			index: i,
		}
		if !sub.enqueue(d) {
			ack.finish(i, protocol.Null(), nil)
		}
	}
}
