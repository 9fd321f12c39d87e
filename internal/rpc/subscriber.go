package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// SubscriberID is the stable handle returned by Subscribe. Key is globally
// unique; Topic scopes it to the subscribed method.
type SubscriberID struct {
	Topic string
	Key   string
}

// NewSubscriberID mints a fresh id for topic.
func NewSubscriberID(topic string) SubscriberID {
	return SubscriberID{Topic: topic, Key: xid.New().String()}
}

func (id SubscriberID) String() string {
	return id.Topic + "/" + id.Key
}

func (id SubscriberID) IsZero() bool {
	return id.Key == ""
}

// Push is one server push delivered to a subscriber.
type Push struct {
	Topic      string
	Args       []protocol.Value
	Subscriber SubscriberID
}

// Callback handles pushes for one subscriber. Calls are serialized per
// subscriber in receipt order. The result is sent back when the server asked
// for an acknowledgement.
type Callback func(ctx context.Context, push Push) (protocol.Value, error)

// Subscription is a registry entry as carried across reconnects.
type Subscription struct {
	ID       SubscriberID
	Callback Callback

	// drained is closed once the previous session stopped invoking Callback.
	drained <-chan struct{}
}

type callbackKey struct{}

// Subscriber returns the subscriber whose callback is running with ctx.
func Subscriber(ctx context.Context) (SubscriberID, bool) {
	sub, ok := ctx.Value(callbackKey{}).(*subscriber)
	if !ok {
		return SubscriberID{}, false
	}
	return sub.id, true
}

type delivery struct {
	push  Push
	ack   *pushAck
	index int
}

// subscriber owns one serial dispatcher goroutine fed by an unbounded queue.
type subscriber struct {
	id  SubscriberID
	cb  Callback
	seq uint64

	mu      sync.Mutex
	queue   []delivery
	stopped bool
	discard bool
	wake    chan struct{}
	done    chan struct{}
	prev    <-chan struct{}
}

func newSubscriber(id SubscriberID, cb Callback, seq uint64, prev <-chan struct{}) *subscriber {
	return &subscriber{
		id:   id,
		cb:   cb,
		seq:  seq,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		prev: prev,
	}
}

func (sub *subscriber) enqueue(d delivery) bool {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return false
	}
	sub.queue = append(sub.queue, d)
	sub.mu.Unlock()
	sub.signal()
	return true
}

// stop prevents further enqueues. Queued pushes are still delivered unless
// discard is set.
func (sub *subscriber) stop(discard bool) {
	sub.mu.Lock()
	sub.stopped = true
	if discard {
		sub.discard = true
	}
	sub.mu.Unlock()
	sub.signal()
}

func (sub *subscriber) signal() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) next() (delivery, bool) {
	for {
		sub.mu.Lock()
		if sub.discard {
			dropped := sub.queue
			sub.queue = nil
			sub.mu.Unlock()
			for _, d := range dropped {
				d.ack.finish(d.index, protocol.Null(), nil)
			}
			return delivery{}, false
		}
		if len(sub.queue) > 0 {
			d := sub.queue[0]
			sub.queue[0] = delivery{}
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			return d, true
		}
		if sub.stopped {
			sub.mu.Unlock()
			return delivery{}, false
		}
		sub.mu.Unlock()
		<-sub.wake
	}
}

func (sub *subscriber) run(ctx context.Context) {
	defer close(sub.done)
	if sub.prev != nil {
		select {
		case <-sub.prev:
		case <-ctx.Done():
		}
	}
	ctx = context.WithValue(ctx, callbackKey{}, sub)
	for {
		d, ok := sub.next()
		if !ok {
			return
		}
		result, err := sub.invoke(ctx, d.push)
		d.ack.finish(d.index, result, err)
	}
}

func (sub *subscriber) invoke(ctx context.Context, p Push) (result protocol.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: callback panic: %v", r)
		}
		if err != nil {
			observability.RecordPush(p.Topic, "callback_error")
			log.Warn().Msgf("rpc.subscriber callback failed subscriber=%s err=%v", sub.id, err)
			return
		}
		observability.RecordPush(p.Topic, "delivered")
	}()
	return sub.cb(ctx, p)
}

// pushAck collects subscriber results for a push that asked for an
// acknowledgement and replies once all of them finished. The first non-null
// result in registration order wins; any failure turns the reply into an
// error.
type pushAck struct {
	mu        sync.Mutex
	id        uint64
	topic     string
	remaining int
	results   []protocol.Value
	errs      []error
	reply     func(protocol.Message)
}

func newPushAck(id uint64, topic string, n int, reply func(protocol.Message)) *pushAck {
	return &pushAck{
		id:        id,
		topic:     topic,
		remaining: n,
		results:   make([]protocol.Value, n),
		errs:      make([]error, n),
		reply:     reply,
	}
}

func (a *pushAck) finish(index int, result protocol.Value, err error) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.results[index] = result
	a.errs[index] = err
	a.remaining--
	last := a.remaining == 0
	a.mu.Unlock()
	if !last {
		return
	}
	for _, err := range a.errs {
		if err != nil {
			a.reply(protocol.NewError(a.id, protocol.CodeCallbackFailed, err.Error()))
			return
		}
	}
	out := protocol.Null()
	for _, r := range a.results {
		if !r.IsNull() {
			out = r
			break
		}
	}
	a.reply(protocol.NewResult(a.id, out))
}

// registry maps subscriber ids to subscribers and topics to subscribers in
// registration order. Callers hold the session mutex.
type registry struct {
	seq    uint64
	byID   map[SubscriberID]*subscriber
	topics map[string][]*subscriber
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[SubscriberID]*subscriber),
		topics: make(map[string][]*subscriber),
	}
}

func (r *registry) get(id SubscriberID) (*subscriber, bool) {
	sub, ok := r.byID[id]
	return sub, ok
}

func (r *registry) add(id SubscriberID, cb Callback, prev <-chan struct{}) *subscriber {
	r.seq++
	sub := newSubscriber(id, cb, r.seq, prev)
	r.byID[id] = sub
	r.topics[id.Topic] = append(r.topics[id.Topic], sub)
	return sub
}

func (r *registry) remove(id SubscriberID) (*subscriber, bool) {
	sub, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	subs := r.topics[id.Topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.topics, id.Topic)
	} else {
		r.topics[id.Topic] = subs
	}
	return sub, true
}

func (r *registry) forTopic(topic string) []*subscriber {
	subs := r.topics[topic]
	out := make([]*subscriber, len(subs))
	copy(out, subs)
	return out
}

func (r *registry) all() []*subscriber {
	out := make([]*subscriber, 0, len(r.byID))
	for _, sub := range r.byID {
		out = append(out, sub)
	}
	return out
}

func (r *registry) clear() []*subscriber {
	out := r.all()
	r.byID = make(map[SubscriberID]*subscriber)
	r.topics = make(map[string][]*subscriber)
	return out
}

func (r *registry) len() int {
	return len(r.byID)
}
