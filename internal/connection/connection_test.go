package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/wsmux/internal/auth"
	"github.com/danmuck/wsmux/internal/emitter"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/protocol/session"
	"github.com/danmuck/wsmux/internal/rpc"
	"github.com/danmuck/wsmux/internal/server"
	"github.com/danmuck/wsmux/internal/testutil/testlog"
	"github.com/danmuck/wsmux/internal/transport"
	"github.com/juju/clock/testclock"
)

const (
	waitTimeout = 2 * time.Second
	testURL     = "ws://wsmux.test/ws"
)

var errDialRefused = errors.New("dial refused")

type fixture struct {
	srv   *server.Server
	dials atomic.Int32
	// refuse reports whether the nth dial fails.
	refuse func(n int32) bool
}

func newFixture(t *testing.T, cfg server.Config) *fixture {
	t.Helper()
	f := &fixture{srv: server.New(cfg)}
	if err := f.srv.Handle("echo", func(_ context.Context, req server.Request) (protocol.Value, error) {
		return protocol.List(req.Args...), nil
	}); err != nil {
		t.Fatalf("handle echo: %v", err)
	}
	t.Cleanup(func() { f.srv.Disconnect() })
	return f
}

func (f *fixture) serve(tr transport.Transport) {
	go func() { _ = f.srv.ServeTransport(context.Background(), tr, protocol.JSON(), "pipe") }()
}

func (f *fixture) dialer() transport.Dialer {
	accept := transport.PipeDialer(f.serve)
	return transport.DialerFunc(func(ctx context.Context, url string) (transport.Transport, error) {
		n := f.dials.Add(1)
		if f.refuse != nil && f.refuse(n) {
			return nil, fmt.Errorf("%w: attempt %d", errDialRefused, n)
		}
		return accept.Dial(ctx, url)
	})
}

func (f *fixture) config(retry bool) Config {
	return Config{
		URL:    testURL,
		Retry:  retry,
		Dialer: f.dialer(),
		Policy: session.Config{
			Backoff: session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond},
		},
	}
}

func open(t *testing.T, cfg Config) *Connection {
	t.Helper()
	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		c.Destroy()
		_ = c.Wait()
	})
	return c
}

func watch(t *testing.T, c *Connection, event Event) <-chan Notice {
	t.Helper()
	ch := make(chan Notice, 32)
	if _, err := c.On(event, func(n Notice) { ch <- n }); err != nil {
		t.Fatalf("on %s: %v", event, err)
	}
	return ch
}

func await(t *testing.T, ch <-chan Notice, what string) Notice {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	return Notice{}
}

func recorder() (rpc.Callback, <-chan rpc.Push) {
	ch := make(chan rpc.Push, 32)
	return func(_ context.Context, p rpc.Push) (protocol.Value, error) {
		ch <- p
		return protocol.Null(), nil
	}, ch
}

func awaitPush(t *testing.T, ch <-chan rpc.Push) rpc.Push {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for push")
	}
	return rpc.Push{}
}

func TestNewOpensCallsAndDestroys(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})
	c := open(t, f.config(false))

	if c.State() != StateOpen {
		t.Fatalf("state=%s want open", c.State())
	}
	if url, ok := c.URL(); !ok || url != testURL {
		t.Fatalf("url=%q ok=%v", url, ok)
	}
	res, err := c.Call(context.Background(), "echo", protocol.String("hi"))
	if err != nil || !res.Equal(protocol.List(protocol.String("hi"))) {
		t.Fatalf("echo res=%s err=%v", res, err)
	}
	if _, err := f.srv.Client(c.ClientID()); err != nil {
		t.Fatalf("server does not know client %s: %v", c.ClientID(), err)
	}

	c.Destroy()
	c.Destroy()
	if c.State() != StateClosed {
		t.Fatalf("state=%s want closed", c.State())
	}
	if _, err := c.Call(context.Background(), "echo"); !errors.Is(err, rpc.ErrConnectionClosed) {
		t.Fatalf("call after destroy: %v", err)
	}
	if err := c.Wait(); !errors.Is(err, rpc.ErrConnectionClosed) {
		t.Fatalf("wait: %v", err)
	}
}

func TestNewWithoutTargetFails(t *testing.T) {
	testlog.Start(t)
	if _, err := New(context.Background(), Config{}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
}

func TestRejectedSecretIsNotRetried(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{Validator: auth.NewStaticSecret("s3cret")})
	cfg := f.config(true)
	cfg.Secret = "wrong"

	var c Connection
	closed := watch(t, &c, EventClosed)
	err := Extend(context.Background(), &c, cfg)
	if !errors.Is(err, ErrHandshakeRejected) || !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected rejected handshake, got %v", err)
	}
	if n := f.dials.Load(); n != 1 {
		t.Fatalf("dialed %d times, want 1", n)
	}
	if n := await(t, closed, "closed"); !errors.Is(n.Err, ErrHandshakeRejected) {
		t.Fatalf("closed notice err=%v", n.Err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state=%s want closed", c.State())
	}

	cfg.Secret = "s3cret"
	ok := open(t, cfg)
	if ok.State() != StateOpen {
		t.Fatalf("state=%s with correct secret", ok.State())
	}
}

type feed struct {
	Connection
	name string
}

func TestExtendLendsOperationsToEmbeddingType(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})
	fd := &feed{name: "prices"}
	connecting := watch(t, &fd.Connection, EventConnecting)
	opened := watch(t, &fd.Connection, EventOpen)

	if err := Extend(context.Background(), &fd.Connection, f.config(false)); err != nil {
		t.Fatalf("extend: %v", err)
	}
	defer func() {
		fd.Destroy()
		_ = fd.Wait()
	}()
	await(t, connecting, "connecting")
	if n := await(t, opened, "open"); n.Session != fd.Session() || n.Attempt != 1 {
		t.Fatalf("open notice %+v", n)
	}

	var api API = fd
	res, err := api.Call(context.Background(), "echo", protocol.Int(7))
	if err != nil || !res.Equal(protocol.List(protocol.Int(7))) {
		t.Fatalf("echo res=%s err=%v", res, err)
	}
	if err := Extend(context.Background(), &fd.Connection, f.config(false)); !errors.Is(err, ErrAlreadyExtended) {
		t.Fatalf("expected ErrAlreadyExtended, got %v", err)
	}
}

func TestOperationsBeforeExtendFail(t *testing.T) {
	testlog.Start(t)
	var c Connection
	if c.State() != StateIdle {
		t.Fatalf("state=%s want idle", c.State())
	}
	if _, ok := c.URL(); ok {
		t.Fatalf("url reported before extend")
	}
	if _, err := c.Call(context.Background(), "echo"); !errors.Is(err, ErrNotExtended) {
		t.Fatalf("expected ErrNotExtended, got %v", err)
	}
	if _, err := c.On(Event("bogus"), func(Notice) {}); !errors.Is(err, emitter.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestLossWithoutRetryFailsPendingAndCloses(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})
	started := make(chan struct{}, 1)
	_ = f.srv.Handle("block", func(ctx context.Context, _ server.Request) (protocol.Value, error) {
		started <- struct{}{}
		<-ctx.Done()
		return protocol.Null(), ctx.Err()
	})
	c := open(t, f.config(false))
	cb, pushes := recorder()
	if _, err := c.Subscribe(context.Background(), "ticks", cb); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "block")
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatalf("handler not reached")
	}
	f.srv.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, rpc.ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("pending call not failed")
	}
	if err := c.Wait(); !errors.Is(err, rpc.ErrConnectionLost) {
		t.Fatalf("wait: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state=%s want closed", c.State())
	}
	if len(c.Session().Subscriptions()) != 0 {
		t.Fatalf("registry not cleared")
	}
	if f.dials.Load() != 1 {
		t.Fatalf("redialed without retry")
	}
	select {
	case p := <-pushes:
		t.Fatalf("unexpected push %+v", p)
	default:
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})
	c := open(t, f.config(true))
	reconnecting := watch(t, c, EventReconnecting)
	opened := watch(t, c, EventOpen)

	cb, pushes := recorder()
	id, err := c.Subscribe(context.Background(), "ticks", cb)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	first := c.Session()

	f.srv.Disconnect()
	if n := await(t, reconnecting, "reconnecting"); !errors.Is(n.Err, rpc.ErrConnectionLost) {
		t.Fatalf("reconnecting cause=%v", n.Err)
	}
	n := await(t, opened, "reopen")
	if n.Session == first || c.Session() != n.Session {
		t.Fatalf("expected a new session after reconnect")
	}
	if c.State() != StateOpen {
		t.Fatalf("state=%s want open", c.State())
	}

	subs := c.Session().Subscriptions()
	if len(subs) != 1 || subs[0].ID != id {
		t.Fatalf("replayed subscriptions %+v want %s", subs, id)
	}
	if got := f.srv.Publish(context.Background(), "ticks", protocol.Int(1)); got != 1 {
		t.Fatalf("publish reached %d clients", got)
	}
	if p := awaitPush(t, pushes); p.Subscriber != id || !p.Args[0].Equal(protocol.Int(1)) {
		t.Fatalf("unexpected push %+v", p)
	}

	if err := c.Unsubscribe(context.Background(), id); err != nil {
		t.Fatalf("unsubscribe after reconnect: %v", err)
	}
	if err := c.Unsubscribe(context.Background(), id); !errors.Is(err, rpc.ErrInvalidSubscriber) {
		t.Fatalf("second unsubscribe: %v", err)
	}
}

func TestReconnectBacksOffOnClock(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})
	clk := testclock.NewClock(time.Now())
	cfg := f.config(true)
	cfg.Clock = clk
	cfg.Policy.Backoff = session.BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	// The initial dial succeeds, the next two are refused.
	f.refuse = func(n int32) bool { return n == 2 || n == 3 }

	c := open(t, cfg)
	failures := watch(t, c, EventError)
	opened := watch(t, c, EventOpen)

	f.srv.Disconnect()
	if n := await(t, failures, "first failure"); n.Attempt != 1 || !errors.Is(n.Err, errDialRefused) {
		t.Fatalf("first failure %+v", n)
	}
	if err := clk.WaitAdvance(100*time.Millisecond, waitTimeout, 1); err != nil {
		t.Fatalf("advance first backoff: %v", err)
	}
	if n := await(t, failures, "second failure"); n.Attempt != 2 {
		t.Fatalf("second failure %+v", n)
	}
	if err := clk.WaitAdvance(200*time.Millisecond, waitTimeout, 1); err != nil {
		t.Fatalf("advance second backoff: %v", err)
	}
	if n := await(t, opened, "reopen"); n.Attempt != 3 {
		t.Fatalf("reopened after %d attempts, want 3", n.Attempt)
	}
	if n := f.dials.Load(); n != 4 {
		t.Fatalf("dials=%d want 4", n)
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})
	cfg := f.config(true)
	cfg.Policy.MaxConnectAttempts = 2
	f.refuse = func(n int32) bool { return n > 1 }

	c := open(t, cfg)
	f.srv.Disconnect()
	err := c.Wait()
	if !errors.Is(err, errDialRefused) || !strings.Contains(err.Error(), "gave up after 2 attempts") {
		t.Fatalf("wait: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state=%s want closed", c.State())
	}
}

func TestCallResubmittedAfterLoss(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})
	var invocations atomic.Int32
	started := make(chan struct{}, 1)
	_ = f.srv.Handle("flaky", func(ctx context.Context, _ server.Request) (protocol.Value, error) {
		if invocations.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return protocol.Null(), ctx.Err()
		}
		return protocol.String("done"), nil
	})
	c := open(t, f.config(true))

	type result struct {
		v   protocol.Value
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := c.Call(context.Background(), "flaky")
		done <- result{v, err}
	}()
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatalf("handler not reached")
	}
	if pending := c.Outbox(); len(pending) != 1 || pending[0].Method != "flaky" || pending[0].Attempts != 1 {
		t.Fatalf("outbox %+v", pending)
	}
	f.srv.Disconnect()

	select {
	case r := <-done:
		if r.err != nil || !r.v.Equal(protocol.String("done")) {
			t.Fatalf("resubmitted call res=%s err=%v", r.v, r.err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("call not resubmitted")
	}
	if n := invocations.Load(); n != 2 {
		t.Fatalf("handler ran %d times, want 2", n)
	}
	if len(c.Outbox()) != 0 {
		t.Fatalf("outbox not drained")
	}
}

func TestPrebuiltTransportAndSession(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})

	client, far := transport.Pipe()
	f.serve(far)
	c := open(t, Config{Transport: client})
	if _, ok := c.URL(); ok {
		t.Fatalf("url reported for a prebuilt transport")
	}
	if _, err := c.Call(context.Background(), "echo"); err != nil {
		t.Fatalf("echo over prebuilt transport: %v", err)
	}

	client, far = transport.Pipe()
	f.serve(far)
	s := rpc.NewSession(client, rpc.Options{Name: "prebuilt"})
	hello := session.Hello{ClientID: "prebuilt"}
	if _, err := s.Call(context.Background(), protocol.MethodHello, hello.Args()...); err != nil {
		t.Fatalf("hello: %v", err)
	}
	c = open(t, Config{Session: s})
	if c.Session() != s {
		t.Fatalf("prebuilt session not used")
	}
	if _, err := c.Call(context.Background(), "echo"); err != nil {
		t.Fatalf("echo over prebuilt session: %v", err)
	}
}

func TestDestroyFromCallback(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, server.Config{})
	c := open(t, f.config(true))
	closed := watch(t, c, EventClosed)
	_, err := c.Subscribe(context.Background(), "stop", func(context.Context, rpc.Push) (protocol.Value, error) {
		c.Destroy()
		return protocol.Null(), nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	f.srv.Publish(context.Background(), "stop")
	if n := await(t, closed, "closed"); !errors.Is(n.Err, rpc.ErrConnectionClosed) {
		t.Fatalf("closed notice err=%v", n.Err)
	}
	if err := c.Wait(); !errors.Is(err, rpc.ErrConnectionClosed) {
		t.Fatalf("wait: %v", err)
	}
	if f.dials.Load() != 1 {
		t.Fatalf("destroy must not trigger a reconnect")
	}
}

// scriptedPeer answers hello and subscription control calls itself so a
// test can cut the transport or push at an exact point in the exchange.
type scriptedPeer struct {
	dials    atomic.Int32
	requests chan scriptedRequest
	// after runs once a subscribe or unsubscribe request has been acked.
	after func(dial int32, req protocol.Message, tr transport.Transport, send func(protocol.Message))
}

type scriptedRequest struct {
	dial int32
	req  protocol.Message
}

func newScriptedPeer() *scriptedPeer {
	return &scriptedPeer{requests: make(chan scriptedRequest, 64)}
}

func (p *scriptedPeer) config() Config {
	return Config{
		URL:   testURL,
		Retry: true,
		Dialer: transport.PipeDialer(func(tr transport.Transport) {
			go p.serve(p.dials.Add(1), tr)
		}),
		Policy: session.Config{
			Backoff: session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond},
		},
	}
}

func (p *scriptedPeer) serve(dial int32, tr transport.Transport) {
	codec := protocol.JSON()
	send := func(m protocol.Message) {
		if b, err := codec.Encode(m); err == nil {
			_ = tr.Send(context.Background(), b)
		}
	}
	for {
		b, err := tr.Receive()
		if err != nil {
			return
		}
		req, err := codec.Decode(b)
		if err != nil || req.Type != protocol.TypeRequest {
			continue
		}
		switch req.Method {
		case protocol.MethodHello:
			hello, _ := session.ParseHello(req.Args)
			send(protocol.NewResult(req.ID, session.HelloAck{
				Status:      session.AckStatusAccepted,
				ClientID:    hello.ClientID,
				TimestampMS: uint64(time.Now().UnixMilli()),
			}.Value()))
		case protocol.MethodSubscribe, protocol.MethodUnsubscribe:
			p.requests <- scriptedRequest{dial: dial, req: req}
			send(protocol.NewResult(req.ID, protocol.Bool(true)))
			if p.after != nil {
				p.after(dial, req, tr, send)
			}
		default:
			send(protocol.NewError(req.ID, protocol.CodeMethodNotFound, req.Method))
		}
	}
}

func (p *scriptedPeer) next(t *testing.T) scriptedRequest {
	t.Helper()
	select {
	case r := <-p.requests:
		return r
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for control request")
	}
	return scriptedRequest{}
}

func TestUnsubscribeAckedBeforeLossIsNotReplayed(t *testing.T) {
	testlog.Start(t)
	p := newScriptedPeer()
	p.after = func(dial int32, req protocol.Message, tr transport.Transport, _ func(protocol.Message)) {
		if dial == 1 && req.Method == protocol.MethodUnsubscribe {
			_ = tr.Close()
		}
	}
	c := open(t, p.config())
	opened := watch(t, c, EventOpen)
	ctx := context.Background()

	cb, _ := recorder()
	gone, err := c.Subscribe(ctx, "gone", cb)
	if err != nil {
		t.Fatalf("subscribe gone: %v", err)
	}
	kept, err := c.Subscribe(ctx, "kept", cb)
	if err != nil {
		t.Fatalf("subscribe kept: %v", err)
	}
	p.next(t)
	p.next(t)

	if err := c.Unsubscribe(ctx, gone); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if r := p.next(t); r.req.Method != protocol.MethodUnsubscribe {
		t.Fatalf("expected unsubscribe, got %s", r.req.Method)
	}

	await(t, opened, "reopen")
	replayed := map[string]bool{}
	for len(p.requests) > 0 {
		r := <-p.requests
		if r.dial == 2 && r.req.Method == protocol.MethodSubscribe {
			key, _ := r.req.Args[1].AsString()
			replayed[key] = true
		}
	}
	if replayed[gone.Key] {
		t.Fatalf("unsubscribed %s was replayed after reconnect", gone)
	}
	if !replayed[kept.Key] {
		t.Fatalf("live subscription %s was not replayed: %v", kept, replayed)
	}
	if err := c.Unsubscribe(ctx, gone); !errors.Is(err, rpc.ErrInvalidSubscriber) {
		t.Fatalf("unsubscribed id became valid again: %v", err)
	}
}

func TestPushRightAfterReplayedSubscribeAckIsDelivered(t *testing.T) {
	testlog.Start(t)
	p := newScriptedPeer()
	p.after = func(dial int32, req protocol.Message, tr transport.Transport, send func(protocol.Message)) {
		if req.Method != protocol.MethodSubscribe {
			return
		}
		if dial == 1 {
			_ = tr.Close()
			return
		}
		send(protocol.NewPush("news", protocol.Int(int64(dial))))
	}
	c := open(t, p.config())
	opened := watch(t, c, EventOpen)

	cb, pushes := recorder()
	id, err := c.Subscribe(context.Background(), "news", cb)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	await(t, opened, "reopen")

	push := awaitPush(t, pushes)
	if push.Subscriber != id || !push.Args[0].Equal(protocol.Int(2)) {
		t.Fatalf("unexpected push %+v for %s", push, id)
	}
}
