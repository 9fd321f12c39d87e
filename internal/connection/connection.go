// Package connection manages a long-lived wsmux client over a sequence of
// rpc sessions.
//
// A Connection dials, performs the hello handshake, and when the transport
// is lost with retry enabled it reconnects with backoff and replays every
// live subscription under its original id before reporting Open again.
// Application types embed a Connection and initialise it with Extend to
// expose Call, Subscribe and Unsubscribe as their own.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/wsmux/internal/emitter"
	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/protocol/session"
	"github.com/danmuck/wsmux/internal/rpc"
	"github.com/danmuck/wsmux/internal/transport"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"
)

var (
	ErrHandshakeFailed = errors.New("connection: handshake failed")
	// ErrHandshakeRejected is a hello the server answered with a rejection.
	// It is never retried.
	ErrHandshakeRejected = fmt.Errorf("%w: rejected", ErrHandshakeFailed)
	ErrAlreadyExtended   = errors.New("connection: already extended")
	ErrNotExtended       = errors.New("connection: not extended")
	ErrNoTarget          = errors.New("connection: no url, transport or session configured")
)

// Config selects what a Connection talks to and how hard it tries.
type Config struct {
	// URL is dialed for the first session unless Transport or Session is
	// set, and for every reconnect.
	URL    string
	Secret string
	// Retry enables reconnection after transport loss and resubmission of
	// calls that failed with rpc.ErrConnectionLost.
	Retry bool

	// Transport is an already open transport used for the first session.
	Transport transport.Transport
	// Session is an already greeted session used as the first session.
	Session *rpc.Session

	Dialer   transport.Dialer
	Codec    protocol.Codec
	Policy   session.Config
	Clock    clock.Clock
	ClientID string
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimSpace(c.URL)
	if c.Codec == nil {
		if c.Session != nil {
			c.Codec = c.Session.Codec()
		} else {
			c.Codec = protocol.JSON()
		}
	}
	c.Policy = c.Policy.WithDefaults()
	if c.Dialer == nil {
		c.Dialer = transport.WebSocketDialer{Config: c.Policy, Binary: c.Codec.Binary()}
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = uuid.NewString()
	}
	return c
}

// API is the operation set a Connection lends to the types that embed it.
type API interface {
	Call(ctx context.Context, method string, args ...protocol.Value) (protocol.Value, error)
	Subscribe(ctx context.Context, topic string, cb rpc.Callback) (rpc.SubscriberID, error)
	Unsubscribe(ctx context.Context, id rpc.SubscriberID) error
	Session() *rpc.Session
	URL() (string, bool)
	Destroy()
}

var _ API = (*Connection)(nil)

// Connection must not be copied after Extend.
type Connection struct {
	initOnce sync.Once
	events   *emitter.Emitter[Event, Notice]
	outbox   *session.CallOutbox
	tomb     tomb.Tomb

	mu        sync.Mutex
	cfg       Config
	backoff   *session.Backoff
	extended  bool
	running   bool
	destroyed bool
	state     State
	current   *rpc.Session
	changed   chan struct{}
	err       error
}

func (c *Connection) init() {
	c.initOnce.Do(func() {
		c.events = emitter.New[Event, Notice](events...)
		c.outbox = session.NewCallOutbox()
		c.changed = make(chan struct{})
	})
}

// New opens a Connection. It returns once the first session is open or the
// attempt failed for good.
func New(ctx context.Context, cfg Config) (*Connection, error) {
	c := &Connection{}
	if err := Extend(ctx, c, cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Extend initialises c, usually a Connection embedded in an application
// type, and opens it like New. Listeners registered with On before Extend
// observe the initial connecting and open events.
func Extend(ctx context.Context, c *Connection, cfg Config) error {
	c.init()
	c.mu.Lock()
	if c.extended {
		c.mu.Unlock()
		return ErrAlreadyExtended
	}
	c.extended = true
	cfg = cfg.withDefaults()
	c.cfg = cfg
	c.backoff = session.NewBackoff(cfg.Policy.Backoff, nil)
	c.mu.Unlock()

	if cfg.URL == "" && cfg.Transport == nil && cfg.Session == nil {
		c.setState(StateClosed, 0, ErrNoTarget, nil)
		return ErrNoTarget
	}

	c.setState(StateConnecting, 0, nil, nil)
	s, attempts, err := c.connect(c.tomb.Context(ctx), nil, true)
	if err != nil {
		if c.isDestroyed() {
			return rpc.ErrConnectionClosed
		}
		c.setState(StateClosed, attempts, err, nil)
		return err
	}
	if !c.publish(s, attempts) {
		return rpc.ErrConnectionClosed
	}

	c.mu.Lock()
	c.running = true
	c.tomb.Go(c.run)
	c.mu.Unlock()
	return nil
}

func (c *Connection) run() error {
	for {
		s := c.Session()
		select {
		case <-c.tomb.Dying():
			return nil
		case <-s.Dead():
		}
		if c.isDestroyed() {
			return nil
		}
		cause := s.Err()
		if !c.cfg.Retry || errors.Is(cause, rpc.ErrConnectionClosed) {
			_ = s.Close()
			c.setState(StateClosed, 0, cause, nil)
			return nil
		}

		replay := s.Subscriptions()
		log.Warn().Msgf("connection.Connection lost url=%s subscriptions=%d err=%v", c.cfg.URL, len(replay), cause)
		c.setState(StateReconnecting, 0, cause, nil)
		next, attempts, err := c.connect(c.tomb.Context(nil), replay, false)
		if err != nil {
			if c.isDestroyed() {
				return nil
			}
			_ = s.Close()
			c.setState(StateClosed, attempts, err, nil)
			return nil
		}
		if !c.publish(next, attempts) {
			return nil
		}
	}
}

// connect makes attempts until one yields a greeted session with replay
// applied, retrying per policy.
func (c *Connection) connect(ctx context.Context, replay []rpc.Subscription, first bool) (*rpc.Session, int, error) {
	attempts := 0
	for {
		attempts++
		s, err := c.attempt(ctx, replay, first && attempts == 1)
		if err == nil {
			c.backoff.Reset()
			if !first {
				observability.RecordReconnectAttempt(true)
			}
			return s, attempts, nil
		}
		if !first {
			observability.RecordReconnectAttempt(false)
		}
		log.Warn().Msgf("connection.Connection attempt failed url=%s attempt=%d err=%v", c.cfg.URL, attempts, err)
		c.emit(EventError, Notice{State: c.State(), Attempt: attempts, Err: err})

		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		if !c.cfg.Retry || terminal(err) {
			return nil, attempts, err
		}
		if max := c.cfg.Policy.MaxConnectAttempts; max > 0 && attempts >= max {
			return nil, attempts, fmt.Errorf("connection: gave up after %d attempts: %w", attempts, err)
		}
		_, delay := c.backoff.Next()
		log.Debug().Msgf("connection.Connection retrying url=%s in=%s", c.cfg.URL, delay)
		select {
		case <-c.cfg.Clock.After(delay):
		case <-ctx.Done():
			return nil, attempts, ctx.Err()
		}
	}
}

func terminal(err error) bool {
	var rpcErr *rpc.RPCError
	return errors.Is(err, ErrHandshakeRejected) ||
		errors.Is(err, ErrNoTarget) ||
		errors.Is(err, session.ErrInvalidURL) ||
		errors.As(err, &rpcErr)
}

func (c *Connection) attempt(ctx context.Context, replay []rpc.Subscription, first bool) (*rpc.Session, error) {
	if first && c.cfg.Session != nil {
		return c.cfg.Session, nil
	}
	var tr transport.Transport
	if first && c.cfg.Transport != nil {
		tr = c.cfg.Transport
	} else {
		if c.cfg.URL == "" {
			return nil, ErrNoTarget
		}
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Policy.ConnectTimeout)
		var err error
		tr, err = c.cfg.Dialer.Dial(dialCtx, c.cfg.URL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connection: dial %s: %w", c.cfg.URL, err)
		}
	}

	s := rpc.NewSession(tr, rpc.Options{Codec: c.cfg.Codec, Name: c.name()})
	if err := c.handshake(ctx, s); err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, sub := range replay {
		err := s.Resubscribe(ctx, sub)
		switch {
		case err == nil:
		case rpc.IsRetryable(err) || ctx.Err() != nil:
			_ = s.Close()
			return nil, fmt.Errorf("connection: replay %s: %w", sub.ID, err)
		default:
			// The server refused this subscription; the rest still count.
			err = fmt.Errorf("connection: replay %s dropped: %w", sub.ID, err)
			log.Warn().Msgf("connection.Connection %v", err)
			c.emit(EventError, Notice{State: StateReconnecting, Err: err})
		}
	}
	return s, nil
}

func (c *Connection) handshake(ctx context.Context, s *rpc.Session) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Policy.HandshakeTimeout)
	defer cancel()
	hello := session.Hello{Secret: c.cfg.Secret, ClientID: c.cfg.ClientID}
	res, err := s.Call(ctx, protocol.MethodHello, hello.Args()...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	ack, err := session.ParseHelloAck(res)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if !ack.Accepted() {
		return fmt.Errorf("%w: code=%d message=%s", ErrHandshakeRejected, ack.Code, ack.Message)
	}
	if ack.ClientID != hello.ClientID {
		return fmt.Errorf("%w: ack for client_id=%s", ErrHandshakeFailed, ack.ClientID)
	}
	log.Debug().Msgf("connection.Connection handshake ok url=%s client_id=%s", c.cfg.URL, hello.ClientID)
	return nil
}

// publish installs s as the current session unless c was destroyed
// meanwhile.
func (c *Connection) publish(s *rpc.Session, attempts int) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = s.Close()
		return false
	}
	c.current = s
	c.mu.Unlock()
	return c.setState(StateOpen, attempts, nil, s)
}

// setState moves to next and notifies listeners. Closed is terminal.
func (c *Connection) setState(next State, attempt int, err error, s *rpc.Session) bool {
	c.mu.Lock()
	prev := c.state
	if prev == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = next
	if next == StateClosed {
		c.err = err
	}
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	observability.RecordTransition(prev.String(), next.String())
	log.Info().Msgf("connection.Connection state %s->%s url=%s attempt=%d err=%v", prev, next, c.cfg.URL, attempt, err)
	c.emit(eventFor(next), Notice{State: next, Attempt: attempt, Err: err, Session: s})
	return true
}

func (c *Connection) emit(event Event, n Notice) {
	if err := c.events.Emit(event, n); err != nil {
		log.Error().Msgf("connection.Connection emit event=%s err=%v", event, err)
	}
}

func (c *Connection) name() string {
	if c.cfg.URL != "" {
		return c.cfg.URL
	}
	return "client:" + c.cfg.ClientID
}

func (c *Connection) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// waitOpen blocks until an alive session is current or c is closed.
func (c *Connection) waitOpen(ctx context.Context) (*rpc.Session, error) {
	c.init()
	for {
		c.mu.Lock()
		extended, state, s, changed, err := c.extended, c.state, c.current, c.changed, c.err
		c.mu.Unlock()
		if !extended {
			return nil, ErrNotExtended
		}
		switch state {
		case StateOpen:
			if s.Alive() {
				return s, nil
			}
		case StateClosed:
			if err == nil {
				err = rpc.ErrConnectionClosed
			}
			return nil, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Session returns the current session, or the last one once closed. It is
// nil before the first session opened.
func (c *Connection) Session() *rpc.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// URL returns the configured target address; false when none was given.
func (c *Connection) URL() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.URL, c.extended && c.cfg.URL != ""
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why c closed, or nil while it is not closed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ClientID
}

// Outbox lists calls currently being resubmitted across reconnects.
func (c *Connection) Outbox() []session.PendingCall {
	c.init()
	return c.outbox.List()
}

// On registers fn for event. Unknown event names are rejected.
func (c *Connection) On(event Event, fn func(Notice)) (emitter.Handle, error) {
	c.init()
	return c.events.On(event, fn)
}

func (c *Connection) Off(event Event, h emitter.Handle) error {
	c.init()
	return c.events.Off(event, h)
}

// Destroy closes the current session, stops reconnecting and moves c to
// Closed. Later operations fail with rpc.ErrConnectionClosed. It is safe to
// call more than once and from listeners or callbacks.
func (c *Connection) Destroy() {
	c.init()
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	s := c.current
	c.mu.Unlock()

	c.tomb.Kill(nil)
	if s != nil {
		_ = s.Close()
	}
	c.setState(StateClosed, 0, rpc.ErrConnectionClosed, nil)
}

// Wait blocks until c is closed and its reconnect loop exited, then returns
// Err.
func (c *Connection) Wait() error {
	c.init()
	for {
		c.mu.Lock()
		state, changed, running := c.state, c.changed, c.running
		c.mu.Unlock()
		if state == StateClosed {
			if running {
				<-c.tomb.Dead()
			}
			return c.Err()
		}
		<-changed
	}
}
