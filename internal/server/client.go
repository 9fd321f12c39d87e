package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/protocol/session"
	"github.com/danmuck/wsmux/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// helloRejectedCode is carried in a rejected HelloAck.
const helloRejectedCode = 401

// Client is one greeted connection on a Server.
type Client struct {
	srv       *Server
	t         transport.Transport
	codec     protocol.Codec
	remote    string
	id        string
	connected time.Time

	sending sync.Mutex

	mu         sync.Mutex
	topics     map[string]map[string]struct{}
	lastPushID uint64
	acks       map[uint64]chan protocol.Message
}

func newClient(srv *Server, t transport.Transport, codec protocol.Codec, remote string) *Client {
	return &Client{
		srv:       srv,
		t:         t,
		codec:     codec,
		remote:    remote,
		connected: time.Now(),
		topics:    make(map[string]map[string]struct{}),
		acks:      make(map[uint64]chan protocol.Message),
	}
}

// ID is the client id presented in the hello.
func (c *Client) ID() string             { return c.id }
func (c *Client) Remote() string         { return c.remote }
func (c *Client) ConnectedAt() time.Time { return c.connected }
func (c *Client) Codec() protocol.Codec  { return c.codec }
func (c *Client) Close()                 { _ = c.t.Close() }
func (c *Client) Done() <-chan struct{}  { return c.t.Done() }

func (c *Client) write(ctx context.Context, m protocol.Message) error {
	b, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.t.Send(ctx, b)
}

func (c *Client) handshake(ctx context.Context) error {
	timer := time.AfterFunc(c.srv.cfg.Session.HandshakeTimeout, func() { _ = c.t.Close() })
	b, err := c.t.Receive()
	if !timer.Stop() {
		return fmt.Errorf("%w: timed out", ErrHelloRequired)
	}
	if err != nil {
		return err
	}
	msg, err := c.codec.Decode(b)
	if err != nil {
		observability.RecordProtocolError("server")
		return fmt.Errorf("%w: %v", ErrHelloRequired, err)
	}
	if msg.Type != protocol.TypeRequest || msg.Method != protocol.MethodHello {
		if msg.Type == protocol.TypeRequest {
			_ = c.write(ctx, protocol.NewError(msg.ID, protocol.CodeInvalidRequest, "hello required"))
		}
		return fmt.Errorf("%w: got %s method=%q", ErrHelloRequired, msg.Type, msg.Method)
	}

	hello, err := session.ParseHello(msg.Args)
	if err != nil {
		observability.RecordServerRequest(protocol.MethodHello, "invalid")
		_ = c.write(ctx, protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error()))
		return err
	}
	ack := session.HelloAck{
		ClientID:    hello.ClientID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err := c.srv.cfg.Validator.Validate(hello.Secret); err != nil {
		ack.Status = session.AckStatusRejected
		ack.Code = helloRejectedCode
		ack.Message = "unauthorized"
		observability.RecordServerRequest(protocol.MethodHello, "rejected")
		_ = c.write(ctx, protocol.NewResult(msg.ID, ack.Value()))
		return fmt.Errorf("%w: client_id=%s: %v", ErrHandshakeReject, hello.ClientID, err)
	}
	ack.Status = session.AckStatusAccepted
	ack.Message = "welcome"
	c.id = hello.ClientID
	observability.RecordServerRequest(protocol.MethodHello, "ok")
	return c.write(ctx, protocol.NewResult(msg.ID, ack.Value()))
}

func (c *Client) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	inflight := semaphore.NewWeighted(int64(c.srv.cfg.MaxInFlight))
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = c.t.Close()
		case <-c.t.Done():
		}
	}()

	for {
		b, err := c.t.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			select {
			case <-c.t.Done():
				return nil
			default:
			}
			return err
		}
		msg, err := c.codec.Decode(b)
		if err != nil {
			observability.RecordProtocolError("server")
			log.Warn().Msgf("server.Client dropped malformed message client_id=%s err=%v", c.id, err)
			continue
		}
		switch msg.Type {
		case protocol.TypeRequest:
			switch msg.Method {
			case protocol.MethodSubscribe, protocol.MethodUnsubscribe:
				c.subscription(ctx, msg)
			case protocol.MethodHello:
				observability.RecordServerRequest(msg.Method, "invalid")
				_ = c.write(ctx, protocol.NewError(msg.ID, protocol.CodeInvalidRequest, "already greeted"))
			default:
				if err := inflight.Acquire(ctx, 1); err != nil {
					return nil
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer inflight.Release(1)
					c.call(ctx, msg)
				}()
			}
		case protocol.TypeResponse:
			c.resolveAck(msg)
		default:
			log.Debug().Msgf("server.Client ignoring %s client_id=%s method=%s", msg.Type, c.id, msg.Method)
		}
	}
}

func (c *Client) call(ctx context.Context, msg protocol.Message) {
	h, ok := c.srv.handler(msg.Method)
	if !ok {
		observability.RecordServerRequest("unknown", "not_found")
		_ = c.write(ctx, protocol.NewError(msg.ID, protocol.CodeMethodNotFound, "method not found: "+msg.Method))
		return
	}
	result, err := invoke(ctx, h, Request{Client: c, Method: msg.Method, Args: msg.Args})
	reply := protocol.NewResult(msg.ID, result)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var he *Error
		if errors.As(err, &he) {
			reply = protocol.NewError(msg.ID, he.Code, he.Message)
			reply.Error.Data = he.Data
		} else {
			reply = protocol.NewError(msg.ID, protocol.CodeInternal, err.Error())
		}
	}
	observability.RecordServerRequest(msg.Method, outcome)
	if err := c.write(ctx, reply); err != nil {
		log.Debug().Msgf("server.Client reply failed client_id=%s id=%d err=%v", c.id, msg.ID, err)
	}
}

func invoke(ctx context.Context, h Handler, req Request) (result protocol.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("server.Client handler panic method=%s panic=%v", req.Method, r)
			result, err = protocol.Null(), fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req)
}

func (c *Client) subscription(ctx context.Context, msg protocol.Message) {
	topic, key, err := subscriptionArgs(msg.Args)
	if err != nil {
		observability.RecordServerRequest(msg.Method, "invalid")
		_ = c.write(ctx, protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error()))
		return
	}
	c.mu.Lock()
	var changed bool
	if msg.Method == protocol.MethodSubscribe {
		keys := c.topics[topic]
		if keys == nil {
			keys = make(map[string]struct{})
			c.topics[topic] = keys
		}
		_, had := keys[key]
		keys[key] = struct{}{}
		changed = !had
	} else if keys, ok := c.topics[topic]; ok {
		_, changed = keys[key]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.topics, topic)
		}
	}
	c.mu.Unlock()
	observability.RecordServerRequest(msg.Method, "ok")
	log.Debug().Msgf("server.Client %s client_id=%s topic=%s key=%s changed=%v", msg.Method, c.id, topic, key, changed)
	_ = c.write(ctx, protocol.NewResult(msg.ID, protocol.Bool(changed)))
}

func subscriptionArgs(args []protocol.Value) (string, string, error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("expected [topic, key], got %d args", len(args))
	}
	topic, ok := args[0].AsString()
	if !ok || strings.TrimSpace(topic) == "" {
		return "", "", errors.New("topic must be a non-empty string")
	}
	key, ok := args[1].AsString()
	if !ok || strings.TrimSpace(key) == "" {
		return "", "", errors.New("key must be a non-empty string")
	}
	return topic, key, nil
}

// Subscribed reports whether the client holds any subscription to topic.
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics[topic]) > 0
}

// Subscribers counts the client's subscriptions to topic.
func (c *Client) Subscribers(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics[topic])
}

// Topics lists topics with at least one subscription, sorted.
func (c *Client) Topics() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Push sends one fire-and-forget push.
func (c *Client) Push(ctx context.Context, topic string, args ...protocol.Value) error {
	if err := c.write(ctx, protocol.NewPush(topic, args...)); err != nil {
		return err
	}
	observability.RecordServerPush(topic)
	return nil
}

// PushAck sends a push that asks for an acknowledgement and waits for the
// client's reply.
func (c *Client) PushAck(ctx context.Context, topic string, args ...protocol.Value) (protocol.Value, error) {
	c.mu.Lock()
	c.lastPushID++
	id := c.lastPushID
	ch := make(chan protocol.Message, 1)
	c.acks[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	m := protocol.NewPush(topic, args...)
	m.ID = id
	if err := c.write(ctx, m); err != nil {
		return protocol.Null(), err
	}
	observability.RecordServerPush(topic)

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return protocol.Null(), &Error{Code: reply.Error.Code, Message: reply.Error.Message, Data: reply.Error.Data}
		}
		return reply.Result, nil
	case <-ctx.Done():
		return protocol.Null(), ctx.Err()
	case <-c.t.Done():
		return protocol.Null(), transport.ErrClosed
	}
}

func (c *Client) resolveAck(msg protocol.Message) {
	c.mu.Lock()
	ch, ok := c.acks[msg.ID]
	delete(c.acks, msg.ID)
	c.mu.Unlock()
	if !ok {
		log.Debug().Msgf("server.Client unmatched push ack client_id=%s id=%d", c.id, msg.ID)
		return
	}
	ch <- msg
}
