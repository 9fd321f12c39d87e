// Package server is the websocket endpoint that wsmux clients connect to.
//
// A Server answers requests with registered handlers, keeps per-client
// subscription bookkeeping for the reserved subscribe methods and publishes
// pushes to subscribed clients. It is the reference peer for the client
// packages and backs the wsmuxd daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/wsmux/internal/auth"
	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/protocol/session"
	"github.com/danmuck/wsmux/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrReservedMethod  = errors.New("server: reserved method")
	ErrNilHandler      = errors.New("server: nil handler")
	ErrHelloRequired   = errors.New("server: hello required")
	ErrClientNotFound  = errors.New("server: client not found")
	ErrHandshakeReject = errors.New("server: handshake rejected")
)

// Request is one client call routed to a Handler.
type Request struct {
	Client *Client
	Method string
	Args   []protocol.Value
}

// Handler answers one request. Returning an *Error picks the wire code; any
// other error is reported as CodeInternal.
type Handler func(ctx context.Context, req Request) (protocol.Value, error)

// Error is a handler failure with an explicit wire code.
type Error struct {
	Code    int
	Message string
	Data    *protocol.Value
}

func (e *Error) Error() string {
	return fmt.Sprintf("server: code=%d message=%s", e.Code, e.Message)
}

// InvalidParams is the common handler failure for malformed arguments.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Code: protocol.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// Config configures a Server.
type Config struct {
	// Name labels metrics and log lines.
	Name string
	// Path is the websocket route; defaults to "/ws".
	Path        string
	Validator   auth.Validator
	Session     session.Config
	CORSOrigins []string
	// MaxInFlight bounds concurrently running handlers per client. Further
	// requests wait in the transport until a slot frees up.
	MaxInFlight int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "wsmuxd"
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/ws"
	}
	if c.Validator == nil {
		c.Validator = auth.AllowAll{}
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	c.Session = c.Session.WithDefaults()
	return c
}

type Server struct {
	cfg     Config
	started time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	clients  map[*Client]struct{}

	router *gin.Engine
}

func New(cfg Config) *Server {
	observability.RegisterMetrics()
	s := &Server{
		cfg:      cfg.withDefaults(),
		started:  time.Now(),
		handlers: make(map[string]Handler),
		clients:  make(map[*Client]struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Config() Config { return s.cfg }

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) error {
	method = strings.TrimSpace(method)
	if method == "" || strings.HasPrefix(method, protocol.ReservedPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedMethod, method)
	}
	if h == nil {
		return ErrNilHandler
	}
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
	log.Debug().Msgf("server.Handle registered method=%s", method)
	return nil
}

// Methods lists registered application methods, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handler(method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// ServeTransport runs one client over t until the transport fails or ctx is
// cancelled. The first message must be a hello request; a rejected hello is
// answered and the transport closed.
func (s *Server) ServeTransport(ctx context.Context, t transport.Transport, codec protocol.Codec, remote string) error {
	if codec == nil {
		codec = protocol.JSON()
	}
	defer t.Close()

	c := newClient(s, t, codec, remote)
	if err := c.handshake(ctx); err != nil {
		log.Warn().Msgf("server.ServeTransport handshake failed remote=%s err=%v", remote, err)
		return err
	}

	s.track(c)
	defer s.untrack(c)
	log.Info().Msgf("server.ServeTransport client connected client_id=%s remote=%s", c.ID(), remote)
	err := c.serve(ctx)
	log.Info().Msgf("server.ServeTransport client disconnected client_id=%s remote=%s err=%v", c.ID(), remote, err)
	return err
}

func (s *Server) track(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	observability.AddServerClients(1)
	log.Debug().Msgf("server.track active_clients=%d", n)
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	observability.AddServerClients(-1)
}

// Clients snapshots connected clients ordered by client id.
func (s *Server) Clients() []*Client {
	s.mu.RLock()
	out := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Client returns the connected client that presented id in its hello.
func (s *Server) Client(id string) (*Client, error) {
	for _, c := range s.Clients() {
		if c.ID() == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
}

// Publish sends one push for topic to every client holding at least one
// subscription to it and returns how many clients it reached.
func (s *Server) Publish(ctx context.Context, topic string, args ...protocol.Value) int {
	sent := 0
	for _, c := range s.Clients() {
		if !c.Subscribed(topic) {
			continue
		}
		if err := c.Push(ctx, topic, args...); err != nil {
			log.Debug().Msgf("server.Publish dropped client_id=%s topic=%s err=%v", c.ID(), topic, err)
			continue
		}
		sent++
	}
	log.Trace().Msgf("server.Publish topic=%s clients=%d", topic, sent)
	return sent
}

// Disconnect drops every connected client without a close handshake.
func (s *Server) Disconnect() int {
	clients := s.Clients()
	for _, c := range clients {
		c.Close()
	}
	return len(clients)
}
