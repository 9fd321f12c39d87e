package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/wsmux/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Subprotocols advertised during the upgrade; the server picks the codec from
// the negotiated value.
const (
	SubprotocolJSON   = "wsmux.json"
	SubprotocolBinary = "wsmux.binary"
)

// Options tunes one websocket adapter.
type Options struct {
	Binary       bool
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

// OptionsFromConfig derives adapter options from session reliability config.
func OptionsFromConfig(cfg session.Config, binary bool) Options {
	cfg = cfg.WithDefaults()
	return Options{
		Binary:       binary,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		PingInterval: cfg.PingInterval,
		ReadLimit:    cfg.ReadLimit,
	}
}

// WebSocket adapts a gorilla websocket connection to Transport.
type WebSocket struct {
	conn *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWebSocket(conn *websocket.Conn, opts Options) *WebSocket {
	ws := &WebSocket{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	if opts.PingInterval > 0 && opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PingInterval + opts.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PingInterval + opts.ReadTimeout))
		})
		go ws.pingLoop()
	}
	return ws
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.writeTimeout())
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Msgf("transport.WebSocket ping failed remote=%s err=%v", w.conn.RemoteAddr(), err)
				w.shutdown()
				return
			}
		}
	}
}

func (w *WebSocket) writeTimeout() time.Duration {
	if w.opts.WriteTimeout > 0 {
		return w.opts.WriteTimeout
	}
	return 15 * time.Second
}

// Subprotocol returns the negotiated websocket subprotocol, if any.
func (w *WebSocket) Subprotocol() string {
	return w.conn.Subprotocol()
}

func (w *WebSocket) Send(ctx context.Context, msg []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline := time.Now().Add(w.writeTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	mt := websocket.TextMessage
	if w.opts.Binary {
		mt = websocket.BinaryMessage
	}
	if err := w.conn.WriteMessage(mt, msg); err != nil {
		w.shutdown()
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (w *WebSocket) Receive() ([]byte, error) {
	for {
		mt, msg, err := w.conn.ReadMessage()
		if err != nil {
			w.shutdown()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if w.opts.PingInterval > 0 && w.opts.ReadTimeout > 0 {
			_ = w.conn.SetReadDeadline(time.Now().Add(w.opts.PingInterval + w.opts.ReadTimeout))
		}
		return msg, nil
	}
}

// Close sends a normal close frame and releases the socket.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = w.conn.Close()
		close(w.done)
	})
	return err
}

func (w *WebSocket) shutdown() {
	w.closeOnce.Do(func() {
		_ = w.conn.Close()
		close(w.done)
	})
}

func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

// Dial opens a client websocket. tlsCfg is used for wss:// targets.
func Dial(ctx context.Context, url string, opts Options, tlsCfg *tls.Config) (*WebSocket, error) {
	sub := SubprotocolJSON
	if opts.Binary {
		sub = SubprotocolBinary
	}
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsCfg,
		Subprotocols:     []string{sub},
	}
	if deadline, ok := ctx.Deadline(); ok {
		d.HandshakeTimeout = time.Until(deadline)
	}
	conn, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: status=%d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	log.Debug().Msgf("transport.Dial connected url=%s subprotocol=%q", url, conn.Subprotocol())
	return newWebSocket(conn, opts), nil
}

// WebSocketDialer dials websocket transports under a session policy.
type WebSocketDialer struct {
	Config session.Config
	Binary bool
}

func (d WebSocketDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	cfg := d.Config.WithDefaults()
	if err := cfg.ValidateClientTransport(rawURL); err != nil {
		return nil, err
	}
	u, secure, err := session.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	var tlsCfg *tls.Config
	if secure {
		tlsCfg, err = cfg.ClientTLSConfig(u.Hostname())
		if err != nil {
			return nil, err
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	ws, err := Dial(dialCtx, rawURL, OptionsFromConfig(cfg, d.Binary), tlsCfg)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{SubprotocolJSON, SubprotocolBinary},
}

// Upgrade adapts a server-side HTTP request. A client that negotiated
// SubprotocolBinary gets binary frames regardless of opts.Binary.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Msgf("transport.Upgrade problem initiating websocket remote=%s err=%v", r.RemoteAddr, err)
		return nil, err
	}
	switch conn.Subprotocol() {
	case SubprotocolBinary:
		opts.Binary = true
	case SubprotocolJSON:
		opts.Binary = false
	}
	return newWebSocket(conn, opts), nil
}
