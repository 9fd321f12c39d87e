package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/wsmux/internal/protocol"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

var (
	ErrInvalidHello    = errors.New("session: invalid hello")
	ErrInvalidHelloAck = errors.New("session: invalid hello ack")
)

// Hello is the client->server handshake carried as the single argument of
// protocol.MethodHello.
type Hello struct {
	Secret   string
	ClientID string
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHello)
	}
	return nil
}

func (h Hello) Args() []protocol.Value {
	fields := map[string]protocol.Value{
		"client_id": protocol.String(h.ClientID),
	}
	if h.Secret != "" {
		fields["secret"] = protocol.String(h.Secret)
	}
	return []protocol.Value{protocol.Map(fields)}
}

// ParseHello reads a Hello from request args.
func ParseHello(args []protocol.Value) (Hello, error) {
	if len(args) != 1 || args[0].Kind() != protocol.KindMap {
		return Hello{}, fmt.Errorf("%w: expected one object argument", ErrInvalidHello)
	}
	var h Hello
	var ok bool
	if h.ClientID, ok = args[0].Field("client_id").AsString(); !ok {
		return Hello{}, fmt.Errorf("%w: client_id must be a string", ErrInvalidHello)
	}
	if v := args[0].Field("secret"); !v.IsNull() {
		if h.Secret, ok = v.AsString(); !ok {
			return Hello{}, fmt.Errorf("%w: secret must be a string", ErrInvalidHello)
		}
	}
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

// HelloAck is the server->client handshake result.
type HelloAck struct {
	Status      string
	Code        uint32
	Message     string
	ClientID    string
	TimestampMS uint64
}

func (a HelloAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

func (a HelloAck) Value() protocol.Value {
	return protocol.Map(map[string]protocol.Value{
		"status":       protocol.String(a.Status),
		"code":         protocol.Int(int64(a.Code)),
		"message":      protocol.String(a.Message),
		"client_id":    protocol.String(a.ClientID),
		"timestamp_ms": protocol.Int(int64(a.TimestampMS)),
	})
}

// ParseHelloAck reads a HelloAck from a call result.
func ParseHelloAck(v protocol.Value) (HelloAck, error) {
	if v.Kind() != protocol.KindMap {
		return HelloAck{}, fmt.Errorf("%w: expected object, got %s", ErrInvalidHelloAck, v.Kind())
	}
	var a HelloAck
	a.Status, _ = v.Field("status").AsString()
	a.Message, _ = v.Field("message").AsString()
	a.ClientID, _ = v.Field("client_id").AsString()
	if code, ok := v.Field("code").AsInt(); ok && code >= 0 {
		a.Code = uint32(code)
	}
	if ts, ok := v.Field("timestamp_ms").AsInt(); ok && ts > 0 {
		a.TimestampMS = uint64(ts)
	}
	if err := a.Validate(); err != nil {
		return HelloAck{}, err
	}
	return a, nil
}
