package protocol

import (
	"fmt"
	"strings"
)

// Version is the JSON envelope version tag.
const Version = "1.0"

// MessageType discriminates wire envelopes.
type MessageType uint8

const (
	TypeRequest MessageType = iota + 1
	TypeResponse
	TypePush
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypePush:
		return "push"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func parseMessageType(s string) (MessageType, error) {
	switch strings.ToLower(s) {
	case "request":
		return TypeRequest, nil
	case "response":
		return TypeResponse, nil
	case "push":
		return TypePush, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// ErrorPayload is the error half of a Response.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *Value `json:"data,omitempty"`
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("code=%d message=%s", e.Code, e.Message)
}

// Message is one wire envelope.
//
// Request carries ID, Method and Args. Response carries ID and either Result
// or Error. Push carries Method and Args; a non-zero ID asks the receiver to
// acknowledge with a Response.
type Message struct {
	Type   MessageType
	ID     uint64
	Method string
	Args   []Value
	Result Value
	Error  *ErrorPayload
}

func NewRequest(id uint64, method string, args ...Value) Message {
	return Message{Type: TypeRequest, ID: id, Method: method, Args: args}
}

func NewResult(id uint64, result Value) Message {
	return Message{Type: TypeResponse, ID: id, Result: result}
}

func NewError(id uint64, code int, message string) Message {
	return Message{Type: TypeResponse, ID: id, Error: &ErrorPayload{Code: code, Message: message}}
}

func NewPush(method string, args ...Value) Message {
	return Message{Type: TypePush, Method: method, Args: args}
}

// AckRequested reports whether a push expects a Response.
func (m Message) AckRequested() bool {
	return m.Type == TypePush && m.ID != 0
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeRequest:
		if m.ID == 0 {
			return fmt.Errorf("%w: request", ErrMissingID)
		}
		if m.Method == "" {
			return fmt.Errorf("%w: request id=%d", ErrMissingMethod, m.ID)
		}
	case TypeResponse:
		if m.ID == 0 {
			return fmt.Errorf("%w: response", ErrMissingID)
		}
	case TypePush:
		if m.Method == "" {
			return fmt.Errorf("%w: push", ErrMissingMethod)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, m.Type)
	}
	return nil
}
