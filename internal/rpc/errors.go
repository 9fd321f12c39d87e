package rpc

import (
	"errors"
	"fmt"

	"github.com/danmuck/wsmux/internal/protocol"
)

var (
	// ErrConnectionLost fails work outstanding when the transport dies. It is
	// retryable at the connection level.
	ErrConnectionLost = errors.New("rpc: connection lost")
	// ErrConnectionClosed fails work after an explicit Close.
	ErrConnectionClosed    = errors.New("rpc: connection closed")
	ErrInvalidSubscriber   = errors.New("rpc: invalid subscriber")
	ErrDuplicateSubscriber = errors.New("rpc: duplicate subscriber")
	ErrNilCallback         = errors.New("rpc: nil callback")
)

// RPCError is an error payload returned by the server for one call.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    *protocol.Value
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc: %s failed: code=%d message=%s", e.Method, e.Code, e.Message)
}

func newRPCError(method string, p *protocol.ErrorPayload) *RPCError {
	return &RPCError{Method: method, Code: p.Code, Message: p.Message, Data: p.Data}
}

// IsRetryable reports whether err should be resubmitted on a new session.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
