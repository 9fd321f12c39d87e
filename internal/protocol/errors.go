package protocol

import "errors"

// ErrProtocol marks malformed or unparseable wire messages. Every decode
// failure wraps it.
var ErrProtocol = errors.New("protocol: malformed message")

var (
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnknownKind        = errors.New("protocol: unknown message kind")
	ErrMissingMethod      = errors.New("protocol: missing method")
	ErrMissingID          = errors.New("protocol: missing id")
	ErrUnknownCodec       = errors.New("protocol: unknown codec")
)
