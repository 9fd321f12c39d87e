package protocol

import (
	"fmt"
	"strings"
)

// Codec converts Messages to and from single websocket payloads.
type Codec interface {
	Name() string
	// Binary reports whether payloads travel as binary websocket frames.
	Binary() bool
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

const (
	CodecJSON   = "json"
	CodecBinary = "binary"
)

// CodecByName resolves "json" (default when empty) or "binary".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSON(), nil
	case CodecBinary:
		return Binary(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
