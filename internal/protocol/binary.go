package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/wsmux/internal/protocol/frame"
	"github.com/danmuck/wsmux/internal/protocol/schema"
	"github.com/danmuck/wsmux/internal/protocol/tlv"
)

type binaryCodec struct {
	limits frame.Limits
}

// Binary returns the framed TLV codec with default frame limits.
func Binary() Codec { return binaryCodec{limits: frame.DefaultLimits()} }

// BinaryWithLimits returns the framed TLV codec bounded by limits.
func BinaryWithLimits(limits frame.Limits) Codec { return binaryCodec{limits: limits} }

func (binaryCodec) Name() string { return CodecBinary }
func (binaryCodec) Binary() bool { return true }

func (c binaryCodec) Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	h := frame.Header{MessageID: m.ID}
	var fields []tlv.Field
	switch m.Type {
	case TypeRequest, TypePush:
		h.MessageType = schema.MsgRequest
		if m.Type == TypePush {
			h.MessageType = schema.MsgPush
			if m.AckRequested() {
				h.Flags |= frame.FlagAckRequested
			}
		}
		args := m.Args
		if args == nil {
			args = []Value{}
		}
		b, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		fields = []tlv.Field{tlv.String(schema.FieldMethod, m.Method), tlv.Bytes(schema.FieldArgs, b)}
	case TypeResponse:
		h.Flags |= frame.FlagIsResponse
		if m.Error != nil {
			h.MessageType = schema.MsgError
			h.Flags |= frame.FlagIsError
			fields = []tlv.Field{
				tlv.U64(schema.FieldErrorCode, uint64(int64(m.Error.Code))),
				tlv.String(schema.FieldErrorMessage, m.Error.Message),
			}
			if m.Error.Data != nil {
				b, err := m.Error.Data.MarshalJSON()
				if err != nil {
					return nil, err
				}
				fields = append(fields, tlv.Bytes(schema.FieldErrorData, b))
			}
		} else {
			h.MessageType = schema.MsgResponse
			b, err := m.Result.MarshalJSON()
			if err != nil {
				return nil, err
			}
			fields = []tlv.Field{tlv.Bytes(schema.FieldResult, b)}
		}
	}
	return frame.Marshal(frame.Frame{Header: h, Payload: tlv.EncodeFields(fields)}, c.limits)
}

func (c binaryCodec) Decode(b []byte) (Message, error) {
	f, err := frame.Unmarshal(b, c.limits)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	m := Message{ID: f.Header.MessageID}
	switch f.Header.MessageType {
	case schema.MsgRequest, schema.MsgPush:
		m.Type = TypeRequest
		if f.Header.MessageType == schema.MsgPush {
			m.Type = TypePush
		}
		m.Method, _, _ = tlv.GetString(fields, schema.FieldMethod)
		raw, _, _ := tlv.GetBytes(fields, schema.FieldArgs)
		if err := json.Unmarshal(raw, &m.Args); err != nil {
			return Message{}, fmt.Errorf("%w: args: %v", ErrProtocol, err)
		}
	case schema.MsgResponse:
		m.Type = TypeResponse
		raw, _, _ := tlv.GetBytes(fields, schema.FieldResult)
		v, err := ParseJSON(raw)
		if err != nil {
			return Message{}, fmt.Errorf("%w: result: %v", ErrProtocol, err)
		}
		m.Result = v
	case schema.MsgError:
		m.Type = TypeResponse
		code, _, _ := tlv.GetU64(fields, schema.FieldErrorCode)
		msg, _, _ := tlv.GetString(fields, schema.FieldErrorMessage)
		m.Error = &ErrorPayload{Code: int(int64(code)), Message: msg}
		if raw, ok, err := tlv.GetBytes(fields, schema.FieldErrorData); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		} else if ok {
			v, err := ParseJSON(raw)
			if err != nil {
				return Message{}, fmt.Errorf("%w: error data: %v", ErrProtocol, err)
			}
			m.Error.Data = &v
		}
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return m, nil
}
