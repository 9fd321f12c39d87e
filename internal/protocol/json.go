package protocol

import (
	"encoding/json"
	"fmt"
)

type jsonEnvelope struct {
	Version string          `json:"wsmux"`
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    []Value         `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

type jsonCodec struct{}

// JSON returns the text envelope codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return CodecJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	env := jsonEnvelope{
		Version: Version,
		Type:    m.Type.String(),
		ID:      m.ID,
		Method:  m.Method,
		Args:    m.Args,
	}
	if m.Type == TypeResponse {
		if m.Error != nil {
			env.Error = m.Error
		} else {
			b, err := m.Result.MarshalJSON()
			if err != nil {
				return nil, err
			}
			env.Result = b
		}
	}
	if (m.Type == TypeRequest || m.Type == TypePush) && env.Args == nil {
		env.Args = []Value{}
	}
	return json.Marshal(env)
}

func (jsonCodec) Decode(b []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.Version != Version {
		return Message{}, fmt.Errorf("%w: %w: %q", ErrProtocol, ErrUnsupportedVersion, env.Version)
	}
	mt, err := parseMessageType(env.Type)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	m := Message{
		Type:   mt,
		ID:     env.ID,
		Method: env.Method,
		Args:   env.Args,
		Error:  env.Error,
	}
	if mt == TypeResponse && env.Error == nil && len(env.Result) > 0 {
		v, err := ParseJSON(env.Result)
		if err != nil {
			return Message{}, fmt.Errorf("%w: result: %v", ErrProtocol, err)
		}
		m.Result = v
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return m, nil
}
