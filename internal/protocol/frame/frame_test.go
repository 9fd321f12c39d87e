package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/wsmux/internal/protocol/tlv"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "echo")})
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 1, Flags: FlagIsResponse},
		Payload: payload,
	}
	b, err := Marshal(in, DefaultLimits())
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	out, err := Unmarshal(b, DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Version != Version {
		t.Fatalf("magic/version not stamped: %+v", out.Header)
	}
	if out.Header.MessageType != 1 || out.Header.MessageID != 42 || out.Header.Flags != FlagIsResponse {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagic(t *testing.T) {
	buf := EncodeHeader(Header{Magic: 0xEDCE1001, Version: Version, HeaderLen: FixedHeaderLen})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameRejectsUnknownVersion(t *testing.T) {
	buf := EncodeHeader(Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrUnsupportedVer) {
		t.Fatalf("expected ErrUnsupportedVer, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: 8, MessageID: 1, MessageType: 1})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameSkipsHeaderExtension(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen + 4, MessageID: 5, MessageType: 3, PayloadLen: 2}
	buf := append(EncodeHeader(h), 0xde, 0xad, 0xbe, 0xef, 'o', 'k')
	f, err := Unmarshal(buf, DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal with extension: %v", err)
	}
	if string(f.Payload) != "ok" {
		t.Fatalf("unexpected payload %q", f.Payload)
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	b, err := Marshal(Frame{Header: Header{MessageID: 1, MessageType: 1}}, DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = Unmarshal(append(b, 0x00), DefaultLimits())
	if !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestPayloadLimitEnforced(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 4}
	if _, err := Marshal(Frame{Payload: []byte("too long")}, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
	b, err := Marshal(Frame{Payload: []byte("too long")}, DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Unmarshal(b, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on read, got %v", err)
	}
}
