package schema

import (
	"fmt"

	"github.com/danmuck/wsmux/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgRequest  uint32 = 1
	MsgResponse uint32 = 2
	MsgPush     uint32 = 3
	MsgError    uint32 = 4
)

// Field IDs carried in the TLV payload.
const (
	FieldMethod uint16 = 1
	FieldArgs   uint16 = 2
	FieldResult uint16 = 3

	FieldErrorCode    uint16 = 100
	FieldErrorMessage uint16 = 101
	FieldErrorData    uint16 = 102
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgRequest: {
		{FieldMethod, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgResponse: {
		{FieldResult, tlv.TypeBytes},
	},
	MsgPush: {
		{FieldMethod, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgError: {
		{FieldErrorCode, tlv.TypeU64},
		{FieldErrorMessage, tlv.TypeString},
	},
}

// Known reports whether messageType has a registered schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Msgf("schema.Validate ok message_type=%d fields=%d", messageType, len(fields))
	return nil
}
