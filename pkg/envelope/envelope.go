// Package envelope is the wire format shared by every real-time event.
//
// An envelope is a flat JSON object:
//
//	{"v":1,"type":"message_sent","conversationId":"a_b","userId":"a","createdAt":1700000000000,"payload":{...}}
//
// Decoding never fails loudly: anything that is not a well-formed envelope
// for the active conversation comes back as an ErrParse-wrapped error and the
// caller drops it.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/message"
)

const Version = 1

type Type string

const (
	MessageSent Type = "message_sent"
	MessageRead Type = "message_read"
	TypingStart Type = "typing_start"
	TypingStop  Type = "typing_stop"

	// MessageDelivered is emitted once a recipient's stream has written a
	// message. Consumers that predate it ignore it as an unknown type.
	MessageDelivered Type = "message_delivered"
)

var (
	ErrNotObject           = errors.New("not a JSON object")
	ErrUnknownType         = errors.New("unknown envelope type")
	ErrUnsupportedVersion  = errors.New("unsupported envelope version")
	ErrForeignConversation = errors.New("envelope belongs to another conversation")
)

func (t Type) Known() bool {
	switch t {
	case MessageSent, MessageRead, TypingStart, TypingStop, MessageDelivered:
		return true
	}
	return false
}

type Envelope struct {
	V              int             `json:"v"`
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversationId"`
	UserID         string          `json:"userId,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ReadReceipt is the payload of a message_read envelope.
type ReadReceipt struct {
	ReadAt int64 `json:"readAt"`
}

// Delivery is the payload of a message_delivered envelope.
type Delivery struct {
	MessageID string `json:"messageId"`
}

// New builds an envelope stamped with createdAt. A nil payload is omitted.
func New(t Type, conversationID, userID string, createdAt time.Time, payload any) (Envelope, error) {
	env := Envelope{
		V:              Version,
		Type:           t,
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      createdAt.UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// ForMessage wraps a stored message into a message_sent envelope.
func ForMessage(m message.Message) (Envelope, error) {
	return New(MessageSent, m.ConversationID, m.FromUserID, time.UnixMilli(m.CreatedAt), m)
}

func Encode(env Envelope) ([]byte, error) {
	if env.V == 0 {
		env.V = Version
	}
	return json.Marshal(env)
}

// Decode parses one frame received on the stream for conversationID.
func Decode(data []byte, conversationID string) (Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Envelope{}, apperr.Parse("decode envelope", ErrNotObject)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, apperr.Parse("decode envelope", err)
	}

	if _, hasType := fields["type"]; !hasType {
		return decodeBareMessage(data, fields, conversationID)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, apperr.Parse("decode envelope", err)
	}
	if env.V != 0 && env.V != Version {
		return Envelope{}, apperr.Parse(fmt.Sprintf("envelope v%d", env.V), ErrUnsupportedVersion)
	}
	if !env.Type.Known() {
		return Envelope{}, apperr.Parse(fmt.Sprintf("envelope type %q", env.Type), ErrUnknownType)
	}
	if env.ConversationID != conversationID {
		return Envelope{}, apperr.Parse("decode envelope", ErrForeignConversation)
	}
	if bytes.Equal(env.Payload, []byte("null")) {
		env.Payload = nil
	}
	if len(env.Payload) > 0 && env.Payload[0] != '{' {
		return Envelope{}, apperr.Parse("envelope payload", ErrNotObject)
	}
	env.V = Version
	return env, nil
}

// decodeBareMessage accepts the legacy shape where the server pushed the
// stored message object itself instead of an envelope.
func decodeBareMessage(data []byte, fields map[string]json.RawMessage, conversationID string) (Envelope, error) {
	if _, ok := fields["_id"]; !ok {
		return Envelope{}, apperr.Parse("decode envelope", ErrUnknownType)
	}
	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, apperr.Parse("decode bare message", err)
	}
	if m.ConversationID != conversationID {
		return Envelope{}, apperr.Parse("decode bare message", ErrForeignConversation)
	}
	return Envelope{
		V:              Version,
		Type:           MessageSent,
		ConversationID: m.ConversationID,
		UserID:         m.FromUserID,
		CreatedAt:      m.CreatedAt,
		Payload:        json.RawMessage(data),
	}, nil
}

// MessageOf extracts the message carried by a message_sent envelope.
func MessageOf(env Envelope) (message.Message, error) {
	var m message.Message
	if env.Type != MessageSent {
		return m, apperr.Parse(fmt.Sprintf("envelope type %q carries no message", env.Type), ErrUnknownType)
	}
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return m, apperr.Parse("decode message payload", err)
	}
	if m.ID == "" {
		return m, apperr.Parse("decode message payload", errors.New("missing message id"))
	}
	if m.ConversationID == "" {
		m.ConversationID = env.ConversationID
	}
	return m, nil
}

// ReadOf extracts the read timestamp of a message_read envelope, falling back
// to the envelope's own createdAt.
func ReadOf(env Envelope) (ReadReceipt, error) {
	r := ReadReceipt{ReadAt: env.CreatedAt}
	if len(env.Payload) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		return r, apperr.Parse("decode read payload", err)
	}
	if r.ReadAt == 0 {
		r.ReadAt = env.CreatedAt
	}
	return r, nil
}

func DeliveredOf(env Envelope) (Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		return d, apperr.Parse("decode delivery payload", err)
	}
	if d.MessageID == "" {
		return d, apperr.Parse("decode delivery payload", errors.New("missing message id"))
	}
	return d, nil
}
