package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned when a frame is not a valid envelope.
	// It is a per-message protocol error; the connection stays usable.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrEmptyPayload is returned by Decode on messages without a payload.
	ErrEmptyPayload = errors.New("empty payload")
)

// envelope is the JSON shape of a message on the wire.
type envelope struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     uint64          `json:"timestamp"`
	Sender        string          `json:"sender"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	HasBinary     bool            `json:"has_binary,omitempty"`
	BinarySize    int             `json:"binary_size,omitempty"`
}

// Serialize encodes msg as a JSON envelope.
//
// Payloads that are valid JSON objects or arrays are nested as-is; any other
// payload is carried as a JSON string. Binary bytes are not included, only the
// has_binary and binary_size markers.
func Serialize(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("serialize: %w", ErrMalformedMessage)
	}
	env := envelope{
		Type:          msg.Type.String(),
		ID:            msg.ID,
		CorrelationID: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Sender:        msg.SenderID,
	}
	if len(msg.Payload) > 0 {
		if isStructured(msg.Payload) && json.Valid(msg.Payload) {
			env.Payload = json.RawMessage(msg.Payload)
		} else {
			quoted, err := json.Marshal(string(msg.Payload))
			if err != nil {
				return nil, err
			}
			env.Payload = quoted
		}
	}
	if len(msg.Binary) > 0 {
		env.HasBinary = true
		env.BinarySize = len(msg.Binary)
	}
	return json.Marshal(env)
}

// Deserialize decodes a JSON envelope. It is the inverse of Serialize; the
// binary bytes, if any, must be attached by the caller.
func Deserialize(data []byte) (*Message, error) {
	msg, _, err := DecodeEnvelope(data)
	return msg, err
}

// DecodeEnvelope decodes a JSON envelope and also returns the size of the
// binary payload announced by the envelope (0 when none follows).
//
// Unknown type names decode to MsgError rather than failing.
func DecodeEnvelope(data []byte) (*Message, int, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return nil, 0, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if env.BinarySize < 0 {
		return nil, 0, fmt.Errorf("%w: negative binary_size", ErrMalformedMessage)
	}

	t, _ := ParseMessageType(env.Type)
	msg := &Message{
		Type:          t,
		ID:            env.ID,
		CorrelationID: env.CorrelationID,
		Timestamp:     env.Timestamp,
		SenderID:      env.Sender,
	}

	payload := bytes.TrimSpace(env.Payload)
	switch {
	case len(payload) == 0 || bytes.Equal(payload, []byte("null")):
	case payload[0] == '"':
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, 0, fmt.Errorf("%w: payload: %v", ErrMalformedMessage, err)
		}
		msg.Payload = []byte(s)
	default:
		msg.Payload = []byte(payload)
	}

	size := 0
	if env.HasBinary {
		size = env.BinarySize
	}
	return msg, size, nil
}

func isStructured(p []byte) bool {
	p = bytes.TrimSpace(p)
	return len(p) > 0 && (p[0] == '{' || p[0] == '[')
}
