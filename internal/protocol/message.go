// Package protocol defines the coordinator/worker wire protocol: the closed
// catalog of message types, the message envelope, and the payloads carried by
// each message.
//
// Every message travels as a JSON envelope (see Serialize). Binary payloads,
// used for artifact and file transfer, are not inlined into the JSON; the
// envelope only carries a has_binary/binary_size marker and the transport
// delivers the raw bytes alongside.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of a protocol message.
type MessageType int

// Message catalog, grouped by protocol phase.
const (
	// MsgError is also the type unknown wire names decode to.
	MsgError MessageType = iota

	// Handshake
	MsgHello
	MsgWelcome
	MsgGoodbye

	// Authentication
	MsgAuthChallenge
	MsgAuthResponse
	MsgAuthSuccess
	MsgAuthFailed

	// Health
	MsgHeartbeat
	MsgHeartbeatAck
	MsgStatusUpdate

	// Job lifecycle
	MsgJobRequest
	MsgJobAccept
	MsgJobReject
	MsgJobProgress
	MsgJobComplete
	MsgJobFailed
	MsgJobCancel
	MsgJobCancelled

	// Artifacts
	MsgArtifactRequest
	MsgArtifactResponse
	MsgArtifactPush
	MsgArtifactAck

	// File transfer
	MsgFileTransferStart
	MsgFileChunk
	MsgFileTransferEnd
	MsgFileTransferAck

	// Control
	MsgShutdown
)

var messageTypeNames = map[MessageType]string{
	MsgError:             "ERROR",
	MsgHello:             "HELLO",
	MsgWelcome:           "WELCOME",
	MsgGoodbye:           "GOODBYE",
	MsgAuthChallenge:     "AUTH_CHALLENGE",
	MsgAuthResponse:      "AUTH_RESPONSE",
	MsgAuthSuccess:       "AUTH_SUCCESS",
	MsgAuthFailed:        "AUTH_FAILED",
	MsgHeartbeat:         "HEARTBEAT",
	MsgHeartbeatAck:      "HEARTBEAT_ACK",
	MsgStatusUpdate:      "STATUS_UPDATE",
	MsgJobRequest:        "JOB_REQUEST",
	MsgJobAccept:         "JOB_ACCEPT",
	MsgJobReject:         "JOB_REJECT",
	MsgJobProgress:       "JOB_PROGRESS",
	MsgJobComplete:       "JOB_COMPLETE",
	MsgJobFailed:         "JOB_FAILED",
	MsgJobCancel:         "JOB_CANCEL",
	MsgJobCancelled:      "JOB_CANCELLED",
	MsgArtifactRequest:   "ARTIFACT_REQUEST",
	MsgArtifactResponse:  "ARTIFACT_RESPONSE",
	MsgArtifactPush:      "ARTIFACT_PUSH",
	MsgArtifactAck:       "ARTIFACT_ACK",
	MsgFileTransferStart: "FILE_TRANSFER_START",
	MsgFileChunk:         "FILE_CHUNK",
	MsgFileTransferEnd:   "FILE_TRANSFER_END",
	MsgFileTransferAck:   "FILE_TRANSFER_ACK",
	MsgShutdown:          "SHUTDOWN",
}

var messageTypesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(messageTypeNames))
	for t, name := range messageTypeNames {
		m[name] = t
	}
	return m
}()

// String returns the wire name of the message type.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// ParseMessageType maps a wire name to its MessageType. Unknown names map to
// MsgError and ok=false so newer peers degrade instead of failing.
func ParseMessageType(name string) (MessageType, bool) {
	t, ok := messageTypesByName[name]
	if !ok {
		return MsgError, false
	}
	return t, true
}

// Message is one wire unit exchanged between the coordinator and a worker.
//
// A response always carries the originating request's ID in CorrelationID.
// Job lifecycle messages sent by workers use the job ID as CorrelationID.
type Message struct {
	Type          MessageType
	ID            string
	CorrelationID string
	Timestamp     uint64 // milliseconds since the Unix epoch
	SenderID      string

	// Payload is either a JSON object/array or an opaque string.
	Payload []byte

	// Binary travels out-of-band of the JSON envelope.
	Binary []byte
}

// NewMessage builds a message with a fresh ID and the current timestamp. A
// non-nil payload is marshaled to JSON; []byte and string payloads are used
// verbatim.
func NewMessage(t MessageType, sender string, payload any) (*Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return &Message{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: NowMillis(),
		SenderID:  sender,
		Payload:   raw,
	}, nil
}

// NewResponse builds a message answering req: its CorrelationID is req.ID.
func NewResponse(req *Message, t MessageType, sender string, payload any) (*Message, error) {
	msg, err := NewMessage(t, sender, payload)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = req.ID
	return msg, nil
}

// NewErrorMessage builds an ERROR message, correlated to req when req is non-nil.
func NewErrorMessage(req *Message, sender string, code, text string) *Message {
	msg := &Message{
		Type:      MsgError,
		ID:        uuid.NewString(),
		Timestamp: NowMillis(),
		SenderID:  sender,
	}
	msg.Payload, _ = json.Marshal(ErrorPayload{Code: code, Message: text})
	if req != nil {
		msg.CorrelationID = req.ID
	}
	return msg
}

// Decode unmarshals the structured payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: %w", m.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", m.Type, err)
	}
	return nil
}

// HasBinary reports whether the message carries an out-of-band binary payload.
func (m *Message) HasBinary() bool {
	return len(m.Binary) > 0
}

// Time returns the message timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(int64(m.Timestamp))
}

// NowMillis returns the current time in milliseconds since the Unix epoch.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
