// Package protocol defines the JSON messages exchanged between the input bridge
// and the remote controller.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MessageType defines the type of a channel message
type MessageType string

const (
	// TypeKeyDown is sent once when a logical key becomes held. No reply.
	TypeKeyDown MessageType = "key_down"

	// TypeKeyUp is sent once when a held logical key is released. No reply.
	TypeKeyUp MessageType = "key_up"

	// TypeTestConnection asks the remote to echo back a latency measurement
	TypeTestConnection MessageType = "test_connection"

	// TypeGetStatus asks the remote for its server status
	TypeGetStatus MessageType = "get_status"

	// TypeSendKey delivers a single key press and expects an acknowledgement
	TypeSendKey MessageType = "send_key"

	// TypeSendKeyBatch delivers several key presses at once
	TypeSendKeyBatch MessageType = "send_key_batch"

	// TypeWelcome is sent by the remote right after the channel opens
	TypeWelcome MessageType = "welcome"

	// TypeHeartbeat is sent periodically by the remote
	TypeHeartbeat MessageType = "heartbeat"

	// TypeError is sent by the remote when it cannot process a message
	TypeError MessageType = "error"

	// TypeKeyReceived is broadcast by the remote after a single key press is applied
	TypeKeyReceived MessageType = "key_received"

	// TypeKeysBatch is broadcast by the remote after a batch of key presses is applied
	TypeKeysBatch MessageType = "keys_batch"
)

const responseSuffix = "_response"

// Response returns the reply type the remote uses for a request of type t.
func (t MessageType) Response() MessageType {
	return t + responseSuffix
}

// IsResponse reports whether t is a reply type.
func (t MessageType) IsResponse() bool {
	return strings.HasSuffix(string(t), responseSuffix)
}

// ExpectsReply reports whether requests of type t are answered by the remote.
func (t MessageType) ExpectsReply() bool {
	switch t {
	case TypeTestConnection, TypeGetStatus, TypeSendKey, TypeSendKeyBatch:
		return true
	}
	return false
}

// Message is one message on the channel. On the wire it is a flat JSON
// object: the payload fields sit next to "type" and "request_id".
// RequestID is zero for uncorrelated messages; the remote echoes it verbatim in replies.
type Message struct {
	Type      MessageType
	RequestID uint64

	// Payload holds the message's JSON object. Decoded messages keep the
	// whole object, envelope fields included.
	Payload json.RawMessage
}

var (
	ErrMissingType = errors.New("protocol: message has no type")
	ErrNotObject   = errors.New("protocol: payload is not a JSON object")
)

// NewMessage builds a message whose fields are taken from payload, which
// must marshal to a JSON object.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return Message{}, fmt.Errorf("%s: %w", t, ErrNotObject)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &fields); err != nil {
			return nil, fmt.Errorf("%s: %w", m.Type, ErrNotObject)
		}
	}
	typ, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	delete(fields, "request_id")
	if m.RequestID != 0 {
		fields["request_id"] = json.RawMessage(strconv.FormatUint(m.RequestID, 10))
	}
	return json.Marshal(fields)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		Type      MessageType `json:"type"`
		RequestID uint64      `json:"request_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	m.Type = head.Type
	m.RequestID = head.RequestID
	m.Payload = append(json.RawMessage(nil), data...)
	return nil
}

// Encode serializes a message to wire format.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses wire bytes into a message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// KeyDownPayload is the payload for TypeKeyDown
type KeyDownPayload struct {
	Key       string `json:"key"`
	KeyCode   int    `json:"key_code"`
	Timestamp int64  `json:"timestamp"` // Unix ms
}

// KeyUpPayload is the payload for TypeKeyUp
type KeyUpPayload struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// TimestampPayload is the payload for TypeTestConnection, TypeGetStatus and TypeHeartbeat
type TimestampPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SendKeyPayload is the payload for TypeSendKey
type SendKeyPayload struct {
	Key       string `json:"key"`
	KeyCode   int    `json:"key_code"`
	Timestamp int64  `json:"timestamp"`
}

// KeyInput is one entry of a batch
type KeyInput struct {
	Key     string `json:"key"`
	KeyCode int    `json:"key_code"`
}

// SendKeyBatchPayload is the payload for TypeSendKeyBatch
type SendKeyBatchPayload struct {
	KeysInput []KeyInput `json:"keys_input"`
	Timestamp int64      `json:"timestamp"`
}

// TestConnectionResult is the reply payload for TypeTestConnection
type TestConnectionResult struct {
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusResult is the reply payload for TypeGetStatus
type StatusResult struct {
	ServerRunning    bool   `json:"server_running"`
	ConnectedClients int    `json:"connected_clients"`
	Uptime           int64  `json:"uptime"` // seconds
	Version          string `json:"version"`
}

// AckResult is the reply payload for TypeSendKey and TypeSendKeyBatch
type AckResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WelcomePayload is the payload for TypeWelcome
type WelcomePayload struct {
	Message   string `json:"message"`
	Version   string `json:"version"`
	SessionID string `json:"session_id"`
}

// KeyEventPayload is broadcast by the remote for applied TypeKeyDown, TypeKeyUp
// and TypeKeyReceived events
type KeyEventPayload struct {
	Key       string `json:"key"`
	KeyCode   int    `json:"key_code"`
	IsHeld    bool   `json:"is_held,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// KeysBatchPayload is broadcast by the remote for TypeKeysBatch
type KeysBatchPayload struct {
	Keys      []KeyInput `json:"keys"`
	Timestamp int64      `json:"timestamp"`
}

// ErrorPayload is the payload for TypeError
type ErrorPayload struct {
	Message string `json:"message"`
}
