package models

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of a stream message
type MessageType string

const (
	MessageTypeBatch     MessageType = "batch"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
)

// Message is the envelope for all stream communications
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// BatchPayload is a gateway submission, used as the HTTP body and as the
// payload of MessageTypeBatch. Tags is kept raw so a missing or mistyped
// list can be told apart from a bad record inside it.
type BatchPayload struct {
	DeviceID string          `json:"deviceId"`
	Tags     json.RawMessage `json:"tags"`
}

// HeartbeatMessage is the payload for MessageTypeHeartbeat
type HeartbeatMessage struct {
	DeviceID string `json:"deviceId"`
	Uptime   int64  `json:"uptime"`
}

// AckMessage is the payload for MessageTypeAck. Ref names the message
// type being acknowledged.
type AckMessage struct {
	Ref        MessageType `json:"ref,omitempty"`
	OK         bool        `json:"ok"`
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Outliers   int         `json:"outliers"`
}

// ErrorMessage is the payload for MessageTypeError
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// UnmarshalPayload unmarshals the message payload into the provided struct
func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}
