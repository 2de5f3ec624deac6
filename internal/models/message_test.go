// internal/models/message_test.go
package models

import (
	"encoding/json"
	"testing"
)

func TestNewMessage(t *testing.T) {
	ack := AckMessage{OK: true, Accepted: 3, Duplicates: 1}

	msg, err := NewMessage(MessageTypeAck, ack)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != MessageTypeAck {
		t.Errorf("Type = %v, want %v", msg.Type, MessageTypeAck)
	}

	if msg.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}

	if len(msg.Payload) == 0 {
		t.Error("Payload should not be empty")
	}
}

func TestMessage_UnmarshalBatchPayload(t *testing.T) {
	raw := []byte(`{
		"type": "batch",
		"payload": {"deviceId": "gw-01", "tags": [{"id": "a", "updateAt": "2024-01-01T00:00:00Z"}]},
		"timestamp": "2024-01-01T00:00:01Z"
	}`)

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Type != MessageTypeBatch {
		t.Fatalf("Type = %v, want batch", msg.Type)
	}

	var batch BatchPayload
	if err := msg.UnmarshalPayload(&batch); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if batch.DeviceID != "gw-01" {
		t.Errorf("DeviceID = %q, want gw-01", batch.DeviceID)
	}

	var tags []json.RawMessage
	if err := json.Unmarshal(batch.Tags, &tags); err != nil {
		t.Fatalf("tags should stay a raw array: %v", err)
	}
	if len(tags) != 1 {
		t.Errorf("len(tags) = %d, want 1", len(tags))
	}
}

func TestBatchPayload_MissingTags(t *testing.T) {
	var batch BatchPayload
	if err := json.Unmarshal([]byte(`{"deviceId": "gw-01"}`), &batch); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if batch.Tags != nil {
		t.Errorf("Tags = %s, want nil", batch.Tags)
	}
}
