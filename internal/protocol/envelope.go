// Package protocol defines the command envelope carried over every control
// transport. Whichever link wins — data channel, local socket, or BLE — the
// robot sees the same UTF-8 JSON shape.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of envelope.
type MessageType string

// Known envelope types. The union is open: the robot firmware may emit types
// this controller has never heard of, and they must survive decoding intact.
const (
	TypeCommand         MessageType = "command"
	TypeMovementCommand MessageType = "movement_command"
	TypeButtonPress     MessageType = "button_press"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeTelemetry       MessageType = "telemetry"
	TypeResponse        MessageType = "response"
)

// Known reports whether t is a type this controller understands. Unknown
// types are still delivered to callers — this only informs dispatch.
func (t MessageType) Known() bool {
	switch t {
	case TypeCommand, TypeMovementCommand, TypeButtonPress,
		TypeHeartbeat, TypeTelemetry, TypeResponse:
		return true
	default:
		return false
	}
}

// Envelope is the tagged-union message exchanged with the robot once a
// transport is up. Payload stays raw so unknown types round-trip losslessly.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope of the given type, stamping a fresh ID and the
// current time. The payload is marshalled immediately; a nil payload yields
// an envelope without a payload field.
func New(t MessageType, payload interface{}) (Envelope, error) {
	env := Envelope{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}

	if payload == nil {
		return env, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// Encode serializes an envelope to the UTF-8 JSON wire form.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses wire bytes into an envelope. A missing or empty type field
// is rejected; an unknown type is not (callers dispatch with a fallback).
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, ErrBadFrame
	}
	if env.Type == "" {
		return Envelope{}, ErrBadFrame
	}
	return env, nil
}
