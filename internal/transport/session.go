// Package transport defines the session surface every link family (WebRTC
// data channel, local socket, BLE control channel) presents to the
// orchestrator, so callers never branch on the active transport.
package transport

import (
	"context"
	"errors"

	"github.com/laika-robotics/laikactl/internal/protocol"
)

// Kind identifies the link family that carried a session.
type Kind string

const (
	KindWebRTC Kind = "webrtc"
	KindLocal  Kind = "local"
	KindBLE    Kind = "ble"
)

// ErrNotConnected reports a send against a session whose channel is not in
// the open state.
var ErrNotConnected = errors.New("transport: not connected")

// EventType tags entries on a session's event stream.
type EventType string

const (
	// EventMessage carries one decoded inbound envelope.
	EventMessage EventType = "message"
	// EventClosed reports the session leaving the usable state. Err holds
	// the cause when the close was not requested locally.
	EventClosed EventType = "closed"
)

// Event is one notification from an active session. Message is populated
// only for EventMessage entries.
type Event struct {
	Type    EventType
	Message protocol.Envelope
	Err     error
}

// Session is an established control channel to one robot. Implementations
// close Done and emit a final EventClosed when the link drops; Close is
// idempotent.
type Session interface {
	// Kind reports the link family.
	Kind() Kind
	// RemoteID identifies the robot end: device ID where known, otherwise
	// the network or hardware address.
	RemoteID() string
	// Send serializes and writes one envelope. Fails with ErrNotConnected
	// when the channel is absent or not open; there is no internal queue.
	Send(ctx context.Context, env protocol.Envelope) error
	// Events returns the inbound stream. Entries are dropped, not blocked
	// on, when the consumer falls behind.
	Events() <-chan Event
	// Done is closed once the session is unusable.
	Done() <-chan struct{}
	// Close tears the link down and releases resources.
	Close() error
}
