package orchestrator

import (
	"github.com/laika-robotics/laikactl/internal/protocol"
	"github.com/laika-robotics/laikactl/internal/transport"
)

// ConnectionState is the orchestrator's view of the one connection slot.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// resting reports whether a new connect may start from this state.
func (s ConnectionState) resting() bool {
	switch s {
	case StateIdle, StateDisconnected, StateFailed:
		return true
	default:
		return false
	}
}

// EventKind tags entries on the orchestrator's event stream.
type EventKind int

const (
	// EventStateChanged reports every transition of the connection slot.
	EventStateChanged EventKind = iota + 1
	// EventMessage carries one envelope from the active transport,
	// whichever kind it is.
	EventMessage
	// EventConnectionLost reports an active session ending without a
	// local Disconnect. Err carries the transport's cause when known.
	EventConnectionLost
)

// Event is one entry on the normalized stream. Callers never see which
// transport produced it except through Transport, which is informational.
type Event struct {
	Kind      EventKind
	State     ConnectionState
	Transport transport.Kind
	Message   protocol.Envelope
	Err       error
}
