package signaling

import "errors"

var (
	// ErrAllServersUnreachable reports a dial that exhausted the whole
	// server pool without completing a registration.
	ErrAllServersUnreachable = errors.New("signaling: no signaling server reachable")

	// ErrRegistrationRejected reports a server that answered the
	// registration handshake with an error message.
	ErrRegistrationRejected = errors.New("signaling: registration rejected")

	// ErrRequestRejected reports a connection request the server or robot
	// explicitly refused, as opposed to one that went unanswered.
	ErrRequestRejected = errors.New("signaling: connection request rejected")

	// ErrClosed reports an operation against a client whose socket is gone.
	ErrClosed = errors.New("signaling: connection closed")
)
