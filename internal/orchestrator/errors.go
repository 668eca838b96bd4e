package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/laika-robotics/laikactl/internal/signaling"
)

var (
	// ErrAlreadyConnecting reports a connect started while another one is
	// still running. The caller raced itself; nothing was torn down.
	ErrAlreadyConnecting = errors.New("orchestrator: connect already in progress")

	// ErrAlreadyConnected reports a connect started while a session is
	// active. Disconnect first.
	ErrAlreadyConnected = errors.New("orchestrator: already connected")

	// ErrConnectAborted reports a connect cut short by Disconnect or Close
	// before any transport produced a session.
	ErrConnectAborted = errors.New("orchestrator: connect aborted")

	// ErrNoTransport is the class every exhausted cascade matches, whatever
	// the individual rungs failed with. Test with errors.Is.
	ErrNoTransport = errors.New("orchestrator: no transport available")
)

// StepError records one failed rung of the cascade.
type StepError struct {
	Strategy string
	Err      error
}

// CascadeError reports a connect that exhausted every transport. The
// per-step errors stay available so the caller can tell a dead network from
// a robot that turned us down.
type CascadeError struct {
	Steps []StepError
}

func (e *CascadeError) Error() string {
	var b strings.Builder
	if e.Rejected() {
		b.WriteString("a robot rejected the connection")
	} else {
		b.WriteString("no transport available")
	}
	for _, step := range e.Steps {
		fmt.Fprintf(&b, "; %s: %v", step.Strategy, step.Err)
	}
	return b.String()
}

// Unwrap exposes the per-step errors to errors.Is and errors.As.
func (e *CascadeError) Unwrap() []error {
	out := make([]error, 0, len(e.Steps))
	for _, step := range e.Steps {
		out = append(out, step.Err)
	}
	return out
}

// Is makes every CascadeError match ErrNoTransport: an exhausted cascade is
// the no-transport condition regardless of why each rung failed.
func (e *CascadeError) Is(target error) bool {
	return target == ErrNoTransport
}

// Rejected reports whether any step failed because the far end explicitly
// refused, rather than being unreachable. The remedies differ: move closer
// or fix the network versus check the robot's authorization.
func (e *CascadeError) Rejected() bool {
	for _, step := range e.Steps {
		if errors.Is(step.Err, signaling.ErrRequestRejected) ||
			errors.Is(step.Err, signaling.ErrRegistrationRejected) {
			return true
		}
	}
	return false
}
