// Package orchestrator owns the controller's single connection slot. Connect
// walks the transport cascade until one strategy produces a session, the
// session's traffic is normalized onto one event stream, and loss of the link
// optionally triggers background reconnects.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/laika-robotics/laikactl/internal/config"
	"github.com/laika-robotics/laikactl/internal/device"
	"github.com/laika-robotics/laikactl/internal/logx"
	"github.com/laika-robotics/laikactl/internal/protocol"
	"github.com/laika-robotics/laikactl/internal/telemetry"
	"github.com/laika-robotics/laikactl/internal/transport"
)

// eventBuffer bounds the normalized stream before entries are dropped.
const eventBuffer = 32

// Orchestrator manages at most one robot connection at a time. All methods
// are safe for concurrent use.
type Orchestrator struct {
	cfg   config.Config
	cache *device.Cache

	strategies []Strategy

	mu              sync.Mutex
	state           ConnectionState
	current         transport.Session
	lastErr         error
	lastTarget      string
	connectCancel   context.CancelFunc
	reconnectCancel context.CancelFunc

	events chan Event

	// rootCtx outlives individual connects; Close cancels it, which also
	// stops any reconnect loop.
	rootCtx context.Context
	cancel  context.CancelFunc

	// backoffInitial seeds the reconnect backoff. Tests shrink it.
	backoffInitial time.Duration
}

// New builds an orchestrator with the production cascade: webrtc, then
// registry, then mdns, then ble.
func New(cfg config.Config, cache *device.Cache) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:            cfg,
		cache:          cache,
		strategies:     defaultStrategies(cfg, cache),
		state:          StateIdle,
		events:         make(chan Event, eventBuffer),
		rootCtx:        ctx,
		cancel:         cancel,
		backoffInitial: time.Second,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Connect cascade
// ─────────────────────────────────────────────────────────────────────────────

// Connect tries each transport in priority order and adopts the first
// session. target selects a robot by ID or name; empty means the best robot
// each transport finds. A second connect while one is running fails fast
// with ErrAlreadyConnecting, and connecting over a live session fails with
// ErrAlreadyConnected; neither touches existing state.
func (o *Orchestrator) Connect(ctx context.Context, target string) error {
	o.mu.Lock()
	if !o.state.resting() {
		st := o.state
		o.mu.Unlock()
		if st == StateConnecting {
			return ErrAlreadyConnecting
		}
		return ErrAlreadyConnected
	}

	cctx, cancel := o.connectContext(ctx)
	o.lastTarget = target
	o.connectCancel = cancel
	o.setStateLocked(StateConnecting, nil)
	o.mu.Unlock()
	defer cancel()

	var steps []StepError
	for _, st := range o.strategies {
		if cctx.Err() != nil {
			break
		}

		telemetry.Stats.AddAttempt()
		logx.Info("orchestrator: trying %s", st.Name())

		sctx, scancel := context.WithTimeout(cctx, st.Timeout())
		sess, err := st.Attempt(sctx, target)
		scancel()
		if err != nil {
			logx.Warn("orchestrator: %s failed: %v", st.Name(), err)
			steps = append(steps, StepError{Strategy: st.Name(), Err: err})
			continue
		}

		if !o.adopt(sess) {
			return ErrConnectAborted
		}
		logx.Info("orchestrator: connected to %s via %s", sess.RemoteID(), sess.Kind())
		return nil
	}

	cerr := &CascadeError{Steps: steps}

	o.mu.Lock()
	o.connectCancel = nil
	aborted := o.state != StateConnecting
	if !aborted {
		o.setStateLocked(StateFailed, cerr)
	}
	o.mu.Unlock()

	if aborted {
		// Disconnect already moved the slot to Idle.
		return ErrConnectAborted
	}
	return cerr
}

// connectContext bounds the whole cascade. The per-strategy timeouts keep any
// one rung from eating the budget of the rest.
func (o *Orchestrator) connectContext(parent context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.ConnectTimeout > 0 {
		return context.WithTimeout(parent, o.cfg.ConnectTimeout)
	}
	return context.WithCancel(parent)
}

// adopt installs a freshly built session in the slot. It refuses when a
// Disconnect raced the cascade, closing the late session instead.
func (o *Orchestrator) adopt(sess transport.Session) bool {
	o.mu.Lock()
	if o.state != StateConnecting {
		o.mu.Unlock()
		sess.Close()
		return false
	}
	o.connectCancel = nil
	o.current = sess
	o.setStateLocked(StateConnected, nil)
	o.mu.Unlock()

	go o.watch(sess)
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Session watch
// ─────────────────────────────────────────────────────────────────────────────

// watch forwards one session's traffic onto the normalized stream until the
// session ends.
func (o *Orchestrator) watch(sess transport.Session) {
	for {
		select {
		case ev := <-sess.Events():
			switch ev.Type {
			case transport.EventMessage:
				o.emit(Event{Kind: EventMessage, Transport: sess.Kind(), Message: ev.Message})
			case transport.EventClosed:
				o.handleClosed(sess, ev.Err)
				return
			}
		case <-sess.Done():
			o.handleClosed(sess, o.drainCause(sess))
			return
		}
	}
}

// drainCause empties whatever the session queued before Done closed, so the
// close cause and any final messages are not lost to the select race.
func (o *Orchestrator) drainCause(sess transport.Session) error {
	for {
		select {
		case ev := <-sess.Events():
			switch ev.Type {
			case transport.EventMessage:
				o.emit(Event{Kind: EventMessage, Transport: sess.Kind(), Message: ev.Message})
			case transport.EventClosed:
				return ev.Err
			}
		default:
			return nil
		}
	}
}

// handleClosed reacts to a session ending on its own. Disconnect empties the
// slot before closing, so a locally requested teardown never lands here.
func (o *Orchestrator) handleClosed(sess transport.Session, cause error) {
	o.mu.Lock()
	if o.current != sess {
		o.mu.Unlock()
		return
	}
	o.current = nil
	o.setStateLocked(StateDisconnected, cause)
	reconnect := o.cfg.AutoReconnect
	target := o.lastTarget
	o.mu.Unlock()

	logx.Warn("orchestrator: connection lost: %v", cause)
	o.emit(Event{Kind: EventConnectionLost, Transport: sess.Kind(), Err: cause})

	if reconnect {
		rctx, rcancel := context.WithCancel(o.rootCtx)
		o.mu.Lock()
		if o.reconnectCancel != nil {
			o.reconnectCancel()
		}
		o.reconnectCancel = rcancel
		o.mu.Unlock()
		go o.reconnectLoop(rctx, target)
	}
}

// reconnectLoop retries Connect with exponential backoff until it succeeds,
// Disconnect or Close stops it, or another connect claims the slot first.
func (o *Orchestrator) reconnectLoop(ctx context.Context, target string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.backoffInitial

	op := func() error {
		err := o.Connect(ctx, target)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrAlreadyConnecting), errors.Is(err, ErrAlreadyConnected):
			// Someone else took over the slot; stand down.
			return backoff.Permanent(err)
		case errors.Is(err, ErrConnectAborted):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		telemetry.Stats.AddReconnect()
		logx.Info("orchestrator: reconnected to %s", o.lastTargetLabel())
		return
	}
	if ctx.Err() != nil || errors.Is(err, ErrConnectAborted) ||
		errors.Is(err, ErrAlreadyConnecting) || errors.Is(err, ErrAlreadyConnected) {
		logx.Debug("orchestrator: 自動重連停止: %v", err)
		return
	}
	logx.Warn("orchestrator: auto-reconnect gave up: %v", err)
}

func (o *Orchestrator) lastTargetLabel() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return o.current.RemoteID()
	}
	return o.lastTarget
}

// ─────────────────────────────────────────────────────────────────────────────
// Slot operations
// ─────────────────────────────────────────────────────────────────────────────

// Send routes one envelope to the active session, whatever its transport.
func (o *Orchestrator) Send(ctx context.Context, env protocol.Envelope) error {
	o.mu.Lock()
	sess := o.current
	o.mu.Unlock()

	if sess == nil {
		return transport.ErrNotConnected
	}
	return sess.Send(ctx, env)
}

// Disconnect drops the current session and aborts any in-flight connect.
// Calling it with nothing to drop is a no-op, never an error.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	if cancel := o.connectCancel; cancel != nil {
		o.connectCancel = nil
		cancel()
	}
	if cancel := o.reconnectCancel; cancel != nil {
		o.reconnectCancel = nil
		cancel()
	}
	sess := o.current
	o.current = nil
	o.setStateLocked(StateIdle, nil)
	o.mu.Unlock()

	if sess != nil {
		logx.Info("orchestrator: disconnecting from %s", sess.RemoteID())
		sess.Close()
	}
	return nil
}

// State returns the slot's current state.
func (o *Orchestrator) State() ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the error attached to the current state, if any: the
// cascade error in StateFailed, the loss cause in StateDisconnected.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Transport reports the active session's link family, or empty when there is
// no session.
func (o *Orchestrator) Transport() transport.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return ""
	}
	return o.current.Kind()
}

// RemoteID reports the connected robot, or empty when there is no session.
func (o *Orchestrator) RemoteID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return ""
	}
	return o.current.RemoteID()
}

// Events returns the normalized stream: state transitions, inbound messages,
// and connection loss. Entries are dropped, not blocked on, when the
// consumer falls behind.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Close disconnects and stops all background work.
func (o *Orchestrator) Close() error {
	o.Disconnect()
	o.cancel()
	return nil
}

func (o *Orchestrator) setStateLocked(s ConnectionState, err error) {
	if o.state == s {
		return
	}
	o.state = s
	o.lastErr = err
	o.emit(Event{Kind: EventStateChanged, State: s, Err: err})
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		logx.Debug("orchestrator: 事件 inbox 已滿，丟棄")
	}
}
