package improv

import (
	"context"
	"fmt"
	"sync"

	"github.com/laika-robotics/laikactl/internal/logx"
)

// Peripheral is the GATT surface the client drives. A missing characteristic
// degrades the matching capability; only the RPC-command characteristic is
// essential. Implemented by ble.Device.
type Peripheral interface {
	// Has reports whether the characteristic with the given UUID was
	// resolved during service discovery.
	Has(uuid string) bool
	// Read performs a one-shot characteristic read.
	Read(ctx context.Context, uuid string) ([]byte, error)
	// Write writes a value to a characteristic.
	Write(ctx context.Context, uuid string, value []byte) error
	// Notify subscribes to value notifications. The returned stop function
	// unsubscribes.
	Notify(uuid string, fn func([]byte)) (stop func(), err error)
	// Done is closed when the underlying link drops.
	Done() <-chan struct{}
}

// EventKind tags entries on the client's event stream.
type EventKind int

const (
	EventState EventKind = iota + 1
	EventError
	EventResult
	EventDisconnected
)

// Event is one peripheral-driven notification: a state transition, an error
// code change, a decoded RPC result, or loss of the link.
type Event struct {
	Kind   EventKind
	State  State
	Code   ErrorCode
	Result Result
}

// Client drives the provisioning state machine over one BLE link. The
// peripheral owns the machine; the client only issues RPCs and mirrors the
// notified state. A dropped link invalidates the client — reconnecting
// requires a fresh scan and a new Client.
type Client struct {
	p Peripheral

	events  chan Event
	changed chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	state     State
	code      ErrorCode
	caps      byte
	capsKnown bool

	stops     []func()
	closeOnce sync.Once
}

// NewClient wraps a connected peripheral. It verifies the RPC-command
// characteristic, subscribes to whatever notification characteristics the
// peripheral exposes, and reads the capabilities byte when available.
func NewClient(ctx context.Context, p Peripheral) (*Client, error) {
	if !p.Has(CharRPCCommand) {
		return nil, ErrEssentialCharacteristic
	}

	c := &Client{
		p:       p,
		events:  make(chan Event, 16),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	subs := []struct {
		uuid string
		fn   func([]byte)
	}{
		{CharCurrentState, c.onState},
		{CharErrorState, c.onError},
		{CharRPCResult, c.onResult},
	}
	for _, s := range subs {
		if !p.Has(s.uuid) {
			logx.Debug("improv: characteristic %s 不存在，略過訂閱", s.uuid)
			continue
		}
		stop, err := p.Notify(s.uuid, s.fn)
		if err != nil {
			c.unsubscribe()
			return nil, fmt.Errorf("improv: subscribe %s: %w", s.uuid, err)
		}
		c.stops = append(c.stops, stop)
	}

	if p.Has(CharCapabilities) {
		if raw, err := p.Read(ctx, CharCapabilities); err == nil && len(raw) > 0 {
			c.mu.Lock()
			c.caps, c.capsKnown = raw[0], true
			c.mu.Unlock()
		}
	}

	// Link watchdog: a dropped link resets the mirror and fires one
	// disconnection event.
	go func() {
		<-p.Done()
		c.mu.Lock()
		c.state, c.code = 0, ErrorNone
		c.mu.Unlock()
		c.push(Event{Kind: EventDisconnected})
		c.closeOnce.Do(func() { close(c.done) })
	}()

	return c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Notification handlers
// ─────────────────────────────────────────────────────────────────────────────

func (c *Client) onState(value []byte) {
	st, err := DecodeState(value)
	if err != nil {
		logx.Debug("improv: state 解碼失敗: %v", err)
		return
	}

	c.mu.Lock()
	// The machine only moves forward within one attempt; a regression means
	// a stale or reordered notification, not a real transition.
	if c.state != 0 && st < c.state {
		c.mu.Unlock()
		logx.Debug("improv: 忽略狀態回退 %s → %s", c.state, st)
		return
	}
	c.state = st
	c.mu.Unlock()

	c.signal()
	c.push(Event{Kind: EventState, State: st})
}

func (c *Client) onError(value []byte) {
	code, err := DecodeErrorCode(value)
	if err != nil {
		logx.Debug("improv: error-state 解碼失敗: %v", err)
		return
	}

	c.mu.Lock()
	c.code = code
	c.mu.Unlock()

	c.signal()
	if code != ErrorNone {
		c.push(Event{Kind: EventError, Code: code})
	}
}

func (c *Client) onResult(value []byte) {
	res, err := DecodeResult(value)
	if err != nil {
		logx.Debug("improv: rpc-result 解碼失敗: %v", err)
		return
	}
	c.push(Event{Kind: EventResult, Result: res})
}

func (c *Client) push(ev Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	default:
		logx.Debug("improv: 事件 inbox 已滿，丟棄 %v", ev.Kind)
	}
}

// signal coalesces state/error updates for waiters inside Provision.
func (c *Client) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Commands
// ─────────────────────────────────────────────────────────────────────────────

// Identify asks the peripheral to identify itself (blink an LED, beep). Fails
// when the capabilities byte was read and does not advertise identify.
func (c *Client) Identify(ctx context.Context) error {
	c.mu.Lock()
	known, caps := c.capsKnown, c.caps
	c.mu.Unlock()
	if known && caps&CapIdentify == 0 {
		return ErrIdentifyUnsupported
	}
	return c.p.Write(ctx, CharRPCCommand, EncodeIdentify())
}

// ConfigureWiFi encodes the credentials and writes the WiFi-settings RPC
// frame. It returns as soon as the write is acknowledged; provisioning
// progress arrives through the event stream.
func (c *Client) ConfigureWiFi(ctx context.Context, ssid, password string) error {
	frame, err := EncodeWiFiSettings(ssid, password)
	if err != nil {
		return err
	}
	return c.p.Write(ctx, CharRPCCommand, frame)
}

// Provision writes the credentials and waits until the peripheral reports
// Provisioned, reports an error code, drops the link, or ctx expires.
func (c *Client) Provision(ctx context.Context, ssid, password string) error {
	// Clear any stale error code so it cannot satisfy the wait below.
	c.mu.Lock()
	c.code = ErrorNone
	c.mu.Unlock()

	if err := c.ConfigureWiFi(ctx, ssid, password); err != nil {
		return err
	}

	for {
		c.mu.Lock()
		st, code := c.state, c.code
		c.mu.Unlock()

		if code != ErrorNone {
			return fmt.Errorf("improv: provisioning rejected: %s", code)
		}
		if st == StateProvisioned {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrLinkClosed
		case <-c.changed:
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads and mirrors
// ─────────────────────────────────────────────────────────────────────────────

// ReadState performs a one-shot read of the current-state characteristic.
func (c *Client) ReadState(ctx context.Context) (State, error) {
	if !c.p.Has(CharCurrentState) {
		return 0, ErrUnavailable
	}
	raw, err := c.p.Read(ctx, CharCurrentState)
	if err != nil {
		return 0, err
	}
	return DecodeState(raw)
}

// ReadCapabilities performs a one-shot read of the capabilities characteristic.
func (c *Client) ReadCapabilities(ctx context.Context) (byte, error) {
	if !c.p.Has(CharCapabilities) {
		return 0, ErrUnavailable
	}
	raw, err := c.p.Read(ctx, CharCapabilities)
	if err != nil {
		return 0, err
	}
	if len(raw) < 1 {
		return 0, ErrShortFrame
	}
	return raw[0], nil
}

// State returns the last notified provisioning state, 0 before the first
// notification or after a disconnect.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the notification stream. Entries are dropped, not blocked
// on, when the consumer falls behind.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed once the client is unusable (link dropped or Close called).
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close unsubscribes from notifications and marks the client done. It does
// not close the underlying link; the caller owns the peripheral.
func (c *Client) Close() error {
	c.unsubscribe()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Client) unsubscribe() {
	for _, stop := range c.stops {
		stop()
	}
	c.stops = nil
}
