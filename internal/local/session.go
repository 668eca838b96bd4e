// Package local provides the direct LAN control channel: one WebSocket to
// the control server every provisioned robot runs on its own port.
package local

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/laika-robotics/laikactl/internal/logx"
	"github.com/laika-robotics/laikactl/internal/protocol"
	"github.com/laika-robotics/laikactl/internal/telemetry"
	"github.com/laika-robotics/laikactl/internal/transport"
)

// controlPath is where the robot's onboard server accepts the envelope
// stream.
const controlPath = "/control"

// Session implements transport.Session over a plain WebSocket on the local
// network. The WebSocket handshake doubles as the open gate; there is no
// application-level hello.
type Session struct {
	conn *websocket.Conn
	addr string

	// deviceID is the robot identity when the caller learned it from
	// discovery or the registry; empty when dialing a bare address.
	deviceID string

	writeMu sync.Mutex

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a robot's control server at host:port. The handshake is
// bounded by ctx; cancellation aborts the underlying socket, not just the
// wait.
func Dial(ctx context.Context, addr, deviceID string) (*Session, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: controlPath}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("local: dial %s: %w", u.String(), err)
	}
	logx.Debug("local: %s 已連線", addr)

	s := &Session{
		conn:     conn,
		addr:     addr,
		deviceID: deviceID,
		events:   make(chan transport.Event, 32),
		done:     make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// pump is the single reader. It turns frames into envelope events and ends
// the session on the first read error.
func (s *Session) pump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(fmt.Errorf("local: read: %w", err))
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			logx.Debug("local: 封包解碼失敗: %v", err)
			continue
		}
		telemetry.Stats.AddEvent(len(data))
		s.emit(transport.Event{Type: transport.EventMessage, Message: env})
	}
}

func (s *Session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	default:
		logx.Debug("local: 事件 inbox 已滿，丟棄")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// transport.Session
// ─────────────────────────────────────────────────────────────────────────────

func (s *Session) Kind() transport.Kind { return transport.KindLocal }

// RemoteID prefers the known robot identity over the bare network address.
func (s *Session) RemoteID() string {
	if s.deviceID != "" {
		return s.deviceID
	}
	return s.addr
}

// Send writes one envelope as a single text frame. Writes are serialized;
// the socket does not tolerate concurrent writers.
func (s *Session) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-s.done:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("local: send: %w", err)
	}
	telemetry.Stats.AddCommand(len(data))
	return nil
}

func (s *Session) Events() <-chan transport.Event { return s.events }

func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the socket down.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		if cause != nil {
			logx.Debug("local: %s 連線中斷: %v", s.addr, cause)
		}
		s.emit(transport.Event{Type: transport.EventClosed, Err: cause})
	})
}
