package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laika-robotics/laikactl/internal/logx"
)

// DefaultServerTimeout bounds connect plus registration against one pool
// member before moving on to the next.
const DefaultServerTimeout = 10 * time.Second

// roomInboxSize bounds per-room buffering of relayed messages.
const roomInboxSize = 32

// EventKind tags entries on the client's event stream.
type EventKind int

const (
	EventDeviceOnline EventKind = iota + 1
	EventDeviceOffline
	EventServerError
	EventClosed
)

// Event is one server-driven notification: robot presence, a server error
// outside any request, or loss of the socket.
type Event struct {
	Kind   EventKind
	Device DeviceInfo
	Err    error
}

// Client is a registered session with one signaling server. A dropped socket
// makes the client permanently done; reconnect policy belongs to the caller,
// which keeps this a thin restartable session object.
type Client struct {
	conn *websocket.Conn
	url  string

	clientID   string
	iceServers []ICEServer

	writeMu sync.Mutex

	devMu  sync.RWMutex
	online map[string]DeviceInfo

	roomMu  sync.Mutex
	rooms   map[string]chan Message
	pending chan Message

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial tries the pool strictly in order. Each server gets one bounded
// connect + registration attempt; the first completed registration wins.
// perServer ≤ 0 selects DefaultServerTimeout.
func Dial(ctx context.Context, servers []string, clientID string, info ClientInfo, perServer time.Duration) (*Client, error) {
	if perServer <= 0 {
		perServer = DefaultServerTimeout
	}

	var failures []string
	for _, url := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := dialServer(ctx, url, clientID, info, perServer)
		if err != nil {
			logx.Warn("signaling: %s unreachable: %v", url, err)
			failures = append(failures, fmt.Sprintf("%s: %v", url, err))
			continue
		}
		logx.Info("signaling: registered with %s as %s", url, c.clientID)
		return c, nil
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllServersUnreachable, strings.Join(failures, "; "))
	}
	return nil, ErrAllServersUnreachable
}

// dialServer runs one connect + registration handshake under a single budget.
// Success is declared only on the server's registration ack.
func dialServer(parent context.Context, url, clientID string, info ClientInfo, budget time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// Abort the socket, not just the wait, when the budget runs out.
	stopAbort := context.AfterFunc(ctx, func() { conn.Close() })

	registered := false
	defer func() {
		stopAbort()
		if !registered {
			conn.Close()
		}
	}()

	reg := Message{Type: TypeRegisterClient, ClientID: clientID, ClientInfo: &info}
	if err := conn.WriteJSON(reg); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("awaiting registration: %w", err)
		}

		switch msg.Type {
		case TypeRegistrationSuccess:
			c := &Client{
				conn:       conn,
				url:        url,
				clientID:   msg.ClientID,
				iceServers: msg.ICEServers,
				online:     make(map[string]DeviceInfo),
				rooms:      make(map[string]chan Message),
				events:     make(chan Event, 16),
				done:       make(chan struct{}),
			}
			if c.clientID == "" {
				c.clientID = clientID
			}
			for _, d := range msg.AvailableDevices {
				c.online[d.DeviceID] = d
			}
			registered = true
			go c.pump()
			return c, nil

		case TypeError:
			return nil, fmt.Errorf("%w: %s", ErrRegistrationRejected, msg.ErrorText)

		default:
			logx.Debug("signaling: 註冊完成前收到 %q，丟棄", msg.Type)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Read pump
// ─────────────────────────────────────────────────────────────────────────────

// pump is the single reader. Dispatch runs on this goroutine, so messages
// for a given room reach their inbox in arrival order.
func (c *Client) pump() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case TypeDeviceOnline:
		info := DeviceInfo{DeviceID: msg.DeviceID}
		if msg.DeviceInfo != nil {
			info = *msg.DeviceInfo
			if info.DeviceID == "" {
				info.DeviceID = msg.DeviceID
			}
		}
		c.devMu.Lock()
		c.online[info.DeviceID] = info
		c.devMu.Unlock()
		c.emit(Event{Kind: EventDeviceOnline, Device: info})

	case TypeDeviceOffline:
		c.devMu.Lock()
		info, ok := c.online[msg.DeviceID]
		delete(c.online, msg.DeviceID)
		c.devMu.Unlock()
		if !ok {
			info = DeviceInfo{DeviceID: msg.DeviceID}
		}
		c.emit(Event{Kind: EventDeviceOffline, Device: info})

	case TypeConnectionRequestSent:
		if waiter := c.takePending(); waiter != nil {
			waiter <- msg
		} else {
			logx.Debug("signaling: 沒有等待中的 connection request，丟棄回覆")
		}

	case TypeOffer, TypeAnswer, TypeICECandidate, TypeConnectionSuccess:
		c.route(msg)

	case TypeError:
		if waiter := c.takePending(); waiter != nil {
			waiter <- msg
			return
		}
		c.emit(Event{Kind: EventServerError, Err: fmt.Errorf("signaling: server error: %s", msg.ErrorText)})

	default:
		logx.Debug("signaling: 未知訊息類型 %q，丟棄", msg.Type)
	}
}

func (c *Client) takePending() chan Message {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	waiter := c.pending
	c.pending = nil
	return waiter
}

// route delivers a room-tagged relay to its inbox.
func (c *Client) route(msg Message) {
	c.roomMu.Lock()
	inbox := c.rooms[msg.RoomID]
	c.roomMu.Unlock()

	if inbox == nil {
		logx.Debug("signaling: room %s 未綁定，丟棄 %s", msg.RoomID, msg.Type)
		return
	}
	select {
	case inbox <- msg:
	default:
		logx.Debug("signaling: room %s inbox 已滿，丟棄 %s", msg.RoomID, msg.Type)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Requests and relays
// ─────────────────────────────────────────────────────────────────────────────

// RequestConnection asks the server to pair this client with a robot. On
// success the returned room is already bound, so no relay for it can be lost
// between this call and the first BindRoom.
func (c *Client) RequestConnection(ctx context.Context, deviceID string) (Room, error) {
	waiter := make(chan Message, 1)

	c.roomMu.Lock()
	if c.pending != nil {
		c.roomMu.Unlock()
		return Room{}, fmt.Errorf("signaling: connection request already in flight")
	}
	c.pending = waiter
	c.roomMu.Unlock()

	clearPending := func() {
		c.roomMu.Lock()
		if c.pending == waiter {
			c.pending = nil
		}
		c.roomMu.Unlock()
	}

	req := Message{Type: TypeRequestConnection, DeviceID: deviceID, ClientID: c.clientID}
	if err := c.send(req); err != nil {
		clearPending()
		return Room{}, err
	}

	select {
	case <-ctx.Done():
		clearPending()
		return Room{}, ctx.Err()
	case <-c.done:
		clearPending()
		return Room{}, ErrClosed
	case msg := <-waiter:
		if msg.Type == TypeError {
			return Room{}, fmt.Errorf("%w: %s: %s", ErrRequestRejected, deviceID, msg.ErrorText)
		}
		room := Room{ID: msg.RoomID, DeviceID: msg.DeviceID, ICEServers: msg.ICEServers}
		if room.DeviceID == "" {
			room.DeviceID = deviceID
		}
		if len(room.ICEServers) == 0 {
			// The request reply may refresh the ICE servers; otherwise the
			// registration set stays in force.
			room.ICEServers = c.iceServers
		}
		c.BindRoom(room.ID)
		return room, nil
	}
}

// BindRoom returns the inbox for a room's relayed messages, creating it when
// absent. Repeated calls return the same channel.
func (c *Client) BindRoom(roomID string) <-chan Message {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	inbox, ok := c.rooms[roomID]
	if !ok {
		inbox = make(chan Message, roomInboxSize)
		c.rooms[roomID] = inbox
	}
	return inbox
}

// ReleaseRoom drops a room binding. Later relays for the room are discarded.
func (c *Client) ReleaseRoom(roomID string) {
	c.roomMu.Lock()
	delete(c.rooms, roomID)
	c.roomMu.Unlock()
}

func (c *Client) send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("signaling: send %s: %w", msg.Type, err)
	}
	return nil
}

// SendOffer relays a local SDP offer for a room.
func (c *Client) SendOffer(roomID string, offer json.RawMessage) error {
	return c.send(Message{Type: TypeOffer, RoomID: roomID, Offer: offer})
}

// SendAnswer relays a local SDP answer for a room.
func (c *Client) SendAnswer(roomID string, answer json.RawMessage) error {
	return c.send(Message{Type: TypeAnswer, RoomID: roomID, Answer: answer})
}

// SendCandidate relays a local ICE candidate for a room.
func (c *Client) SendCandidate(roomID string, candidate json.RawMessage) error {
	return c.send(Message{Type: TypeICECandidate, RoomID: roomID, Candidate: candidate})
}

// SendConnectionEstablished acknowledges a usable data channel to the peer.
func (c *Client) SendConnectionEstablished(roomID string) error {
	return c.send(Message{Type: TypeConnectionEstablished, RoomID: roomID})
}

// ─────────────────────────────────────────────────────────────────────────────
// State and lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// ClientID returns the identity assigned by the server at registration.
func (c *Client) ClientID() string { return c.clientID }

// ICEServers returns the STUN/TURN set from the registration ack.
func (c *Client) ICEServers() []ICEServer { return c.iceServers }

// ServerURL returns the pool member this session registered with.
func (c *Client) ServerURL() string { return c.url }

// OnlineDevices returns an ID-sorted snapshot of robots the server reports
// online.
func (c *Client) OnlineDevices() []DeviceInfo {
	c.devMu.RLock()
	defer c.devMu.RUnlock()
	out := make([]DeviceInfo, 0, len(c.online))
	for _, d := range c.online {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Online reports whether the server currently lists the robot.
func (c *Client) Online(deviceID string) bool {
	c.devMu.RLock()
	defer c.devMu.RUnlock()
	_, ok := c.online[deviceID]
	return ok
}

// Events returns the presence/error stream. Entries are dropped, not blocked
// on, when the consumer falls behind.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed once the socket is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the socket down.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		if cause != nil {
			logx.Warn("signaling: connection lost: %v", cause)
		}
		c.emit(Event{Kind: EventClosed, Err: cause})
	})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		logx.Debug("signaling: 事件 inbox 已滿，丟棄")
	}
}
