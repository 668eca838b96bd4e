package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer is an in-process signaling server: it accepts one WebSocket
// client, performs the registration handshake, and hands post-registration
// messages to an optional per-test handler.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	assignID string
	ice      []ICEServer
	devices  []DeviceInfo
	silent   bool // accept the socket but never ack registration
	reject   bool // answer registration with an error

	handle func(conn *websocket.Conn, msg Message)

	mu            sync.Mutex
	registrations int

	connCh chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		assignID: "client-assigned",
		ice:      []ICEServer{{URLs: []string{"stun:stun.test:3478"}}},
		connCh:   make(chan *websocket.Conn, 1),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.ws))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) registrationCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.registrations
}

func (fs *fakeServer) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var reg Message
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != TypeRegisterClient {
		return
	}
	fs.mu.Lock()
	fs.registrations++
	fs.mu.Unlock()

	if fs.silent {
		for {
			var m Message
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
		}
	}
	if fs.reject {
		conn.WriteJSON(Message{Type: TypeError, ErrorText: "denied"})
		return
	}

	conn.WriteJSON(Message{
		Type:             TypeRegistrationSuccess,
		ClientID:         fs.assignID,
		ICEServers:       fs.ice,
		AvailableDevices: fs.devices,
	})

	select {
	case fs.connCh <- conn:
	default:
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if fs.handle != nil {
			fs.handle(conn, msg)
		}
	}
}

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a room message")
		return Message{}
	}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

// deadServerURL points at a port nothing listens on, so dials fail fast.
const deadServerURL = "ws://127.0.0.1:1/ws"

// TestDialFailsOverToNextServer verifies the pool scenario [down, up]: the
// dial completes against the second server, exactly one registration happens,
// and the session carries that server's identity and ICE set.
func TestDialFailsOverToNextServer(t *testing.T) {
	live := newFakeServer(t)

	c, err := Dial(context.Background(), []string{deadServerURL, live.url()}, "local-id", ClientInfo{Name: "bench"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if got := live.registrationCount(); got != 1 {
		t.Errorf("registrations = %d, want exactly 1", got)
	}
	if c.ClientID() != "client-assigned" {
		t.Errorf("ClientID = %q, want server-assigned identity", c.ClientID())
	}
	if c.ServerURL() != live.url() {
		t.Errorf("ServerURL = %q, want %q", c.ServerURL(), live.url())
	}
	if len(c.ICEServers()) != 1 || c.ICEServers()[0].URLs[0] != "stun:stun.test:3478" {
		t.Errorf("ICEServers = %+v, want the registration set", c.ICEServers())
	}
}

// TestDialStopsAtFirstSuccess verifies servers are tried strictly in list
// order and later pool members are never contacted after a success.
func TestDialStopsAtFirstSuccess(t *testing.T) {
	first := newFakeServer(t)
	second := newFakeServer(t)

	c, err := Dial(context.Background(), []string{first.url(), second.url()}, "local-id", ClientInfo{Name: "bench"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if got := first.registrationCount(); got != 1 {
		t.Errorf("first server registrations = %d, want 1", got)
	}
	if got := second.registrationCount(); got != 0 {
		t.Errorf("second server registrations = %d, want 0", got)
	}
}

// TestDialTimesOutSilentServer verifies a server that accepts the socket but
// never acks registration consumes only its own budget before the pool gives
// up.
func TestDialTimesOutSilentServer(t *testing.T) {
	silent := newFakeServer(t)
	silent.silent = true

	start := time.Now()
	_, err := Dial(context.Background(), []string{silent.url()}, "local-id", ClientInfo{Name: "bench"}, 300*time.Millisecond)
	if !errors.Is(err, ErrAllServersUnreachable) {
		t.Fatalf("Dial: got %v, want ErrAllServersUnreachable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("pool exhaustion took %s, want roughly the per-server budget", elapsed)
	}
}

// TestDialExhaustionNamesEveryServer verifies the pool-exhaustion error
// carries each server's failure, not just the last one.
func TestDialExhaustionNamesEveryServer(t *testing.T) {
	servers := []string{"ws://127.0.0.1:1/ws", "ws://127.0.0.1:2/ws"}

	_, err := Dial(context.Background(), servers, "local-id", ClientInfo{Name: "bench"}, 500*time.Millisecond)
	if !errors.Is(err, ErrAllServersUnreachable) {
		t.Fatalf("Dial: got %v, want ErrAllServersUnreachable", err)
	}
	for _, url := range servers {
		if !strings.Contains(err.Error(), url) {
			t.Errorf("exhaustion error %q does not mention %s", err, url)
		}
	}
}

// TestDialSkipsRejectingServer verifies an explicit registration error counts
// as an unusable server.
func TestDialSkipsRejectingServer(t *testing.T) {
	rejecting := newFakeServer(t)
	rejecting.reject = true
	accepting := newFakeServer(t)

	c, err := Dial(context.Background(), []string{rejecting.url(), accepting.url()}, "local-id", ClientInfo{Name: "bench"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.ServerURL() != accepting.url() {
		t.Errorf("registered with %q, want fallback server", c.ServerURL())
	}
}

// TestRequestConnectionNegotiatesRoom verifies the request/reply exchange,
// including refreshed ICE servers from the reply taking precedence.
func TestRequestConnectionNegotiatesRoom(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle = func(conn *websocket.Conn, msg Message) {
		if msg.Type != TypeRequestConnection {
			return
		}
		conn.WriteJSON(Message{
			Type:       TypeConnectionRequestSent,
			DeviceID:   msg.DeviceID,
			RoomID:     "room-7",
			ICEServers: []ICEServer{{URLs: []string{"stun:fresh.test:3478"}}},
		})
	}

	c, err := Dial(context.Background(), []string{fs.url()}, "local-id", ClientInfo{Name: "bench"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	room, err := c.RequestConnection(context.Background(), "laika-3f2a")
	if err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}
	if room.ID != "room-7" || room.DeviceID != "laika-3f2a" {
		t.Errorf("room = %+v, want id room-7 for laika-3f2a", room)
	}
	if len(room.ICEServers) != 1 || room.ICEServers[0].URLs[0] != "stun:fresh.test:3478" {
		t.Errorf("room ICE servers = %+v, want the refreshed set", room.ICEServers)
	}
}

// TestRoomRelayOrder verifies room-tagged messages reach the bound inbox in
// server send order.
func TestRoomRelayOrder(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle = func(conn *websocket.Conn, msg Message) {
		if msg.Type == TypeRequestConnection {
			conn.WriteJSON(Message{Type: TypeConnectionRequestSent, DeviceID: msg.DeviceID, RoomID: "room-1"})
		}
	}

	c, err := Dial(context.Background(), []string{fs.url()}, "local-id", ClientInfo{Name: "bench"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.RequestConnection(context.Background(), "dev-1"); err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}
	inbox := c.BindRoom("room-1")

	srvConn := <-fs.connCh
	sequence := []Message{
		{Type: TypeOffer, RoomID: "room-1", Offer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)},
		{Type: TypeICECandidate, RoomID: "room-1", Candidate: json.RawMessage(`{"candidate":"candidate:1"}`)},
		{Type: TypeICECandidate, RoomID: "room-1", Candidate: json.RawMessage(`{"candidate":"candidate:2"}`)},
		{Type: TypeConnectionSuccess, RoomID: "room-1"},
	}
	for _, msg := range sequence {
		if err := srvConn.WriteJSON(msg); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	for i, want := range sequence {
		got := recvMessage(t, inbox)
		if got.Type != want.Type {
			t.Fatalf("message %d type = %q, want %q", i, got.Type, want.Type)
		}
	}
}

// TestPresenceEvents verifies device_online/device_offline mutate the online
// map and surface as events.
func TestPresenceEvents(t *testing.T) {
	fs := newFakeServer(t)
	fs.devices = []DeviceInfo{{DeviceID: "dev-seed", Name: "Seed"}}

	c, err := Dial(context.Background(), []string{fs.url()}, "local-id", ClientInfo{Name: "bench"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if !c.Online("dev-seed") {
		t.Error("seed device from registration ack not online")
	}

	srvConn := <-fs.connCh
	srvConn.WriteJSON(Message{Type: TypeDeviceOnline, DeviceID: "dev-2", DeviceInfo: &DeviceInfo{DeviceID: "dev-2", Name: "Laika"}})

	ev := recvEvent(t, c.Events())
	if ev.Kind != EventDeviceOnline || ev.Device.DeviceID != "dev-2" {
		t.Fatalf("event = %+v, want dev-2 online", ev)
	}
	if !c.Online("dev-2") {
		t.Error("dev-2 not in online map after event")
	}

	srvConn.WriteJSON(Message{Type: TypeDeviceOffline, DeviceID: "dev-2"})
	ev = recvEvent(t, c.Events())
	if ev.Kind != EventDeviceOffline || ev.Device.DeviceID != "dev-2" {
		t.Fatalf("event = %+v, want dev-2 offline", ev)
	}
	if c.Online("dev-2") {
		t.Error("dev-2 still online after offline event")
	}

	devs := c.OnlineDevices()
	if len(devs) != 1 || devs[0].DeviceID != "dev-seed" {
		t.Errorf("OnlineDevices = %+v, want only the seed device", devs)
	}
}

// TestDroppedSocketEmitsClosed verifies a server-side disconnect surfaces as
// one closed event and a closed Done channel.
func TestDroppedSocketEmitsClosed(t *testing.T) {
	fs := newFakeServer(t)

	c, err := Dial(context.Background(), []string{fs.url()}, "local-id", ClientInfo{Name: "bench"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	srvConn := <-fs.connCh
	srvConn.Close()

	ev := recvEvent(t, c.Events())
	if ev.Kind != EventClosed || ev.Err == nil {
		t.Fatalf("event = %+v, want closed with cause", ev)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after socket drop")
	}

	if err := c.SendOffer("room-x", json.RawMessage(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("SendOffer after drop: got %v, want ErrClosed", err)
	}
}
