package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/laika-robotics/laikactl/internal/config"
	"github.com/laika-robotics/laikactl/internal/device"
	"github.com/laika-robotics/laikactl/internal/protocol"
	"github.com/laika-robotics/laikactl/internal/signaling"
	"github.com/laika-robotics/laikactl/internal/transport"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeSession struct {
	kind   transport.Kind
	remote string
	events chan transport.Event
	done   chan struct{}

	mu         sync.Mutex
	sent       []protocol.Envelope
	closeCalls int

	dropOnce sync.Once
}

func newFakeSession(remote string) *fakeSession {
	return &fakeSession{
		kind:   transport.KindLocal,
		remote: remote,
		events: make(chan transport.Event, 8),
		done:   make(chan struct{}),
	}
}

func (s *fakeSession) Kind() transport.Kind { return s.kind }
func (s *fakeSession) RemoteID() string     { return s.remote }

func (s *fakeSession) Send(_ context.Context, env protocol.Envelope) error {
	select {
	case <-s.done:
		return transport.ErrNotConnected
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Events() <-chan transport.Event { return s.events }
func (s *fakeSession) Done() <-chan struct{}          { return s.done }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.drop(nil)
	return nil
}

// drop ends the session the way a dead link would.
func (s *fakeSession) drop(cause error) {
	s.dropOnce.Do(func() {
		s.events <- transport.Event{Type: transport.EventClosed, Err: cause}
		close(s.done)
	})
}

func (s *fakeSession) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *fakeSession) sentEnvelopes() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.sent...)
}

type fakeStrategy struct {
	name    string
	timeout time.Duration
	attempt func(ctx context.Context, target string) (transport.Session, error)

	mu      sync.Mutex
	calls   int
	targets []string
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Timeout() time.Duration {
	if f.timeout > 0 {
		return f.timeout
	}
	return time.Second
}

func (f *fakeStrategy) Attempt(ctx context.Context, target string) (transport.Session, error) {
	f.mu.Lock()
	f.calls++
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	return f.attempt(ctx, target)
}

func (f *fakeStrategy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStrategy) seenTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...)
}

func failing(name string, err error) *fakeStrategy {
	return &fakeStrategy{name: name, attempt: func(context.Context, string) (transport.Session, error) {
		return nil, err
	}}
}

func succeeding(name string, sess transport.Session) *fakeStrategy {
	return &fakeStrategy{name: name, attempt: func(context.Context, string) (transport.Session, error) {
		return sess, nil
	}}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func testConfig() config.Config {
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	cfg.AutoReconnect = false
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg config.Config, strategies ...Strategy) *Orchestrator {
	t.Helper()
	o := New(cfg, device.NewCache())
	o.strategies = strategies
	o.backoffInitial = 10 * time.Millisecond
	t.Cleanup(func() { o.Close() })
	return o
}

func awaitEvent(t *testing.T, o *Orchestrator, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-o.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func awaitState(t *testing.T, o *Orchestrator, want ConnectionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-o.Events():
			if ev.Kind == EventStateChanged && ev.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Cascade
// ─────────────────────────────────────────────────────────────────────────────

func TestConnectWalksCascadeInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	sess := newFakeSession("rover-1")
	first := &fakeStrategy{name: "one", attempt: func(context.Context, string) (transport.Session, error) {
		record("one")
		return nil, errors.New("down")
	}}
	second := &fakeStrategy{name: "two", attempt: func(context.Context, string) (transport.Session, error) {
		record("two")
		return nil, errors.New("down")
	}}
	third := &fakeStrategy{name: "three", attempt: func(context.Context, string) (transport.Session, error) {
		record("three")
		return sess, nil
	}}
	fourth := failing("four", errors.New("down"))

	o := newTestOrchestrator(t, testConfig(), first, second, third, fourth)
	if err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	mu.Lock()
	got := strings.Join(order, ",")
	mu.Unlock()
	if got != "one,two,three" {
		t.Fatalf("cascade order = %q, want one,two,three", got)
	}
	if fourth.callCount() != 0 {
		t.Fatalf("rung after the first success was attempted %d times", fourth.callCount())
	}
	if o.State() != StateConnected {
		t.Fatalf("state = %s, want connected", o.State())
	}
	if o.Transport() != transport.KindLocal {
		t.Fatalf("transport = %q, want local", o.Transport())
	}
	if o.RemoteID() != "rover-1" {
		t.Fatalf("remote = %q, want rover-1", o.RemoteID())
	}
}

func TestConnectFailureReportsEveryStep(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(),
		failing("webrtc", errors.New("pool down")),
		failing("registry", errors.New("http 503")),
		failing("mdns", errors.New("no robots found")),
		failing("ble", errors.New("adapter off")),
	)

	err := o.Connect(context.Background(), "")
	if err == nil {
		t.Fatal("Connect succeeded with every rung failing")
	}

	var cerr *CascadeError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *CascadeError", err)
	}
	if !errors.Is(err, ErrNoTransport) {
		t.Fatal("exhausted cascade does not match ErrNoTransport")
	}
	if len(cerr.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(cerr.Steps))
	}
	for i, name := range []string{"webrtc", "registry", "mdns", "ble"} {
		if cerr.Steps[i].Strategy != name {
			t.Fatalf("step %d = %q, want %q", i, cerr.Steps[i].Strategy, name)
		}
	}
	if !strings.HasPrefix(err.Error(), "no transport available") {
		t.Fatalf("message = %q, want the nothing-reachable prefix", err.Error())
	}
	if o.State() != StateFailed {
		t.Fatalf("state = %s, want failed", o.State())
	}
	if o.LastError() == nil || !errors.As(o.LastError(), &cerr) {
		t.Fatalf("LastError = %v, want the cascade error", o.LastError())
	}
}

func TestConnectRetriesAfterFailure(t *testing.T) {
	sess := newFakeSession("rover-2")
	flaky := &fakeStrategy{name: "flaky"}
	flaky.attempt = func(context.Context, string) (transport.Session, error) {
		if flaky.callCount() == 1 {
			return nil, errors.New("first try down")
		}
		return sess, nil
	}

	o := newTestOrchestrator(t, testConfig(), flaky)

	if err := o.Connect(context.Background(), ""); err == nil {
		t.Fatal("first connect succeeded, want failure")
	}
	if o.State() != StateFailed {
		t.Fatalf("state = %s, want failed", o.State())
	}

	if err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("retry from failed state: %v", err)
	}
	if o.State() != StateConnected {
		t.Fatalf("state = %s, want connected", o.State())
	}
}

func TestRejectionClassified(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(),
		failing("webrtc", fmt.Errorf("%w: rover-3: busy", signaling.ErrRequestRejected)),
		failing("mdns", errors.New("no robots found")),
	)

	err := o.Connect(context.Background(), "rover-3")
	var cerr *CascadeError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *CascadeError", err)
	}
	if !cerr.Rejected() {
		t.Fatal("Rejected() = false with a rejection step present")
	}
	if !strings.HasPrefix(err.Error(), "a robot rejected the connection") {
		t.Fatalf("message = %q, want the rejection prefix", err.Error())
	}
	if !errors.Is(err, signaling.ErrRequestRejected) {
		t.Fatal("errors.Is lost the rejection cause")
	}
}

func TestConnectPassesTargetThrough(t *testing.T) {
	sess := newFakeSession("rover-7")
	st := succeeding("only", sess)
	o := newTestOrchestrator(t, testConfig(), st)

	if err := o.Connect(context.Background(), "rover-7"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := st.seenTargets(); len(got) != 1 || got[0] != "rover-7" {
		t.Fatalf("strategy saw targets %v, want [rover-7]", got)
	}
}

func TestStrategyTimeoutMovesCascadeOn(t *testing.T) {
	hung := &fakeStrategy{name: "hung", timeout: 50 * time.Millisecond}
	hung.attempt = func(ctx context.Context, _ string) (transport.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sess := newFakeSession("rover-4")

	o := newTestOrchestrator(t, testConfig(), hung, succeeding("next", sess))

	start := time.Now()
	if err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("hung rung held the cascade for %s", elapsed)
	}
	if o.Transport() != transport.KindLocal {
		t.Fatalf("transport = %q, want the second rung's session", o.Transport())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Single slot
// ─────────────────────────────────────────────────────────────────────────────

func TestConcurrentConnectFailsFast(t *testing.T) {
	gate := make(chan struct{})
	sess := newFakeSession("rover-5")
	gated := &fakeStrategy{name: "gated", attempt: func(ctx context.Context, _ string) (transport.Session, error) {
		select {
		case <-gate:
			return sess, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}

	o := newTestOrchestrator(t, testConfig(), gated)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Connect(context.Background(), "") }()
	awaitState(t, o, StateConnecting)

	if err := o.Connect(context.Background(), ""); !errors.Is(err, ErrAlreadyConnecting) {
		t.Fatalf("second connect = %v, want ErrAlreadyConnecting", err)
	}

	close(gate)
	if err := <-errCh; err != nil {
		t.Fatalf("first connect: %v", err)
	}

	if err := o.Connect(context.Background(), ""); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("connect over live session = %v, want ErrAlreadyConnected", err)
	}
	if o.RemoteID() != "rover-5" {
		t.Fatalf("slot changed to %q after rejected connects", o.RemoteID())
	}
}

func TestDisconnectAbortsInFlightConnect(t *testing.T) {
	blocked := &fakeStrategy{name: "blocked", attempt: func(ctx context.Context, _ string) (transport.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	o := newTestOrchestrator(t, testConfig(), blocked)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Connect(context.Background(), "") }()
	awaitState(t, o, StateConnecting)

	if err := o.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrConnectAborted) {
		t.Fatalf("aborted connect = %v, want ErrConnectAborted", err)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %s, want idle", o.State())
	}
}

func TestLateSessionAfterDisconnectIsClosed(t *testing.T) {
	gate := make(chan struct{})
	sess := newFakeSession("rover-6")
	gated := &fakeStrategy{name: "gated", attempt: func(_ context.Context, _ string) (transport.Session, error) {
		<-gate
		return sess, nil
	}}

	o := newTestOrchestrator(t, testConfig(), gated)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Connect(context.Background(), "") }()
	awaitState(t, o, StateConnecting)

	o.Disconnect()
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrConnectAborted) {
		t.Fatalf("connect = %v, want ErrConnectAborted", err)
	}
	if sess.closes() == 0 {
		t.Fatal("session that lost the race to Disconnect was not closed")
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %s, want idle", o.State())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	sess := newFakeSession("rover-8")
	o := newTestOrchestrator(t, testConfig(), succeeding("only", sess))

	if err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := o.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := o.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if got := sess.closes(); got != 1 {
		t.Fatalf("session closed %d times, want 1", got)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %s, want idle", o.State())
	}

	// A requested teardown must not read as connection loss.
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-o.Events():
			if ev.Kind == EventConnectionLost {
				t.Fatal("Disconnect produced a connection-lost event")
			}
		case <-timeout:
			return
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Traffic and loss
// ─────────────────────────────────────────────────────────────────────────────

func TestSendRoutesToActiveSession(t *testing.T) {
	sess := newFakeSession("rover-9")
	o := newTestOrchestrator(t, testConfig(), succeeding("only", sess))

	env, err := protocol.NewCommand("sit", nil)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if err := o.Send(context.Background(), env); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send while idle = %v, want ErrNotConnected", err)
	}

	if err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := o.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := sess.sentEnvelopes(); len(got) != 1 || got[0].ID != env.ID {
		t.Fatalf("session recorded %v, want the sit command", got)
	}

	o.Disconnect()
	if err := o.Send(context.Background(), env); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestInboundMessagesReachEventStream(t *testing.T) {
	sess := newFakeSession("rover-10")
	o := newTestOrchestrator(t, testConfig(), succeeding("only", sess))

	if err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sess.events <- transport.Event{
		Type:    transport.EventMessage,
		Message: protocol.Envelope{Type: protocol.TypeTelemetry, ID: "t-1", Timestamp: 1700000000000},
	}

	ev := awaitEvent(t, o, EventMessage)
	if ev.Message.ID != "t-1" {
		t.Fatalf("message ID = %q, want t-1", ev.Message.ID)
	}
	if ev.Transport != transport.KindLocal {
		t.Fatalf("transport tag = %q, want local", ev.Transport)
	}
}

func TestLinkLossEmitsConnectionLost(t *testing.T) {
	sess := newFakeSession("rover-11")
	o := newTestOrchestrator(t, testConfig(), succeeding("only", sess))

	if err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	cause := errors.New("link reset")
	sess.drop(cause)

	ev := awaitEvent(t, o, EventConnectionLost)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "link reset") {
		t.Fatalf("loss cause = %v, want the link error", ev.Err)
	}
	if o.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", o.State())
	}
	hb := protocol.Envelope{Type: protocol.TypeHeartbeat, ID: "hb-1", Timestamp: 1700000000000}
	if err := o.Send(context.Background(), hb); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send after loss = %v, want ErrNotConnected", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Auto-reconnect
// ─────────────────────────────────────────────────────────────────────────────

func TestAutoReconnectAfterLoss(t *testing.T) {
	st := &fakeStrategy{name: "only"}
	st.attempt = func(context.Context, string) (transport.Session, error) {
		return newFakeSession(fmt.Sprintf("rover-%d", st.callCount())), nil
	}

	cfg := testConfig()
	cfg.AutoReconnect = true
	o := newTestOrchestrator(t, cfg, st)

	if err := o.Connect(context.Background(), "rover"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, o, StateConnected)

	o.mu.Lock()
	sess := o.current.(*fakeSession)
	o.mu.Unlock()
	sess.drop(errors.New("link reset"))

	awaitState(t, o, StateConnected)
	if got := st.callCount(); got < 2 {
		t.Fatalf("strategy attempts = %d, want a reconnect attempt", got)
	}
	if got := st.seenTargets(); got[len(got)-1] != "rover" {
		t.Fatalf("reconnect used target %q, want the original", got[len(got)-1])
	}
}

func TestDisconnectStopsAutoReconnect(t *testing.T) {
	st := &fakeStrategy{name: "only"}
	st.attempt = func(ctx context.Context, _ string) (transport.Session, error) {
		if st.callCount() == 1 {
			return newFakeSession("rover-12"), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	cfg := testConfig()
	cfg.AutoReconnect = true
	o := newTestOrchestrator(t, cfg, st)

	if err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, o, StateConnected)

	o.mu.Lock()
	sess := o.current.(*fakeSession)
	o.mu.Unlock()
	sess.drop(errors.New("link reset"))

	// The reconnect loop's first attempt parks in the strategy.
	awaitState(t, o, StateConnecting)

	o.Disconnect()

	deadline := time.Now().Add(time.Second)
	for o.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %s, want idle after disconnect", o.State())
	}

	calls := st.callCount()
	time.Sleep(100 * time.Millisecond)
	if got := st.callCount(); got != calls {
		t.Fatalf("strategy attempts grew from %d to %d after disconnect", calls, got)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %s, want idle to stick", o.State())
	}
}
