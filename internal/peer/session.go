package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/laika-robotics/laikactl/internal/logx"
	"github.com/laika-robotics/laikactl/internal/protocol"
	"github.com/laika-robotics/laikactl/internal/signaling"
	"github.com/laika-robotics/laikactl/internal/telemetry"
	"github.com/laika-robotics/laikactl/internal/transport"
)

// Session implements transport.Session over one PeerConnection and one data
// channel negotiated in a signaling room.
//
// Its lifecycle is governed by the data channel: open marks the session
// usable, close or error tears it down. The PeerConnection state is watched
// to send the connection_established acknowledgement and to catch ICE
// failure, but the channel drives open/close decisions.
type Session struct {
	pc   *webrtc.PeerConnection
	sig  Signaler
	room signaling.Room

	dcMu sync.RWMutex
	dc   *webrtc.DataChannel

	candMu    sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	events chan transport.Event
	ready  chan struct{}
	done   chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
}

// Dial runs the offering side for a negotiated room: it builds the peer
// connection from the room's ICE servers, opens the control channel, sends
// the offer, and waits for the channel to open. Local ICE candidates trickle
// out through signaling as they are gathered. On any failure, including ctx
// expiry, the underlying connection is torn down rather than left gathering.
func Dial(ctx context.Context, sig Signaler, room signaling.Room) (*Session, error) {
	pc, err := newPeerConnection(room.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("peer: new connection: %w", err)
	}

	s := newSession(pc, sig, room)
	fail := func(err error) (*Session, error) {
		pc.Close()
		sig.ReleaseRoom(room.ID)
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		return fail(fmt.Errorf("peer: new data channel: %w", err))
	}
	s.bindChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("peer: create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("peer: set local description: %w", err))
	}

	raw, err := json.Marshal(offer)
	if err != nil {
		return fail(fmt.Errorf("peer: encode offer: %w", err))
	}
	if err := sig.SendOffer(room.ID, raw); err != nil {
		return fail(err)
	}

	go s.pump(sig.BindRoom(room.ID))

	return s.awaitOpen(ctx)
}

// Answer runs the answering side for an offer relayed into a room: it builds
// the peer connection, applies the offer, returns the answer through
// signaling, and waits for the offerer's control channel to arrive and open.
func Answer(ctx context.Context, sig Signaler, room signaling.Room, offer json.RawMessage) (*Session, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("peer: decode offer: %w", err)
	}

	pc, err := newPeerConnection(room.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("peer: new connection: %w", err)
	}

	s := newSession(pc, sig, room)
	fail := func(err error) (*Session, error) {
		pc.Close()
		sig.ReleaseRoom(room.ID)
		return nil, err
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != controlChannelLabel {
			logx.Debug("peer: 非預期 data channel %q，忽略", dc.Label())
			return
		}
		s.bindChannel(dc)
	})

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fail(fmt.Errorf("peer: set remote description: %w", err))
	}
	s.candMu.Lock()
	s.remoteSet = true
	s.candMu.Unlock()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("peer: create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("peer: set local description: %w", err))
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		return fail(fmt.Errorf("peer: encode answer: %w", err))
	}
	if err := sig.SendAnswer(room.ID, raw); err != nil {
		return fail(err)
	}

	go s.pump(sig.BindRoom(room.ID))

	return s.awaitOpen(ctx)
}

// newSession wires the connection-level handlers. Channel-level handlers are
// attached by bindChannel once the channel exists.
func newSession(pc *webrtc.PeerConnection, sig Signaler, room signaling.Room) *Session {
	s := &Session{
		pc:     pc,
		sig:    sig,
		room:   room,
		events: make(chan transport.Event, 32),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end of gathering
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		// Trickle: forward immediately, even if the remote side has not
		// applied our description yet. Buffering early arrivals is the
		// receiver's job.
		if err := s.sig.SendCandidate(s.room.ID, raw); err != nil {
			logx.Debug("peer: 候選轉送失敗: %v", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logx.Debug("peer: connection state %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			// The remote peer cannot tell the channel is usable on this
			// side without an explicit acknowledgement.
			if err := s.sig.SendConnectionEstablished(s.room.ID); err != nil {
				logx.Debug("peer: connection_established 送出失敗: %v", err)
			}
		case webrtc.PeerConnectionStateFailed:
			s.shutdown(errors.New("peer: ice failed"))
		}
	})

	return s
}

// bindChannel attaches the control channel. The offering side calls it with
// the channel it created, the answering side from OnDataChannel.
func (s *Session) bindChannel(dc *webrtc.DataChannel) {
	s.dcMu.Lock()
	s.dc = dc
	s.dcMu.Unlock()

	dc.OnOpen(func() {
		logx.Debug("peer: data channel %q 已開啟", dc.Label())
		s.openOnce.Do(func() { close(s.ready) })
	})
	dc.OnClose(func() {
		s.shutdown(errors.New("peer: data channel closed"))
	})
	dc.OnError(func(err error) {
		s.shutdown(fmt.Errorf("peer: data channel: %w", err))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.onMessage(msg.Data)
	})
}

// awaitOpen blocks until the control channel opens, the session dies, or ctx
// expires. Expiry aborts the connection attempt, not just the wait.
func (s *Session) awaitOpen(ctx context.Context) (*Session, error) {
	select {
	case <-s.ready:
		return s, nil
	case <-s.done:
		return nil, errors.New("peer: session closed during negotiation")
	case <-ctx.Done():
		s.shutdown(nil)
		return nil, fmt.Errorf("peer: waiting for data channel: %w", ctx.Err())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Signaling relay handling
// ─────────────────────────────────────────────────────────────────────────────

// pump consumes the room's relayed messages in arrival order until the
// session ends.
func (s *Session) pump(inbox <-chan signaling.Message) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-inbox:
			s.handleSignal(msg)
		}
	}
}

func (s *Session) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Answer, &desc); err != nil {
			logx.Debug("peer: answer 解碼失敗: %v", err)
			return
		}
		s.applyRemote(desc)

	case signaling.TypeICECandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &init); err != nil {
			logx.Debug("peer: 候選解碼失敗: %v", err)
			return
		}
		s.addRemoteCandidate(init)

	case signaling.TypeOffer:
		// A fresh offer mid-session would be renegotiation, which neither
		// end initiates.
		logx.Debug("peer: room %s 收到非預期 offer，忽略", s.room.ID)

	case signaling.TypeConnectionSuccess:
		logx.Debug("peer: room %s 對端回報連線成功", s.room.ID)

	default:
		logx.Debug("peer: room %s 未知訊息 %q，丟棄", s.room.ID, msg.Type)
	}
}

// applyRemote installs the remote description and flushes candidates that
// arrived before it.
func (s *Session) applyRemote(desc webrtc.SessionDescription) {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.shutdown(fmt.Errorf("peer: set remote description: %w", err))
		return
	}

	s.candMu.Lock()
	pending := s.pending
	s.pending = nil
	s.remoteSet = true
	s.candMu.Unlock()

	for _, init := range pending {
		if err := s.pc.AddICECandidate(init); err != nil {
			logx.Debug("peer: 暫存候選套用失敗: %v", err)
		}
	}
}

// addRemoteCandidate applies a relayed candidate, buffering it when the
// remote description is not in place yet. Buffered candidates keep their
// arrival order.
func (s *Session) addRemoteCandidate(init webrtc.ICECandidateInit) {
	s.candMu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, init)
		s.candMu.Unlock()
		return
	}
	s.candMu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		logx.Debug("peer: 新增 ICE 候選失敗: %v", err)
	}
}

// onMessage decodes one inbound frame into an envelope event. Malformed
// frames are dropped.
func (s *Session) onMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		logx.Debug("peer: 封包解碼失敗: %v", err)
		return
	}
	telemetry.Stats.AddEvent(len(data))
	s.emit(transport.Event{Type: transport.EventMessage, Message: env})
}

func (s *Session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	default:
		logx.Debug("peer: 事件 inbox 已滿，丟棄")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// transport.Session
// ─────────────────────────────────────────────────────────────────────────────

func (s *Session) Kind() transport.Kind { return transport.KindWebRTC }

func (s *Session) RemoteID() string { return s.room.DeviceID }

// Send writes one envelope synchronously. There is no internal queue; the
// caller sees ErrNotConnected whenever the channel is not open.
func (s *Session) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-s.done:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dc := s.channel()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrNotConnected
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("peer: send: %w", err)
	}
	telemetry.Stats.AddCommand(len(data))
	return nil
}

func (s *Session) channel() *webrtc.DataChannel {
	s.dcMu.RLock()
	defer s.dcMu.RUnlock()
	return s.dc
}

func (s *Session) Events() <-chan transport.Event { return s.events }

func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears down the peer connection and releases the room binding.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sig.ReleaseRoom(s.room.ID)
		s.pc.Close()
		if cause != nil {
			logx.Warn("peer: session ended: %v", cause)
		}
		s.emit(transport.Event{Type: transport.EventClosed, Err: cause})
	})
}
