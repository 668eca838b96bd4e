package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/laika-robotics/laikactl/internal/ble"
	"github.com/laika-robotics/laikactl/internal/config"
	"github.com/laika-robotics/laikactl/internal/device"
	"github.com/laika-robotics/laikactl/internal/discovery"
	"github.com/laika-robotics/laikactl/internal/local"
	"github.com/laika-robotics/laikactl/internal/logx"
	"github.com/laika-robotics/laikactl/internal/peer"
	"github.com/laika-robotics/laikactl/internal/registry"
	"github.com/laika-robotics/laikactl/internal/signaling"
	"github.com/laika-robotics/laikactl/internal/transport"
)

// Strategy is one rung of the connect cascade. Adding or reordering
// transports is a change to the strategy list, not to the connect loop.
type Strategy interface {
	// Name labels the rung in logs and cascade errors.
	Name() string
	// Timeout bounds one attempt so a hung transport cannot starve the
	// rungs below it.
	Timeout() time.Duration
	// Attempt tries to produce a live session to the target robot, or to
	// any robot when target is empty.
	Attempt(ctx context.Context, target string) (transport.Session, error)
}

// defaultStrategies builds the production cascade in priority order.
func defaultStrategies(cfg config.Config, cache *device.Cache) []Strategy {
	return []Strategy{
		&webrtcStrategy{cfg: cfg, cache: cache},
		&registryStrategy{cfg: cfg, cache: cache},
		&mdnsStrategy{cfg: cfg, cache: cache},
		&bleStrategy{cfg: cfg, cache: cache},
	}
}

// pickDescriptor selects the dial target from a discovery result. The first
// entry is the best-ranked one; an explicit target must actually be present.
func pickDescriptor(devs []device.Descriptor, target string) (device.Descriptor, error) {
	if len(devs) == 0 {
		return device.Descriptor{}, errors.New("no robots found")
	}
	if target == "" {
		return devs[0], nil
	}
	for _, d := range devs {
		if strings.EqualFold(d.ID, target) || strings.EqualFold(d.Name, target) {
			return d, nil
		}
	}
	return device.Descriptor{}, fmt.Errorf("robot %q not among the %d found", target, len(devs))
}

// ─────────────────────────────────────────────────────────────────────────────
// WebRTC via signaling
// ─────────────────────────────────────────────────────────────────────────────

type webrtcStrategy struct {
	cfg   config.Config
	cache *device.Cache
}

func (s *webrtcStrategy) Name() string { return "webrtc" }

// Timeout grants each pool member its server budget plus one more for the
// peer negotiation.
func (s *webrtcStrategy) Timeout() time.Duration {
	return s.cfg.StepTimeout * time.Duration(len(s.cfg.SignalingServers)+1)
}

func (s *webrtcStrategy) Attempt(ctx context.Context, target string) (transport.Session, error) {
	info := signaling.ClientInfo{Name: s.cfg.ClientName, Platform: runtime.GOOS}
	sc, err := signaling.Dial(ctx, s.cfg.SignalingServers, s.cfg.ClientID, info, s.cfg.StepTimeout)
	if err != nil {
		return nil, err
	}

	online := sc.OnlineDevices()
	s.cache.ReplaceAll(device.HintWebRTC, descriptorsFromPresence(online))

	pick, err := resolveOnline(online, target)
	if err != nil {
		sc.Close()
		return nil, err
	}

	room, err := sc.RequestConnection(ctx, pick)
	if err != nil {
		sc.Close()
		return nil, err
	}
	if len(room.ICEServers) == 0 {
		// Neither the request reply nor registration carried ICE servers;
		// fall back to the configured STUN set.
		room.ICEServers = []signaling.ICEServer{{URLs: s.cfg.STUNServers}}
	}

	ps, err := peer.Dial(ctx, sc, room)
	if err != nil {
		sc.Close()
		return nil, err
	}
	return bindSignaling(ps, sc, s.cache), nil
}

// resolveOnline maps the requested target to a device ID the server knows.
// An explicit target matches ID or advertised name.
func resolveOnline(online []signaling.DeviceInfo, target string) (string, error) {
	if target == "" {
		if len(online) == 0 {
			return "", errors.New("no robots online")
		}
		return online[0].DeviceID, nil
	}
	for _, d := range online {
		if strings.EqualFold(d.DeviceID, target) || strings.EqualFold(d.Name, target) {
			return d.DeviceID, nil
		}
	}
	return "", fmt.Errorf("robot %q not online", target)
}

func descriptorsFromPresence(online []signaling.DeviceInfo) []device.Descriptor {
	now := time.Now()
	out := make([]device.Descriptor, 0, len(online))
	for _, d := range online {
		out = append(out, device.Descriptor{
			ID:        d.DeviceID,
			Name:      d.Name,
			Transport: device.HintWebRTC,
			LastSeen:  now,
			Online:    true,
		})
	}
	return out
}

// boundSession ties a peer session to the signaling client it negotiated
// through. A dropped signaling socket tears the session down, and closing
// the session releases the socket. While the pair lives, presence events
// keep the device cache warm for the next connect.
type boundSession struct {
	transport.Session
	sc *signaling.Client
}

func bindSignaling(ps transport.Session, sc *signaling.Client, cache *device.Cache) transport.Session {
	b := &boundSession{Session: ps, sc: sc}
	go func() {
		for {
			select {
			case <-sc.Done():
				logx.Warn("orchestrator: signaling dropped, closing webrtc session")
				ps.Close()
				sc.Close()
				return
			case <-ps.Done():
				sc.Close()
				return
			case ev := <-sc.Events():
				switch ev.Kind {
				case signaling.EventDeviceOnline:
					cache.MarkOnline(ev.Device.DeviceID, ev.Device.Name, device.HintWebRTC)
				case signaling.EventDeviceOffline:
					cache.MarkOffline(ev.Device.DeviceID)
				}
			}
		}
	}()
	return b
}

func (b *boundSession) Close() error {
	err := b.Session.Close()
	b.sc.Close()
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry lookup, then direct dial
// ─────────────────────────────────────────────────────────────────────────────

type registryStrategy struct {
	cfg   config.Config
	cache *device.Cache
}

func (s *registryStrategy) Name() string { return "registry" }

func (s *registryStrategy) Timeout() time.Duration { return s.cfg.StepTimeout }

func (s *registryStrategy) Attempt(ctx context.Context, target string) (transport.Session, error) {
	if s.cfg.RegistryURL == "" {
		return nil, errors.New("registry not configured")
	}

	devs, err := registry.NewClient(s.cfg.RegistryURL).FreshDevices(ctx, s.cfg.StaleWindow)
	if err != nil {
		return nil, err
	}
	s.cache.ReplaceAll(device.HintRegistry, devs)

	pick, err := pickDescriptor(devs, target)
	if err != nil {
		return nil, fmt.Errorf("no robot seen within %s: %w", s.cfg.StaleWindow, err)
	}
	if pick.Address == "" {
		return nil, fmt.Errorf("registry record for %q has no address", pick.ID)
	}
	return local.Dial(ctx, pick.Address, pick.ID)
}

// ─────────────────────────────────────────────────────────────────────────────
// mDNS scan, then direct dial
// ─────────────────────────────────────────────────────────────────────────────

type mdnsStrategy struct {
	cfg   config.Config
	cache *device.Cache
}

func (s *mdnsStrategy) Name() string { return "mdns" }

func (s *mdnsStrategy) Timeout() time.Duration { return s.cfg.StepTimeout }

func (s *mdnsStrategy) Attempt(ctx context.Context, target string) (transport.Session, error) {
	scanner, err := discovery.NewScanner()
	if err != nil {
		return nil, err
	}

	devs, err := scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.ReplaceAll(device.HintLocal, devs)

	pick, err := pickDescriptor(devs, target)
	if err != nil {
		return nil, err
	}
	return local.Dial(ctx, pick.Address, pick.ID)
}

// ─────────────────────────────────────────────────────────────────────────────
// BLE control channel
// ─────────────────────────────────────────────────────────────────────────────

type bleStrategy struct {
	cfg   config.Config
	cache *device.Cache
}

func (s *bleStrategy) Name() string { return "ble" }

// Timeout is wider than the network rungs: a scan window plus a GATT
// connect regularly exceeds ten seconds on a busy radio.
func (s *bleStrategy) Timeout() time.Duration { return s.cfg.BLETimeout }

func (s *bleStrategy) Attempt(ctx context.Context, target string) (transport.Session, error) {
	adapter, err := ble.Open()
	if err != nil {
		return nil, err
	}
	adopted := false
	defer func() {
		if !adopted {
			adapter.Close()
		}
	}()

	cands, err := adapter.Scan(ctx, s.cfg.BLENamePrefix)
	if err != nil {
		return nil, err
	}

	pick, err := pickCandidate(cands, target)
	if err != nil {
		return nil, err
	}

	dev, err := adapter.Connect(ctx, pick)
	if err != nil {
		return nil, err
	}

	cs, err := ble.NewControlSession(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}

	s.cache.MarkOnline(pick.Address, pick.Name, device.HintBLE)
	adopted = true
	return bindAdapter(cs, adapter), nil
}

// pickCandidate selects from the RSSI-ranked scan result. An explicit target
// matches the advertised name or the hardware address.
func pickCandidate(cands []ble.Candidate, target string) (ble.Candidate, error) {
	if len(cands) == 0 {
		return ble.Candidate{}, errors.New("no peripherals found")
	}
	if target == "" {
		return cands[0], nil
	}
	for _, c := range cands {
		if strings.EqualFold(c.Name, target) || strings.EqualFold(c.Address, target) {
			return c, nil
		}
	}
	return ble.Candidate{}, fmt.Errorf("peripheral %q not among the %d found", target, len(cands))
}

// bleSession keeps the adapter's bus connection alive for the session's
// life and releases it afterwards.
type bleSession struct {
	transport.Session
	adapter *ble.Adapter
}

func bindAdapter(cs transport.Session, adapter *ble.Adapter) transport.Session {
	s := &bleSession{Session: cs, adapter: adapter}
	go func() {
		<-cs.Done()
		adapter.Close()
	}()
	return s
}

func (s *bleSession) Close() error {
	err := s.Session.Close()
	s.adapter.Close()
	return err
}
