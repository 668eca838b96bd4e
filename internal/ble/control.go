package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/laika-robotics/laikactl/internal/logx"
	"github.com/laika-robotics/laikactl/internal/protocol"
	"github.com/laika-robotics/laikactl/internal/telemetry"
	"github.com/laika-robotics/laikactl/internal/transport"
)

// Vendor serial service carried by provisioned robots next to the Improv
// service. Write is controller→robot, notify is robot→controller.
const (
	ControlServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	controlWriteUUID   = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	controlNotifyUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// controlMTU caps one envelope write. BlueZ long writes top out at 512 bytes,
// and the firmware sends each envelope as exactly one notification.
const controlMTU = 512

// ControlSession drives the command envelope protocol over the vendor serial
// characteristics, making a BLE link usable as a full control channel.
type ControlSession struct {
	dev    *Device
	events chan transport.Event

	stopNotify func()
	closeOnce  sync.Once
}

// NewControlSession wires the control characteristics of a connected device.
// Fails with ErrNotResolved when the peripheral does not expose the vendor
// serial service.
func NewControlSession(dev *Device) (*ControlSession, error) {
	if !dev.Has(controlWriteUUID) || !dev.Has(controlNotifyUUID) {
		return nil, fmt.Errorf("%w: control channel", ErrNotResolved)
	}

	s := &ControlSession{
		dev:    dev,
		events: make(chan transport.Event, 32),
	}

	stop, err := dev.Notify(controlNotifyUUID, s.onNotify)
	if err != nil {
		return nil, err
	}
	s.stopNotify = stop

	go func() {
		<-dev.Done()
		s.closeOnce.Do(func() {
			s.emit(transport.Event{Type: transport.EventClosed, Err: errors.New("ble: link lost")})
		})
	}()

	return s, nil
}

// onNotify decodes one notification into an envelope event. Malformed frames
// are dropped; the firmware occasionally pads with keepalive noise.
func (s *ControlSession) onNotify(value []byte) {
	env, err := protocol.Decode(value)
	if err != nil {
		logx.Debug("ble: 封包解碼失敗: %v", err)
		return
	}
	telemetry.Stats.AddEvent(len(value))
	s.emit(transport.Event{Type: transport.EventMessage, Message: env})
}

func (s *ControlSession) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	default:
		logx.Debug("ble: 事件 inbox 已滿，丟棄")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// transport.Session
// ─────────────────────────────────────────────────────────────────────────────

func (s *ControlSession) Kind() transport.Kind { return transport.KindBLE }

func (s *ControlSession) RemoteID() string { return s.dev.Address() }

// Send writes one envelope as a single GATT write.
func (s *ControlSession) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-s.dev.Done():
		return transport.ErrNotConnected
	default:
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if len(data) > controlMTU {
		return ErrFrameTooLarge
	}
	if err := s.dev.Write(ctx, controlWriteUUID, data); err != nil {
		return err
	}
	telemetry.Stats.AddCommand(len(data))
	return nil
}

func (s *ControlSession) Events() <-chan transport.Event { return s.events }

func (s *ControlSession) Done() <-chan struct{} { return s.dev.Done() }

// Close stops notifications and disconnects the peripheral.
func (s *ControlSession) Close() error {
	s.closeOnce.Do(func() {
		s.emit(transport.Event{Type: transport.EventClosed})
	})
	s.stopNotify()
	return s.dev.Close()
}
