package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/laika-robotics/laikactl/internal/logx"
)

// Device is one connected GATT session. It satisfies improv.Peripheral and
// carries the control channel. All characteristic lookups are by UUID; BlueZ
// reports them lowercase, so keys are normalized on the way in and out.
type Device struct {
	bz   *bluez
	path dbus.ObjectPath

	addr string
	name string

	chars map[string]dbus.ObjectPath // uuid (lowercase) → object path

	mu       sync.Mutex
	handlers map[dbus.ObjectPath]func([]byte)

	sigStop   func()
	done      chan struct{}
	closeOnce sync.Once
}

// Connect opens a GATT session to a scanned candidate: connect, wait for
// service resolution, and index every characteristic the peripheral exposes.
// Which characteristics are present is the caller's concern; missing ones
// only degrade the matching capability.
func (a *Adapter) Connect(ctx context.Context, cand Candidate) (*Device, error) {
	d := &Device{
		bz:       a.bz,
		path:     cand.Path,
		addr:     cand.Address,
		name:     cand.Name,
		chars:    make(map[string]dbus.ObjectPath),
		handlers: make(map[dbus.ObjectPath]func([]byte)),
		done:     make(chan struct{}),
	}

	// Subscribe before connecting so no PropertiesChanged is missed.
	sigCh, stop := a.bz.subscribeSignals()
	d.sigStop = stop

	obj := a.bz.conn.Object(busName, d.path)
	if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		stop()
		return nil, fmt.Errorf("ble: connect %s: %w", cand.Address, err)
	}

	if err := d.waitServicesResolved(ctx, sigCh); err != nil {
		stop()
		obj.Call(deviceIface+".Disconnect", 0)
		return nil, err
	}

	if err := d.indexCharacteristics(); err != nil {
		stop()
		obj.Call(deviceIface+".Disconnect", 0)
		return nil, err
	}

	go d.pump(sigCh)

	logx.Debug("ble: %s 已連線，解析出 %d 個 characteristic", cand.Address, len(d.chars))
	return d, nil
}

// waitServicesResolved blocks until BlueZ finished GATT discovery for the
// device. The property may already be true from a previous session.
func (d *Device) waitServicesResolved(ctx context.Context, sigCh chan *dbus.Signal) error {
	for {
		resolved, err := d.bz.getBool(d.path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("ble: waiting for service resolution: %w", ctx.Err())
		case sig, ok := <-sigCh:
			if !ok {
				return fmt.Errorf("ble: bus connection lost")
			}
			if sig.Name == propsSignal && sig.Path == d.path {
				continue // re-check the property
			}
		case <-time.After(time.Second):
			// Periodic re-check; some BlueZ versions resolve without
			// emitting a change for ServicesResolved.
		}
	}
}

// indexCharacteristics maps every GattCharacteristic1 under the device path
// by UUID.
func (d *Device) indexCharacteristics() error {
	objs, err := d.bz.managed()
	if err != nil {
		return err
	}
	prefix := string(d.path) + "/"
	for path, ifaces := range objs {
		props, ok := ifaces[charIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if v, ok := props["UUID"]; ok {
			if uuid, ok := v.Value().(string); ok {
				d.chars[strings.ToLower(uuid)] = path
			}
		}
	}
	return nil
}

// pump dispatches bus signals: characteristic value notifications to their
// handlers, and the device's Connected property dropping to false to Done.
// It owns the signal subscription and releases it on exit.
func (d *Device) pump(sigCh chan *dbus.Signal) {
	defer d.sigStop()
	for {
		select {
		case <-d.done:
			return
		case sig, ok := <-sigCh:
			if !ok {
				d.closeOnce.Do(func() { close(d.done) })
				return
			}
			d.dispatch(sig)
		}
	}
}

func (d *Device) dispatch(sig *dbus.Signal) {
	if sig.Name != propsSignal || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case charIface:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		value, ok := v.Value().([]byte)
		if !ok {
			return
		}
		d.mu.Lock()
		fn := d.handlers[sig.Path]
		d.mu.Unlock()
		if fn != nil {
			fn(value)
		}

	case deviceIface:
		if sig.Path != d.path {
			return
		}
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		if connected, _ := v.Value().(bool); !connected {
			logx.Debug("ble: %s 連線中斷", d.addr)
			d.closeOnce.Do(func() { close(d.done) })
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// GATT surface
// ─────────────────────────────────────────────────────────────────────────────

// Has reports whether a characteristic with the given UUID was resolved.
func (d *Device) Has(uuid string) bool {
	_, ok := d.chars[strings.ToLower(uuid)]
	return ok
}

func (d *Device) char(uuid string) (dbus.BusObject, error) {
	path, ok := d.chars[strings.ToLower(uuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotResolved, uuid)
	}
	return d.bz.conn.Object(busName, path), nil
}

// Read performs a one-shot characteristic read.
func (d *Device) Read(ctx context.Context, uuid string) ([]byte, error) {
	obj, err := d.char(uuid)
	if err != nil {
		return nil, err
	}
	var value []byte
	opts := map[string]dbus.Variant{}
	if err := obj.CallWithContext(ctx, charIface+".ReadValue", 0, opts).Store(&value); err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", uuid, err)
	}
	return value, nil
}

// Write writes a value to a characteristic. BlueZ performs a long write when
// the value exceeds the negotiated MTU.
func (d *Device) Write(ctx context.Context, uuid string, value []byte) error {
	obj, err := d.char(uuid)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{}
	if err := obj.CallWithContext(ctx, charIface+".WriteValue", 0, value, opts).Err; err != nil {
		return fmt.Errorf("ble: write %s: %w", uuid, err)
	}
	return nil
}

// Notify subscribes to value notifications on a characteristic. The returned
// stop function unsubscribes.
func (d *Device) Notify(uuid string, fn func([]byte)) (func(), error) {
	path, ok := d.chars[strings.ToLower(uuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotResolved, uuid)
	}
	obj := d.bz.conn.Object(busName, path)

	d.mu.Lock()
	d.handlers[path] = fn
	d.mu.Unlock()

	if err := obj.Call(charIface+".StartNotify", 0).Err; err != nil {
		d.mu.Lock()
		delete(d.handlers, path)
		d.mu.Unlock()
		return nil, fmt.Errorf("ble: start notify %s: %w", uuid, err)
	}

	return func() {
		obj.Call(charIface+".StopNotify", 0)
		d.mu.Lock()
		delete(d.handlers, path)
		d.mu.Unlock()
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Address returns the peripheral's MAC address.
func (d *Device) Address() string { return d.addr }

// Name returns the advertised name, empty when the peripheral sent none.
func (d *Device) Name() string { return d.name }

// Done is closed when the link drops or Close is called.
func (d *Device) Done() <-chan struct{} { return d.done }

// Close disconnects the peripheral. The signal subscription is released by
// the pump when it observes done.
func (d *Device) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return d.bz.conn.Object(busName, d.path).Call(deviceIface+".Disconnect", 0).Err
}
