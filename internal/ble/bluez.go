// Package ble talks to the robot over Bluetooth Low Energy through the BlueZ
// D-Bus API: scanning with a filter ladder, GATT sessions for the Improv
// provisioning characteristics, and a serial-style control channel.
package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName     = "org.bluez"
	objManIface = "org.freedesktop.DBus.ObjectManager"

	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	serviceIface = "org.bluez.GattService1"
	charIface    = "org.bluez.GattCharacteristic1"

	propsIface  = "org.freedesktop.DBus.Properties"
	propsSignal = "org.freedesktop.DBus.Properties.PropertiesChanged"
	addedSignal = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
)

// macFromPath extracts a MAC address from a BlueZ device object path like
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

// managedObjects is the a{oa{sa{sv}}} shape returned by GetManagedObjects.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluez wraps a system D-Bus connection for BlueZ operations.
type bluez struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// newBluez connects to the system bus, verifies BlueZ is present, and locates
// the first adapter object.
func newBluez() (*bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: org.bluez not on the system bus", ErrUnsupported)
	}

	b := &bluez{conn: conn}
	objs, err := b.managed()
	if err != nil {
		return nil, err
	}
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			b.adapter = path
			break
		}
	}
	if b.adapter == "" {
		return nil, fmt.Errorf("%w: no bluetooth adapter", ErrUnsupported)
	}
	return b, nil
}

// managed fetches the full BlueZ object tree.
func (b *bluez) managed() (managedObjects, error) {
	var objs managedObjects
	err := b.conn.Object(busName, "/").Call(objManIface+".GetManagedObjects", 0).Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

// --- property helpers ---

func (b *bluez) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := b.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *bluez) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *bluez) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := b.conn.Object(busName, path)
	return obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

// ensurePowered switches the adapter on when it is off. Scanning against a
// powered-off adapter fails with an opaque D-Bus error otherwise.
func (b *bluez) ensurePowered() error {
	powered, err := b.getBool(b.adapter, adapterIface, "Powered")
	if err != nil {
		return err
	}
	if powered {
		return nil
	}
	return b.setProp(b.adapter, adapterIface, "Powered", true)
}

// --- signal subscription ---

// subscribeSignals registers a PropertiesChanged + InterfacesAdded match for
// the BlueZ namespace and returns the delivery channel. The returned stop
// function removes the channel again.
func (b *bluez) subscribeSignals() (chan *dbus.Signal, func()) {
	rules := []string{
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'",
		"type='signal',interface='" + objManIface + "',member='InterfacesAdded'",
	}
	for _, r := range rules {
		b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, r)
	}

	ch := make(chan *dbus.Signal, 32)
	b.conn.Signal(ch)
	return ch, func() {
		b.conn.RemoveSignal(ch)
		for _, r := range rules {
			b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, r)
		}
	}
}
