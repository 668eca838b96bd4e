package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/laika-robotics/laikactl/internal/improv"
	"github.com/laika-robotics/laikactl/internal/logx"
)

// scanWindow bounds each rung of the filter ladder.
const scanWindow = 3 * time.Second

// Candidate is one peripheral seen during a scan, strongest signal first in
// scan results.
type Candidate struct {
	Path    dbus.ObjectPath
	Address string
	Name    string
	RSSI    int16
	UUIDs   []string
}

// Adapter owns the BlueZ connection used for scanning and connecting.
type Adapter struct {
	bz *bluez
}

// Open connects to BlueZ. Fails with ErrUnsupported when the host has no
// usable bluetooth stack.
func Open() (*Adapter, error) {
	bz, err := newBluez()
	if err != nil {
		return nil, err
	}
	return &Adapter{bz: bz}, nil
}

// Close releases the bus connection.
func (a *Adapter) Close() error {
	return a.bz.conn.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Filter ladder
// ─────────────────────────────────────────────────────────────────────────────

// advert is the filter-relevant slice of one Device1 object. Only devices
// currently advertising (RSSI present) or already connected count as visible;
// BlueZ keeps stale device objects around long after they left range.
type advert struct {
	path    dbus.ObjectPath
	addr    string
	name    string
	uuids   []string
	rssi    int16
	visible bool
}

// filterStep is one rung of the scan ladder. uuids narrows the radio-side
// discovery filter; match re-checks results client-side.
type filterStep struct {
	name  string
	uuids []string
	match func(advert) bool
}

func hasUUID(a advert, uuid string) bool {
	for _, u := range a.uuids {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}

// ladder returns the scan fallback order: the Improv service, the vendor
// control service, the robot name prefix, any known service, and finally
// anything visible at all. Real robots differ in what they advertise, so the
// ladder only gives up once every rung came back empty.
func ladder(namePrefix string) []filterStep {
	known := []string{improv.ServiceUUID, ControlServiceUUID}
	return []filterStep{
		{
			name:  "improv service",
			uuids: []string{improv.ServiceUUID},
			match: func(a advert) bool { return hasUUID(a, improv.ServiceUUID) },
		},
		{
			name:  "control service",
			uuids: []string{ControlServiceUUID},
			match: func(a advert) bool { return hasUUID(a, ControlServiceUUID) },
		},
		{
			name: "name prefix",
			match: func(a advert) bool {
				return namePrefix != "" && strings.HasPrefix(a.name, namePrefix)
			},
		},
		{
			name:  "known services",
			uuids: known,
			match: func(a advert) bool {
				for _, u := range known {
					if hasUUID(a, u) {
						return true
					}
				}
				return false
			},
		},
		{
			name:  "any device",
			match: func(a advert) bool { return true },
		},
	}
}

// collectAdverts flattens a managed-object tree into adverts.
func collectAdverts(objs managedObjects) []advert {
	var out []advert
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		a := advert{path: path}
		if v, ok := props["Address"]; ok {
			a.addr, _ = v.Value().(string)
		}
		if a.addr == "" {
			a.addr = macFromPath(path)
		}
		if v, ok := props["Alias"]; ok {
			a.name, _ = v.Value().(string)
		}
		if a.name == "" {
			if v, ok := props["Name"]; ok {
				a.name, _ = v.Value().(string)
			}
		}
		if v, ok := props["UUIDs"]; ok {
			a.uuids, _ = v.Value().([]string)
		}
		if v, ok := props["RSSI"]; ok {
			if r, ok := v.Value().(int16); ok {
				a.rssi, a.visible = r, true
			}
		}
		if !a.visible {
			if v, ok := props["Connected"]; ok {
				if c, _ := v.Value().(bool); c {
					a.visible = true
				}
			}
		}
		out = append(out, a)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan
// ─────────────────────────────────────────────────────────────────────────────

// Scan walks the filter ladder and returns the candidates of the first rung
// that found anything, strongest signal first. Fails with ErrNoSelection when
// every rung came back empty.
func (a *Adapter) Scan(ctx context.Context, namePrefix string) ([]Candidate, error) {
	if err := a.bz.ensurePowered(); err != nil {
		return nil, fmt.Errorf("power adapter: %w", err)
	}

	for _, step := range ladder(namePrefix) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := a.runStep(ctx, step)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			logx.Debug("ble: scan step %q matched %d device(s)", step.name, len(found))
			return found, nil
		}
		logx.Debug("ble: scan step %q 無結果，換下一層", step.name)
	}
	return nil, ErrNoSelection
}

// runStep runs one bounded discovery session and snapshots matching devices
// at window end, so slower advertisers still make the list.
func (a *Adapter) runStep(ctx context.Context, step filterStep) ([]Candidate, error) {
	adapter := a.bz.conn.Object(busName, a.bz.adapter)

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if len(step.uuids) > 0 {
		filter["UUIDs"] = dbus.MakeVariant(step.uuids)
	}
	if err := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return nil, fmt.Errorf("set discovery filter: %w", err)
	}
	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}
	defer adapter.Call(adapterIface+".StopDiscovery", 0)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(scanWindow):
	}

	objs, err := a.bz.managed()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, ad := range collectAdverts(objs) {
		if !ad.visible || !step.match(ad) {
			continue
		}
		out = append(out, Candidate{
			Path:    ad.path,
			Address: ad.addr,
			Name:    ad.name,
			RSSI:    ad.rssi,
			UUIDs:   ad.uuids,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out, nil
}
