package pci

import "fmt"

// DeviceSnapshot captures one function's mutable configuration-space state.
// Identity fields (vendor/device ID, BAR size masks) are constant after
// construction and aren't included.
type DeviceSnapshot struct {
	Command, Status         uint16
	CacheLineSize, LatTimer uint8
	Bist                    uint8
	IRQPin, IRQLine         uint8
	Bars                    [6]uint32
	ExpRomBar               uint32
}

// CaptureSnapshot returns a Device's current mutable register state.
func (d *Device) CaptureSnapshot() *DeviceSnapshot {
	return &DeviceSnapshot{
		Command:       d.command,
		Status:        d.status,
		CacheLineSize: d.cacheLineSize,
		LatTimer:      d.latTimer,
		Bist:          d.bist,
		IRQPin:        d.irqPin,
		IRQLine:       d.irqLine,
		Bars:          d.bars,
		ExpRomBar:     d.expRomBar,
	}
}

// RestoreSnapshot replaces a Device's mutable register state, re-running
// OnBARChange for every BAR slot 0-5 (programmed or not) and for the
// expansion ROM BAR (6) so attached MMIO/IO windows move to match.
func (d *Device) RestoreSnapshot(snap *DeviceSnapshot) {
	d.command = snap.Command
	d.status = snap.Status
	d.cacheLineSize = snap.CacheLineSize
	d.latTimer = snap.LatTimer
	d.bist = snap.Bist
	d.irqPin = snap.IRQPin
	d.irqLine = snap.IRQLine
	d.bars = snap.Bars
	d.expRomBar = snap.ExpRomBar
	if d.OnBARChange != nil {
		for i, base := range d.bars {
			d.OnBARChange(i, base)
		}
		d.OnBARChange(6, d.expRomBar)
	}
}

// DeviceLocSnapshot pairs a function's bus address with its saved register
// state.
type DeviceLocSnapshot struct {
	Bus, Dev, Fn uint8
	Snap         *DeviceSnapshot
}

// HostSnapshot captures a Host's legacy configuration latch plus every
// registered function's mutable register state. Bridges are ordinary
// functions in h.devices (RegisterBridge registers the bridge's embedded
// Device alongside recording it in h.bridges for forwarding), so a single
// Devices list covers both.
type HostSnapshot struct {
	ConfigAddr uint32
	Devices    []DeviceLocSnapshot
}

// CaptureSnapshot returns the host's current configuration state.
func (h *Host) CaptureSnapshot() *HostSnapshot {
	snap := &HostSnapshot{ConfigAddr: h.configAddr}
	for loc, dev := range h.devices {
		snap.Devices = append(snap.Devices, DeviceLocSnapshot{
			Bus: loc.bus, Dev: loc.dev, Fn: loc.fn, Snap: dev.CaptureSnapshot(),
		})
	}
	return snap
}

// RestoreSnapshot replaces the host's configuration latch and every
// function's register state. Every saved location must still be occupied
// by a device, otherwise an error is returned; functions added since the
// snapshot was taken are left untouched.
func (h *Host) RestoreSnapshot(snap *HostSnapshot) error {
	for _, ds := range snap.Devices {
		loc := location{bus: ds.Bus, dev: ds.Dev, fn: ds.Fn}
		dev, ok := h.devices[loc]
		if !ok {
			return fmt.Errorf("pci: restore: no device at %d:%d.%d", ds.Bus, ds.Dev, ds.Fn)
		}
		dev.RestoreSnapshot(ds.Snap)
	}
	h.configAddr = snap.ConfigAddr
	return nil
}
