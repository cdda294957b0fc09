// Package pci implements the PCI host/device/bridge hierarchy: legacy
// CONFIG_ADDR/CONFIG_DATA configuration-space access with the byte-rotation
// endian transform, BAR sizing/reprogramming, expansion-ROM arming, and
// PCI-to-PCI bridge forwarding by bus range.
package pci

import (
	"errors"
	"fmt"
)

// location identifies a function on the bus.
type location struct {
	bus, dev, fn uint8
}

// BARAllocator assigns a base address of the requested size/alignment to a
// device's BAR, for devices that don't pre-declare a fixed base.
type BARAllocator interface {
	Allocate(io bool, size, align uint32) (uint32, error)
}

// linearAllocator is a simple bump allocator, mirroring the teacher's
// internal/devices/pci/host.go linearAllocator.
type linearAllocator struct {
	nextMem uint32
	nextIO  uint32
	memBase uint32
	ioBase  uint32
}

func newLinearAllocator(memBase, ioBase uint32) *linearAllocator {
	return &linearAllocator{memBase: memBase, ioBase: ioBase, nextMem: memBase, nextIO: ioBase}
}

func (a *linearAllocator) Allocate(io bool, size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	if io {
		base := (a.nextIO + align - 1) &^ (align - 1)
		a.nextIO = base + size
		return base, nil
	}
	base := (a.nextMem + align - 1) &^ (align - 1)
	a.nextMem = base + size
	return base, nil
}

// ErrNoSuchDevice is returned by Host.Find when no device occupies the
// given (bus, dev, fn).
var ErrNoSuchDevice = errors.New("pci: no device at location")

// Host owns the root PCI bus: a map of (bus,dev,fn) -> Device, the set of
// PCI-to-PCI bridges hanging off it, and the legacy CONFIG_ADDR/CONFIG_DATA
// latch pair.
type Host struct {
	devices  map[location]*Device
	bridges  []*Bridge
	irqMap   map[location]string // dev/fn -> interrupt source name
	allocator BARAllocator

	configAddr uint32
}

// NewHost constructs an empty PCI host.
func NewHost() *Host {
	return &Host{
		devices:   make(map[location]*Device),
		irqMap:    make(map[location]string),
		allocator: newLinearAllocator(0x80000000, 0x1000),
	}
}

// SetBARAllocator overrides the default bump allocator.
func (h *Host) SetBARAllocator(a BARAllocator) { h.allocator = a }

// RegisterDevice attaches dev at (bus, dev, fn). Only the root bus (bus 0)
// is directly owned by Host; non-zero buses are reached through bridges
// registered with RegisterBridge.
func (h *Host) RegisterDevice(bus, devNum, fn uint8, dev *Device) error {
	loc := location{bus, devNum, fn}
	if _, exists := h.devices[loc]; exists {
		return fmt.Errorf("pci: device already registered at bus %d dev %d fn %d", bus, devNum, fn)
	}
	h.devices[loc] = dev
	return nil
}

// RegisterBridge attaches a bridge at (bus, dev, fn) and records its
// secondary/subordinate bus range for forwarding.
func (h *Host) RegisterBridge(bus, devNum, fn uint8, br *Bridge) error {
	if err := h.RegisterDevice(bus, devNum, fn, br.Device); err != nil {
		return err
	}
	h.bridges = append(h.bridges, br)
	return nil
}

// SetIRQMapping records which interrupt source a (dev,fn) on the root bus
// routes to, for lazy pci_interrupt registration.
func (h *Host) SetIRQMapping(devNum, fn uint8, source string) {
	h.irqMap[location{0, devNum, fn}] = source
}

// IRQSource looks up the interrupt source name for a (dev,fn) on the root
// bus, if mapped.
func (h *Host) IRQSource(devNum, fn uint8) (string, bool) {
	s, ok := h.irqMap[location{0, devNum, fn}]
	return s, ok
}

// AllocateBAR assigns a base address for a device's BAR via the installed
// allocator and programs it directly (bypassing guest-driven sizing),
// useful for machine-composer-time fixed placement.
func (h *Host) AllocateBAR(dev *Device, barNum int, io bool, size, align uint32) error {
	base, err := h.allocator.Allocate(io, size, align)
	if err != nil {
		return err
	}
	dev.SetBAR(barNum, base)
	return nil
}

// Find resolves (bus, dev, fn) to a registered device. For bus > 0, a bridge
// whose [Secondary, Subordinate] window contains bus and whose Secondary
// equals bus settles the lookup; otherwise the device is looked up directly
// by location. Nested bridges are not walked.
func (h *Host) Find(bus, devNum, fn uint8) (*Device, error) {
	if bus == 0 {
		if d, ok := h.devices[location{0, devNum, fn}]; ok {
			return d, nil
		}
		// bus 0 but not directly present: no bridge search is made; a
		// downstream bus is reached only by the caller supplying bus>0.
		return nil, fmt.Errorf("%w: bus 0 dev %d fn %d", ErrNoSuchDevice, devNum, fn)
	}
	for _, br := range h.bridges {
		if !br.covers(bus) {
			continue
		}
		if bus == br.Secondary {
			if d, ok := h.devices[location{bus, devNum, fn}]; ok {
				return d, nil
			}
			return nil, fmt.Errorf("%w: bus %d dev %d fn %d", ErrNoSuchDevice, bus, devNum, fn)
		}
		// Deeper recursion would walk nested bridges on br's secondary
		// bus; this fabric's machine models never nest bridges more than
		// one level deep (root -> single bridge -> leaf devices), so a
		// direct lookup on the target bus suffices here.
	}
	if d, ok := h.devices[location{bus, devNum, fn}]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: bus %d dev %d fn %d", ErrNoSuchDevice, bus, devNum, fn)
}

// AccessDetails describes one configuration-space access for the
// byte-rotation transform.
type AccessDetails struct {
	Size   int
	Offset uint8
}

// ReadConfig performs a guest-width (1/2/4 byte) configuration-space read
// at (bus,dev,fn,reg), applying the endian transform. Unmapped locations
// return 0xFFFFFFFF truncated to the access width, per the guest-visible
// bus-error rule.
func (h *Host) ReadConfig(bus, devNum, fn uint8, reg uint32, size int) uint32 {
	dwordReg := reg &^ 3
	offset := uint8(reg & 3)

	dev, err := h.Find(bus, devNum, fn)
	if err != nil {
		return maskToSize(0xFFFFFFFF, size)
	}

	v1 := dev.ReadConfigDword(dwordReg)
	var v2 uint32
	if size == 4 && offset != 0 {
		v2 = dev.ReadConfigDword(dwordReg + 4)
	} else if size == 2 && offset == 3 {
		v2 = dev.ReadConfigDword(dwordReg + 4)
	}
	result := convRead(v1, v2, size, offset)
	return maskToSize(result, size)
}

// WriteConfig performs a guest-width configuration-space write, applying
// the endian transform and read-modify-write combination where the access
// is narrower than a dword or unaligned.
func (h *Host) WriteConfig(bus, devNum, fn uint8, reg uint32, value uint32, size int) {
	dwordReg := reg &^ 3
	offset := uint8(reg & 3)

	dev, err := h.Find(bus, devNum, fn)
	if err != nil {
		return
	}

	if size == 4 && offset == 0 {
		// fast path: aligned dword write, no read-modify-write needed.
		dev.WriteConfigDword(dwordReg, bswap32(value))
		return
	}

	v1 := dev.ReadConfigDword(dwordReg)
	merged := convWrite(v1, value, size, offset)
	dev.WriteConfigDword(dwordReg, merged)

	if (size == 4 && offset != 0) || (size == 2 && offset == 3) {
		v2 := dev.ReadConfigDword(dwordReg + 4)
		merged2 := convWrite(v2, value>>((4-offset)*8), size, offset)
		dev.WriteConfigDword(dwordReg+4, merged2)
	}
}

func maskToSize(v uint32, size int) uint32 {
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	default:
		return v
	}
}
