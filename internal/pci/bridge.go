package pci

import "fmt"

// Bridge is a PCI device (header type 1) with secondary/subordinate bus
// numbers and a memory/IO window; a configuration cycle whose bus number
// falls in [Secondary, Subordinate] is forwarded to it.
type Bridge struct {
	*Device

	Secondary   uint8
	Subordinate uint8

	MemBase, MemLimit uint32
	IOBase, IOLimit   uint32
}

// NewBridge constructs a header-type-1 device and wraps it as a Bridge.
func NewBridge(name string, vendorID, deviceID uint16, classRev uint32, barsCfg [6]uint32) (*Bridge, error) {
	dev, err := NewDevice(name, vendorID, deviceID, classRev, 1, barsCfg)
	if err != nil {
		return nil, err
	}
	b := &Bridge{Device: dev}
	dev.Custom = b
	return b, nil
}

// covers reports whether the bus cycle addressed to targetBus should be
// forwarded through this bridge.
func (b *Bridge) covers(targetBus uint8) bool {
	return targetBus >= b.Secondary && targetBus <= b.Subordinate
}

// ReadConfigDword implements CustomRegisters for the bridge-specific window
// registers not modeled by Device directly.
func (b *Bridge) ReadConfigDword(reg uint32) (uint32, bool) {
	switch reg {
	case bridgeRegOffset:
		// primary bus (always 0 for a root-complex child in this fabric) |
		// secondary | subordinate | secondary latency timer
		return uint32(b.Subordinate)<<16 | uint32(b.Secondary)<<8, true
	case 0x1C: // IO base/limit (lower 16 bits) + secondary status
		return uint32(b.IOLimit&0xFF)<<8 | uint32(b.IOBase&0xFF), true
	case 0x20: // memory base/limit
		return uint32(b.MemLimit&0xFFFF0000) | uint32(b.MemBase>>16), true
	default:
		return 0, false
	}
}

// WriteConfigDword implements CustomRegisters.
func (b *Bridge) WriteConfigDword(reg uint32, value uint32) bool {
	switch reg {
	case bridgeRegOffset:
		b.Secondary = uint8(value >> 8)
		b.Subordinate = uint8(value >> 16)
		return true
	case 0x1C:
		b.IOBase = (b.IOBase &^ 0xFF) | (value & 0xFF)
		b.IOLimit = (b.IOLimit &^ 0xFF) | ((value >> 8) & 0xFF)
		return true
	case 0x20:
		b.MemBase = (value & 0xFFFF) << 16
		b.MemLimit = value & 0xFFFF0000
		return true
	default:
		return false
	}
}

func (b *Bridge) String() string {
	return fmt.Sprintf("%s(secondary=%d,subordinate=%d)", b.Name, b.Secondary, b.Subordinate)
}
