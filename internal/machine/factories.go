package machine

import (
	"strconv"

	"github.com/dingusppc/fabric/internal/dbdma"
	"github.com/dingusppc/fabric/internal/scsi"
)

// Fallback RAM size if a model's "ram_size" property is somehow unset.
const defaultRAMSize = 64 * 1024 * 1024

// ramSizeFromProps parses the "ram_size" property (decimal or 0x-prefixed
// hex) off a builder still under construction, falling back to
// defaultRAMSize if it's missing or malformed.
func ramSizeFromProps(b *Builder) uint64 {
	raw := b.props.GetString("ram_size", "")
	if raw == "" {
		return defaultRAMSize
	}
	size, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return defaultRAMSize
	}
	return size
}

// PDMDefaults are the compiled-in property defaults for the 6100/7100/8100
// NuBus-PowerMac family.
var PDMDefaults = PropertyDefaults{
	"ram_size": "0x4000000",
	"rom_path": "",
}

// NewPDM builds a 6100/7100/8100-class machine: RAM at 0x00000000, ROM at
// 0x40000000 mirrored at 0xFFC00000, an AMIC-era DBDMA channel for the
// floppy/SCSI superio, and a SCSI bus. PDM is a NuBus platform, so no PCI
// host is wired.
func NewPDM(romImage []byte, overridePath string) (*Machine, error) {
	b := NewBuilder("PDM", PDMDefaults).WithPropertyOverrides(overridePath)
	b = b.WithRAM(0x00000000, ramSizeFromProps(b)).
		WithROM(0x40000000, 0x400000, romImage).
		WithROMMirror(0xFFC00000, 0x40000000)

	scsiDMA := dbdma.New(b.addrMap)
	b = b.WithDBDMAChannel("scsi0", 0x50010000, scsiDMA)

	return finishScsiBus(b, "scsi0")
}

// TNTDefaults are the compiled-in property defaults for the 7500/8500/9500
// family.
var TNTDefaults = PropertyDefaults{
	"ram_size": "0x4000000",
	"rom_path": "",
}

// NewTNT builds a 7500-class machine: ROM at 0xFFC00000 and the Bandit-1 PCI
// host bridge's legacy configuration port placed within the bridge's
// 0xF2000000 range (Bandit has no x86-style I/O ports; this fabric maps the
// CONFIG_ADDR/CONFIG_DATA pair at 0xF2800000/0xF2800004). No Hammerhead
// memory-controller registers are mapped.
func NewTNT(romImage []byte, overridePath string) (*Machine, error) {
	b := NewBuilder("TNT", TNTDefaults).WithPropertyOverrides(overridePath)
	b = b.WithRAM(0x00000000, ramSizeFromProps(b)).
		WithROM(0xFFC00000, 0x400000, romImage).
		WithPCIHost(0xF2800000, 0xF2800004)

	scsiDMA := dbdma.New(b.addrMap)
	b = b.WithDBDMAChannel("scsi0", 0xF3010000, scsiDMA)

	return finishScsiBus(b, "scsi0")
}

// GossamerDefaults are the compiled-in property defaults for the G3
// Gossamer family.
var GossamerDefaults = PropertyDefaults{
	"ram_size": "0x8000000",
	"rom_path": "",
}

// NewGossamer builds a G3 Gossamer-class machine: ROM at 0xFFC00000 and the
// Grackle PCI host bridge's configuration port at 0xFEC00000 (CONFIG_ADDR)
// and 0xFEC00004 (CONFIG_DATA). No Grackle I/O window is mapped at
// 0xFE000000.
func NewGossamer(romImage []byte, overridePath string) (*Machine, error) {
	b := NewBuilder("Gossamer", GossamerDefaults).WithPropertyOverrides(overridePath)
	b = b.WithRAM(0x00000000, ramSizeFromProps(b)).
		WithROM(0xFFC00000, 0x400000, romImage).
		WithPCIHost(0xFEC00000, 0xFEC00004)

	scsiDMA := dbdma.New(b.addrMap)
	b = b.WithDBDMAChannel("scsi0", 0xFE010000, scsiDMA)

	return finishScsiBus(b, "scsi0")
}

func finishScsiBus(b *Builder, name string) (*Machine, error) {
	b = b.WithSCSIBus(name, scsi.NewBus())
	return b.Build()
}
