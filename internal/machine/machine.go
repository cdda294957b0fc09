// Package machine composes the per-model fabric: an address map, interrupt
// controller, PCI host, DBDMA channels, and SCSI bus wired together per one
// of the concrete mid-1990s Power Macintosh topologies.
package machine

import (
	"fmt"

	"github.com/dingusppc/fabric/internal/addrmap"
	"github.com/dingusppc/fabric/internal/dbdma"
	"github.com/dingusppc/fabric/internal/irq"
	"github.com/dingusppc/fabric/internal/pci"
	"github.com/dingusppc/fabric/internal/scsi"
	"github.com/dingusppc/fabric/internal/vtime"
)

// Machine is the immutable, fully-wired device fabric for one emulated
// model. Once Build returns a *Machine, its subsystems are ready to drive
// from a CPU emulation loop (out of scope here).
type Machine struct {
	Name string

	AddrMap *addrmap.Map
	IRQ     *irq.Controller
	Timers  *vtime.Scheduler
	PCI     *pci.Host
	DBDMA   map[string]*dbdma.Channel
	SCSI    map[string]*scsi.Bus

	props *Properties
}

// Property looks up a configuration property by name.
func (m *Machine) Property(key string) (string, bool) { return m.props.Get(key) }

// Builder accumulates a machine's subsystems before Build finalizes them
// into an immutable Machine, mirroring the validate-then-build shape of a
// chipset builder generalized across every subsystem kind instead of one.
type Builder struct {
	name    string
	props   *Properties
	addrMap *addrmap.Map
	irqCtrl *irq.Controller
	timers  *vtime.Scheduler
	pciHost *pci.Host
	dbdma   map[string]*dbdma.Channel
	scsi    map[string]*scsi.Bus

	err error
}

// NewBuilder starts a machine build for a named model with the given
// compiled-in property defaults.
func NewBuilder(name string, defaults PropertyDefaults) *Builder {
	return &Builder{
		name:    name,
		props:   NewProperties(defaults),
		addrMap: addrmap.New(),
		irqCtrl: irq.New(),
		timers:  vtime.New(),
		pciHost: pci.NewHost(),
		dbdma:   make(map[string]*dbdma.Channel),
		scsi:    make(map[string]*scsi.Bus),
	}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// WithPropertyOverrides loads a YAML override file, rejecting unknown keys.
func (b *Builder) WithPropertyOverrides(path string) *Builder {
	if b.err != nil || path == "" {
		return b
	}
	if err := b.props.LoadOverrides(path); err != nil {
		return b.fail(err)
	}
	return b
}

// WithRAM installs the machine's main RAM region.
func (b *Builder) WithRAM(base, size uint64) *Builder {
	if b.err != nil {
		return b
	}
	if _, err := b.addrMap.AddRAM(base, size); err != nil {
		return b.fail(fmt.Errorf("machine %s: RAM: %w", b.name, err))
	}
	return b
}

// WithROM installs a ROM region and loads image into it.
func (b *Builder) WithROM(base, size uint64, image []byte) *Builder {
	if b.err != nil {
		return b
	}
	if _, err := b.addrMap.AddROM(base, size); err != nil {
		return b.fail(fmt.Errorf("machine %s: ROM: %w", b.name, err))
	}
	if len(image) > 0 {
		if err := b.addrMap.LoadROM(base, image); err != nil {
			return b.fail(fmt.Errorf("machine %s: ROM image: %w", b.name, err))
		}
	}
	return b
}

// WithROMMirror installs a mirror region redirecting to an existing ROM.
func (b *Builder) WithROMMirror(mirrorBase, romBase uint64) *Builder {
	if b.err != nil {
		return b
	}
	if _, err := b.addrMap.AddMirror(mirrorBase, romBase); err != nil {
		return b.fail(fmt.Errorf("machine %s: ROM mirror: %w", b.name, err))
	}
	return b
}

// WithMMIO maps a device's MMIO window into the address space.
func (b *Builder) WithMMIO(base, size uint64, dev addrmap.Device) *Builder {
	if b.err != nil {
		return b
	}
	if _, err := b.addrMap.AddMMIO(base, size, dev); err != nil {
		return b.fail(fmt.Errorf("machine %s: MMIO: %w", b.name, err))
	}
	return b
}

// WithPCIHost registers the PCI configuration port at the legacy
// CONFIG_ADDR/CONFIG_DATA locations.
func (b *Builder) WithPCIHost(addrBase, dataBase uint64) *Builder {
	if b.err != nil {
		return b
	}
	port := pci.NewConfigPort(b.pciHost, addrBase, dataBase)
	addrWin, dataWin := port.AddrRegions()
	if _, err := b.addrMap.AddMMIO(addrWin.Base, addrWin.Size, port); err != nil {
		return b.fail(fmt.Errorf("machine %s: PCI config addr window: %w", b.name, err))
	}
	if _, err := b.addrMap.AddMMIO(dataWin.Base, dataWin.Size, port); err != nil {
		return b.fail(fmt.Errorf("machine %s: PCI config data window: %w", b.name, err))
	}
	return b
}

// WithDBDMAChannel registers a named DBDMA channel's register window.
func (b *Builder) WithDBDMAChannel(name string, base uint64, ch *dbdma.Channel) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.dbdma[name]; exists {
		return b.fail(fmt.Errorf("machine %s: DBDMA channel %q already registered", b.name, name))
	}
	if _, err := b.addrMap.AddMMIO(base, 0x100, ch); err != nil {
		return b.fail(fmt.Errorf("machine %s: DBDMA channel %q: %w", b.name, name, err))
	}
	b.dbdma[name] = ch
	return b
}

// WithSCSIBus registers a named SCSI bus.
func (b *Builder) WithSCSIBus(name string, bus *scsi.Bus) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.scsi[name]; exists {
		return b.fail(fmt.Errorf("machine %s: SCSI bus %q already registered", b.name, name))
	}
	b.scsi[name] = bus
	return b
}

// Build finalizes the machine, returning the first error encountered during
// assembly, if any.
func (b *Builder) Build() (*Machine, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &Machine{
		Name:    b.name,
		AddrMap: b.addrMap,
		IRQ:     b.irqCtrl,
		Timers:  b.timers,
		PCI:     b.pciHost,
		DBDMA:   b.dbdma,
		SCSI:    b.scsi,
		props:   b.props,
	}, nil
}
