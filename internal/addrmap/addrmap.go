// Package addrmap implements the physical address map: a sorted collection
// of RAM, ROM, mirror and MMIO regions, and the read/write dispatch that
// resolves a guest physical address to one of them.
package addrmap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/btree"
)

// Kind identifies the nature of an address region.
type Kind int

const (
	KindRAM Kind = iota
	KindROM
	KindMMIO
	KindMirror
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindROM:
		return "rom"
	case KindMMIO:
		return "mmio"
	case KindMirror:
		return "mirror"
	default:
		return "unknown"
	}
}

// Device is the MMIO access contract a device must satisfy to be mapped
// into the address space.
type Device interface {
	ReadMMIO(regionStart, offset uint64, size int) (uint64, error)
	WriteMMIO(regionStart, offset uint64, size int, value uint64) error
}

// Sentinel errors callers can distinguish with errors.Is.
var (
	// ErrDuplicateRegion is returned when a region with the exact same
	// start and size as an existing one is added again.
	ErrDuplicateRegion = errors.New("addrmap: duplicate region")
	// ErrContainedRegion is returned when a new region is fully contained
	// within an existing one.
	ErrContainedRegion = errors.New("addrmap: region fully contained in existing region")
	// ErrUnsupportedWidth is returned for access sizes other than 1, 2 or 4.
	ErrUnsupportedWidth = errors.New("addrmap: unsupported access width")
	// ErrUnmapped is returned when an address resolves to no region.
	ErrUnmapped = errors.New("addrmap: address unmapped")
	// ErrCrossesBoundary is returned when a multi-byte access would
	// straddle two regions.
	ErrCrossesBoundary = errors.New("addrmap: access crosses region boundary")
	// ErrMirrorTargetMissing is returned when a mirror is added whose
	// target region does not already exist.
	ErrMirrorTargetMissing = errors.New("addrmap: mirror target region not found")
)

// Region describes one entry in the address map.
type Region struct {
	Start uint64
	Size  uint64
	Kind  Kind

	// host is the backing storage for RAM/ROM regions.
	host []byte

	// device services MMIO accesses; nil for RAM/ROM/Mirror.
	device Device

	// mirror fields, valid only when Kind == KindMirror.
	mirrorTarget uint64
	mirrorOffset uint64
}

func (r *Region) end() uint64 { return r.Start + r.Size - 1 }

// regionLess orders regions by start address for use with
// btree.BTreeG[*Region].
func regionLess(a, b *Region) bool { return a.Start < b.Start }

// Map is the platform's physical address map.
type Map struct {
	tree *btree.BTreeG[*Region]
	mmio []*Region // small linear list, mirrors chipset.Chipset's HandleMMIO scan
	log  *slog.Logger
}

// Option configures a Map at construction.
type Option func(*Map)

// WithLogger overrides the default slog.Default() logger used for
// partial-overlap warnings.
func WithLogger(l *slog.Logger) Option {
	return func(m *Map) { m.log = l }
}

// New constructs an empty address map.
func New(opts ...Option) *Map {
	m := &Map{
		tree: btree.NewG(32, regionLess),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Map) checkOverlap(start, size uint64) error {
	newEnd := start + size - 1
	var overlapErr error
	m.tree.Ascend(func(r *Region) bool {
		if r.Kind == KindMirror {
			return true
		}
		if start > r.end() || newEnd < r.Start {
			return true
		}
		// exact duplicate
		if r.Start == start && r.Size == size {
			overlapErr = fmt.Errorf("%w: [0x%x,0x%x]", ErrDuplicateRegion, start, newEnd)
			return false
		}
		// new region fully contained in existing
		if start >= r.Start && newEnd <= r.end() {
			overlapErr = fmt.Errorf("%w: [0x%x,0x%x] inside [0x%x,0x%x]", ErrContainedRegion, start, newEnd, r.Start, r.end())
			return false
		}
		// partial overlap: warn, but honor it (preserves ROM-alias
		// sizing tricks some firmware relies on).
		m.log.Warn("addrmap: partial region overlap",
			"new_start", fmt.Sprintf("0x%x", start),
			"new_end", fmt.Sprintf("0x%x", newEnd),
			"existing_start", fmt.Sprintf("0x%x", r.Start),
			"existing_end", fmt.Sprintf("0x%x", r.end()))
		return true
	})
	return overlapErr
}

func (m *Map) addBacked(start, size uint64, kind Kind) (*Region, error) {
	if err := m.checkOverlap(start, size); err != nil {
		return nil, err
	}
	r := &Region{Start: start, Size: size, Kind: kind, host: make([]byte, size)}
	m.tree.ReplaceOrInsert(r)
	return r, nil
}

// AddRAM installs a RAM region of size bytes at start.
func (m *Map) AddRAM(start, size uint64) (*Region, error) { return m.addBacked(start, size, KindRAM) }

// AddROM installs a ROM region of size bytes at start. The caller fills its
// contents via Region.Bytes() or LoadROM.
func (m *Map) AddROM(start, size uint64) (*Region, error) { return m.addBacked(start, size, KindROM) }

// LoadROM copies data into a previously added ROM region at start. It is an
// error if data is larger than the region.
func (m *Map) LoadROM(start uint64, data []byte) error {
	r, ok := m.tree.Get(&Region{Start: start})
	if !ok || r.Kind != KindROM {
		return fmt.Errorf("addrmap: no ROM region at 0x%x", start)
	}
	if uint64(len(data)) > r.Size {
		return fmt.Errorf("addrmap: ROM image (%d bytes) exceeds region size (%d bytes)", len(data), r.Size)
	}
	copy(r.host, data)
	return nil
}

// AddMMIO installs an MMIO window serviced by dev.
func (m *Map) AddMMIO(start, size uint64, dev Device) (*Region, error) {
	if err := m.checkOverlap(start, size); err != nil {
		return nil, err
	}
	r := &Region{Start: start, Size: size, Kind: KindMMIO, device: dev}
	m.tree.ReplaceOrInsert(r)
	m.mmio = append(m.mmio, r)
	return r, nil
}

// RemoveMMIO removes a previously-added MMIO region.
func (m *Map) RemoveMMIO(start, size uint64, dev Device) {
	r, ok := m.tree.Get(&Region{Start: start})
	if !ok || r.Kind != KindMMIO || r.Size != size || r.device != dev {
		return
	}
	m.tree.Delete(r)
	for i, mr := range m.mmio {
		if mr == r {
			m.mmio = append(m.mmio[:i], m.mmio[i+1:]...)
			break
		}
	}
}

// AddMirror installs a region that redirects accesses to a previously
// registered region, with an optional offset and size (defaulting to the
// full size of the target region starting at offset 0).
func (m *Map) AddMirror(start, targetAddr uint64, offsetAndSize ...uint64) (*Region, error) {
	target, ok := m.tree.Get(&Region{Start: targetAddr})
	if !ok || target.Kind == KindMirror {
		return nil, fmt.Errorf("%w: 0x%x", ErrMirrorTargetMissing, targetAddr)
	}
	var offset, size uint64
	size = target.Size
	if len(offsetAndSize) > 0 {
		offset = offsetAndSize[0]
	}
	if len(offsetAndSize) > 1 {
		size = offsetAndSize[1]
	}
	if err := m.checkOverlap(start, size); err != nil {
		return nil, err
	}
	r := &Region{Start: start, Size: size, Kind: KindMirror, mirrorTarget: targetAddr, mirrorOffset: offset}
	m.tree.ReplaceOrInsert(r)
	return r, nil
}

// Find returns the region containing addr, if any.
func (m *Map) Find(addr uint64) (*Region, bool) {
	var found *Region
	m.tree.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if addr >= r.Start && addr <= r.end() {
			found = r
		}
		return false
	})
	return found, found != nil
}

// FindContains returns the region that fully contains [addr, addr+size-1].
func (m *Map) FindContains(addr, size uint64) (*Region, bool) {
	r, ok := m.Find(addr)
	if !ok {
		return nil, false
	}
	if addr+size-1 > r.end() {
		return nil, false
	}
	return r, true
}

func (m *Map) resolveBacked(r *Region, addr uint64) (*Region, uint64, error) {
	if r.Kind != KindMirror {
		return r, addr - r.Start, nil
	}
	target, ok := m.tree.Get(&Region{Start: r.mirrorTarget})
	if !ok {
		return nil, 0, fmt.Errorf("%w: 0x%x", ErrMirrorTargetMissing, r.mirrorTarget)
	}
	targetOffset := (addr - r.Start) + r.mirrorOffset
	return m.resolveBacked(target, target.Start+targetOffset)
}

func checkWidth(size int) error {
	switch size {
	case 1, 2, 4:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedWidth, size)
	}
}

// Read performs a 1/2/4-byte little-endian read at addr.
func (m *Map) Read(addr uint64, size int) (uint64, error) {
	if err := checkWidth(size); err != nil {
		return 0, err
	}
	r, ok := m.Find(addr)
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}
	if addr+uint64(size)-1 > r.end() {
		return 0, fmt.Errorf("%w: 0x%x size %d", ErrCrossesBoundary, addr, size)
	}

	backing, offset, err := m.resolveBacked(r, addr)
	if err != nil {
		return 0, err
	}

	if backing.Kind == KindMMIO {
		return backing.device.ReadMMIO(backing.Start, offset, size)
	}
	return readLE(backing.host, offset, size)
}

// Write performs a 1/2/4-byte little-endian write at addr.
func (m *Map) Write(addr uint64, value uint64, size int) error {
	if err := checkWidth(size); err != nil {
		return err
	}
	r, ok := m.Find(addr)
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}
	if addr+uint64(size)-1 > r.end() {
		return fmt.Errorf("%w: 0x%x size %d", ErrCrossesBoundary, addr, size)
	}

	backing, offset, err := m.resolveBacked(r, addr)
	if err != nil {
		return err
	}

	if backing.Kind == KindMMIO {
		return backing.device.WriteMMIO(backing.Start, offset, size, value)
	}
	if backing.Kind == KindROM {
		// Writes to ROM are silently ignored (guest-visible bus-error
		// rule: ignore writes to read-only fields).
		return nil
	}
	writeLE(backing.host, offset, size, value)
	return nil
}

func readLE(host []byte, offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(host)) {
		return 0, fmt.Errorf("%w: offset 0x%x size %d", ErrCrossesBoundary, offset, size)
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(host[offset+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func writeLE(host []byte, offset uint64, size int, value uint64) {
	for i := 0; i < size; i++ {
		host[offset+uint64(i)] = byte(value >> (8 * i))
	}
}

// Bytes exposes a RAM/ROM region's backing storage directly, e.g. for bulk
// ROM image loading or DMA access.
func (r *Region) Bytes() []byte { return r.host }

// ReadAt implements io.ReaderAt against the address map's RAM/ROM backing
// store, for DMA engines that move raw byte ranges rather than
// width-checked bus accesses. It does not cross region boundaries.
func (m *Map) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	r, ok := m.Find(addr)
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}
	backing, offset, err := m.resolveBacked(r, addr)
	if err != nil {
		return 0, err
	}
	if backing.Kind == KindMMIO {
		return 0, fmt.Errorf("addrmap: ReadAt into MMIO region at 0x%x not supported", backing.Start)
	}
	n := copy(p, backing.host[offset:])
	if n < len(p) {
		return n, fmt.Errorf("%w: read past end of region at 0x%x", ErrCrossesBoundary, addr)
	}
	return n, nil
}

// WriteAt implements io.WriterAt, the write-side counterpart of ReadAt.
func (m *Map) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	r, ok := m.Find(addr)
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}
	backing, offset, err := m.resolveBacked(r, addr)
	if err != nil {
		return 0, err
	}
	if backing.Kind == KindMMIO {
		return 0, fmt.Errorf("addrmap: WriteAt into MMIO region at 0x%x not supported", backing.Start)
	}
	if backing.Kind == KindROM {
		return len(p), nil // DMA writes to ROM are silently dropped
	}
	n := copy(backing.host[offset:], p)
	if n < len(p) {
		return n, fmt.Errorf("%w: write past end of region at 0x%x", ErrCrossesBoundary, addr)
	}
	return n, nil
}
