package addrmap

import "fmt"

// RAMSnapshot captures one RAM region's contents, keyed by base address so
// it can be matched back up against the live map on restore.
type RAMSnapshot struct {
	Start uint64
	Data  []byte
}

// MapSnapshot captures every RAM region's contents. ROM and mirror regions
// aren't included: ROM is immutable after load and a mirror has no storage
// of its own. MMIO devices snapshot their own state independently.
type MapSnapshot struct {
	RAM []RAMSnapshot
}

// CaptureSnapshot copies every RAM region's current contents.
func (m *Map) CaptureSnapshot() *MapSnapshot {
	snap := &MapSnapshot{}
	m.tree.Ascend(func(r *Region) bool {
		if r.Kind == KindRAM {
			data := make([]byte, len(r.host))
			copy(data, r.host)
			snap.RAM = append(snap.RAM, RAMSnapshot{Start: r.Start, Data: data})
		}
		return true
	})
	return snap
}

// RestoreSnapshot copies saved RAM contents back into the live map's
// regions. Every saved region must still exist as RAM with the same size,
// otherwise an error is returned; RAM regions added since the snapshot was
// taken are left untouched.
func (m *Map) RestoreSnapshot(snap *MapSnapshot) error {
	for _, ram := range snap.RAM {
		r, ok := m.Find(ram.Start)
		if !ok || r.Kind != KindRAM {
			return fmt.Errorf("addrmap: restore: no RAM region at 0x%x", ram.Start)
		}
		if len(r.host) != len(ram.Data) {
			return fmt.Errorf("addrmap: restore: RAM region at 0x%x size mismatch: got %d want %d",
				ram.Start, len(ram.Data), len(r.host))
		}
		copy(r.host, ram.Data)
	}
	return nil
}
