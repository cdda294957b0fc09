package irq

// ControllerSnapshot captures a Controller's latched event/level state and
// next-free-bit allocators.
type ControllerSnapshot struct {
	DevLevels  uint32
	DevEvents  uint32
	DevMask    uint32
	DMALevels  uint32
	DMAEvents  uint32
	DMAMask    uint32
	NextDevBit uint8
	NextDMABit uint8
	LastUpline bool
}

// CaptureSnapshot returns the controller's current latched state.
func (c *Controller) CaptureSnapshot() *ControllerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ControllerSnapshot{
		DevLevels:  c.devLevels,
		DevEvents:  c.devEvents,
		DevMask:    c.devMask,
		DMALevels:  c.dmaLevels,
		DMAEvents:  c.dmaEvents,
		DMAMask:    c.dmaMask,
		NextDevBit: c.nextDevBit,
		NextDMABit: c.nextDMABit,
		LastUpline: c.lastUpline,
	}
}

// RestoreSnapshot replaces the controller's latched state and unconditionally
// re-drives the upstream CPU line to match, since the restored state may
// disagree with whatever the line was left at before the restore.
func (c *Controller) RestoreSnapshot(snap *ControllerSnapshot) {
	c.mu.Lock()
	c.devLevels = snap.DevLevels
	c.devEvents = snap.DevEvents
	c.devMask = snap.DevMask
	c.dmaLevels = snap.DMALevels
	c.dmaEvents = snap.DMAEvents
	c.dmaMask = snap.DMAMask
	c.nextDevBit = snap.NextDevBit
	c.nextDMABit = snap.NextDMABit
	c.lastUpline = snap.LastUpline
	cpu := c.cpu
	c.mu.Unlock()
	cpu.SetCPUInterrupt(snap.LastUpline)
}
