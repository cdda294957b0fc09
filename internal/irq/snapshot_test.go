package irq

import "testing"

func TestControllerSnapshotRoundTrip(t *testing.T) {
	cpu := &latch{}
	c := New(WithCPULine(cpu))
	line, err := c.RegisterDeviceLine()
	if err != nil {
		t.Fatal(err)
	}
	c.SetMask(0xFFFFFFFF, 0xFFFFFFFF)
	c.AckLine(line, true)
	if !cpu.level {
		t.Fatal("expected CPU line asserted before snapshot")
	}

	snap := c.CaptureSnapshot()

	c.ClearEvent(line)
	c.AckLine(line, false)
	if cpu.level {
		t.Fatal("expected CPU line deasserted after clearing the line")
	}

	other := &latch{}
	c2 := New(WithCPULine(other))
	if _, err := c2.RegisterDeviceLine(); err != nil {
		t.Fatal(err)
	}
	c2.RestoreSnapshot(snap)

	if !other.level {
		t.Fatal("expected restore to re-drive the CPU line active")
	}
	events, _, _, _ := c2.Status()
	if events == 0 {
		t.Fatal("expected restored event bit")
	}
}
