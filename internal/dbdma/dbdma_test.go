package dbdma

import (
	"encoding/binary"
	"errors"
	"testing"
)

// fakeMemory is a flat byte slice addressed directly by offset, standing in
// for guest physical memory in these tests.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{buf: make([]byte, size)} }

func (m *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.buf[off:], p)
	return n, nil
}

func putDescriptor(buf []byte, off int, cmdKey uint16, reqCount uint16, address, cmdDep uint32) {
	binary.LittleEndian.PutUint16(buf[off:], cmdKey)
	binary.LittleEndian.PutUint16(buf[off+2:], reqCount)
	binary.LittleEndian.PutUint32(buf[off+4:], address)
	binary.LittleEndian.PutUint32(buf[off+8:], cmdDep)
}

// cmdKey packs a command word: cmd_key[15:12]=command, cmd_key[5:4]=interrupt,
// cmd_key[3:2]=branch.
func cmdKey(cmd Command, branch, interrupt uint8) uint16 {
	return uint16(cmd)<<12 | uint16(interrupt&3)<<4 | uint16(branch&3)<<2
}

func TestOutputLastPullsStagedData(t *testing.T) {
	mem := newFakeMemory(4096)
	copy(mem.buf[2048:], []byte{0xAA, 0xBB, 0xCC, 0xDD})
	putDescriptor(mem.buf, 0, cmdKey(CmdOutputLast, branchNever, branchNever), 4, 2048, 0)

	ch := New(mem)
	ch.writeControl(uint32(StatRun)<<16 | uint32(StatRun))

	res, data, err := ch.PullData(16)
	if err != nil {
		t.Fatal(err)
	}
	if res != NoMoreData {
		t.Fatalf("expected NoMoreData after OUTPUT_LAST, got %v", res)
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if len(data) != len(want) {
		t.Fatalf("got %d bytes want %d", len(data), len(want))
	}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("byte %d: got 0x%x want 0x%x", i, data[i], want[i])
		}
	}
}

func TestOutputMoreChainsToNextDescriptor(t *testing.T) {
	mem := newFakeMemory(4096)
	copy(mem.buf[2048:], []byte{1, 2})
	copy(mem.buf[2056:], []byte{3, 4})
	putDescriptor(mem.buf, 0, cmdKey(CmdOutputMore, branchNever, branchNever), 2, 2048, 0)
	putDescriptor(mem.buf, 16, cmdKey(CmdOutputLast, branchNever, branchNever), 2, 2056, 0)

	ch := New(mem)
	ch.writeControl(uint32(StatRun)<<16 | uint32(StatRun))

	res1, data1, err := ch.PullData(16)
	if err != nil {
		t.Fatal(err)
	}
	if res1 != MoreData {
		t.Fatalf("expected MoreData after OUTPUT_MORE, got %v", res1)
	}
	if len(data1) != 2 || data1[0] != 1 || data1[1] != 2 {
		t.Fatalf("unexpected first chunk: %v", data1)
	}

	res2, data2, err := ch.PullData(16)
	if err != nil {
		t.Fatal(err)
	}
	if res2 != NoMoreData {
		t.Fatalf("expected NoMoreData after OUTPUT_LAST, got %v", res2)
	}
	if len(data2) != 2 || data2[0] != 3 || data2[1] != 4 {
		t.Fatalf("unexpected second chunk: %v", data2)
	}
}

func TestPushDataWritesToInputDescriptor(t *testing.T) {
	mem := newFakeMemory(4096)
	putDescriptor(mem.buf, 0, cmdKey(CmdInputLast, branchNever, branchNever), 3, 3000, 0)

	ch := New(mem)
	ch.writeControl(uint32(StatRun)<<16 | uint32(StatRun))

	n, err := ch.PushData([]byte{0x11, 0x22, 0x33})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("got %d want 3", n)
	}
	got := mem.buf[3000:3003]
	want := []byte{0x11, 0x22, 0x33}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got 0x%x want 0x%x", i, got[i], want[i])
		}
	}
}

func TestStopCommandHaltsChannel(t *testing.T) {
	mem := newFakeMemory(4096)
	putDescriptor(mem.buf, 0, cmdKey(CmdStop, branchNever, branchNever), 0, 0, 0)

	ch := New(mem)
	ch.writeControl(uint32(StatRun)<<16 | uint32(StatRun))

	res, data, err := ch.PullData(16)
	if err != nil {
		t.Fatal(err)
	}
	if res != NoMoreData || data != nil {
		t.Fatalf("expected no data after STOP, got %v %v", res, data)
	}
	if ch.Status()&StatActive != 0 {
		t.Fatalf("STOP should clear ACTIVE")
	}
}

func TestBranchAlwaysRedirectsCmdPtr(t *testing.T) {
	mem := newFakeMemory(8192)
	// Descriptor at 0 branches unconditionally to 4096, where a STOP sits.
	putDescriptor(mem.buf, 0, cmdKey(CmdNop, branchAlway, branchNever), 0, 0, 4096)
	putDescriptor(mem.buf, 4096, cmdKey(CmdStop, branchNever, branchNever), 0, 0, 0)

	ch := New(mem)
	ch.writeControl(uint32(StatRun)<<16 | uint32(StatRun))

	if _, _, err := ch.PullData(16); err != nil {
		t.Fatal(err)
	}
	if ch.cmdPtr != 4096 {
		t.Fatalf("expected cmdPtr to follow branch to 4096, got %d", ch.cmdPtr)
	}
}

func TestWaitBitsReturnError(t *testing.T) {
	mem := newFakeMemory(4096)
	// wait bits live at cmdKey bits [1:0]; set them nonzero.
	key := cmdKey(CmdNop, branchNever, branchNever) | 1
	putDescriptor(mem.buf, 0, key, 0, 0, 0)

	ch := New(mem)
	ch.writeControl(uint32(StatRun)<<16 | uint32(StatRun))

	_, _, err := ch.PullData(16)
	if err == nil {
		t.Fatalf("expected an error for nonzero wait bits")
	}
}

// TestCmdKeyBitPositionsMatchSpec builds a raw cmd_key value directly from
// the documented bit positions, independent of the cmdKey() helper, so a
// regression in both at once can't hide a wrong shift amount.
func TestCmdKeyBitPositionsMatchSpec(t *testing.T) {
	// cmd_key[5:4]=interrupt=IF_SET(3), [3:2]=branch=IF_CLR(2), [1:0]=wait=ALWAYS(1)
	raw := uint16(CmdNop)<<12 | uint16(3)<<4 | uint16(2)<<2 | uint16(1)

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:], raw)
	d := decodeDescriptor(buf)

	if got := d.intBits(); got != 3 {
		t.Fatalf("interrupt bits [5:4]: got %d want 3", got)
	}
	if got := d.branchBits(); got != 2 {
		t.Fatalf("branch bits [3:2]: got %d want 2", got)
	}
	if got := d.waitBits(); got != 1 {
		t.Fatalf("wait bits [1:0]: got %d want 1", got)
	}
}

func TestNonzeroKeyRejectedOnTransferCommand(t *testing.T) {
	mem := newFakeMemory(4096)
	// key[2:0] shares bit 2 with branch[3:2] and bits 0-1 with wait[1:0];
	// set only bit 2 so key is nonzero (4) while wait stays zero.
	key := cmdKey(CmdOutputLast, branchNever, branchNever) | 4
	putDescriptor(mem.buf, 0, key, 4, 2048, 0)

	ch := New(mem)
	ch.writeControl(uint32(StatRun)<<16 | uint32(StatRun))

	_, _, err := ch.PullData(16)
	if !errors.Is(err, ErrKeyNotImplemented) {
		t.Fatalf("expected ErrKeyNotImplemented, got %v", err)
	}
}

func TestInterruptFiresOnAlwaysCondition(t *testing.T) {
	mem := newFakeMemory(4096)
	putDescriptor(mem.buf, 0, cmdKey(CmdNop, branchNever, branchAlway), 0, 0, 0)
	putDescriptor(mem.buf, 16, cmdKey(CmdStop, branchNever, branchNever), 0, 0, 0)

	ch := New(mem)
	fired := false
	ch.SetInterruptACK(func(level bool) { fired = level })
	ch.writeControl(uint32(StatRun)<<16 | uint32(StatRun))

	if _, _, err := ch.PullData(16); err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Fatalf("expected interrupt ACK to fire for INT_ALWAYS")
	}
}

func TestControlRegisterStartStopCallbacks(t *testing.T) {
	mem := newFakeMemory(64)
	ch := New(mem)

	started, stopped := false, false
	ch.SetCallbacks(func() { started = true }, func() { stopped = true })

	if err := ch.WriteMMIO(RegCtrl, RegCtrl, 4, uint64(uint32(StatRun)<<16|uint32(StatRun))); err != nil {
		t.Fatal(err)
	}
	if !started {
		t.Fatalf("expected onStart to fire when RUN set")
	}

	if err := ch.WriteMMIO(RegCtrl, RegCtrl, 4, uint64(uint32(StatRun)<<16)); err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatalf("expected onStop to fire when RUN cleared")
	}
}

func TestNonDwordRegisterAccessRejected(t *testing.T) {
	mem := newFakeMemory(64)
	ch := New(mem)
	if _, err := ch.ReadMMIO(RegStatus, RegStatus, 2); err == nil {
		t.Fatalf("expected error for non-dword register read")
	}
}
