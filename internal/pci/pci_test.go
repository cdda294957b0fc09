package pci

import "testing"

func TestBARSizingAndReprogram(t *testing.T) {
	var cfg [6]uint32
	cfg[0] = 0xFFFF0000 // 64KB memory BAR, 32-bit, non-prefetchable
	dev, err := NewDevice("test", 0x106B, 0x0001, 0, 0, cfg)
	if err != nil {
		t.Fatal(err)
	}

	var barNum int
	var newBase uint32
	dev.OnBARChange = func(n int, base uint32) { barNum = n; newBase = base }

	dev.SetBAR(0, 0xFFFFFFFF)
	if got := dev.BAR(0); got != 0xFFFF0000 {
		t.Fatalf("size probe: got 0x%x want 0xFFFF0000", got)
	}
	if barNum != 0 {
		t.Fatalf("BAR change callback should not fire during sizing probe")
	}

	dev.SetBAR(0, 0x80000000)
	if got := dev.BAR(0); got != 0x80000000 {
		t.Fatalf("reprogram: got 0x%x want 0x80000000", got)
	}
	if barNum != 0 || newBase != 0x80000000 {
		t.Fatalf("expected OnBARChange(0, 0x80000000), got (%d, 0x%x)", barNum, newBase)
	}
}

func TestConfigByteAccessRotation(t *testing.T) {
	host := NewHost()
	var cfg [6]uint32
	dev, err := NewDevice("test", 0x2233, 0x1122, 0, 0, cfg)
	if err != nil {
		t.Fatal(err)
	}
	// Force ClassRev to 0x11223344 so we can read it back through the
	// rotation path at RegClassRev (standard register, host-ordered).
	dev.ClassRev = 0x11223344
	if err := host.RegisterDevice(0, 1, 0, dev); err != nil {
		t.Fatal(err)
	}

	if got := host.ReadConfig(0, 1, 0, RegClassRev+1, 1); got != 0x22 {
		t.Fatalf("byte @+1: got 0x%x want 0x22", got)
	}
	if got := host.ReadConfig(0, 1, 0, RegClassRev+3, 1); got != 0x11 {
		t.Fatalf("byte @+3: got 0x%x want 0x11", got)
	}
	if got := host.ReadConfig(0, 1, 0, RegClassRev+2, 2); got != 0x1122 {
		t.Fatalf("word @+2: got 0x%x want 0x1122", got)
	}
}

// fakeCustomRegs answers config reads/writes at two dword-aligned
// registers, letting a test drive an unaligned dword access spanning them.
type fakeCustomRegs struct {
	lo, hi uint32 // dwords at regs 0x40 and 0x44
}

func (f *fakeCustomRegs) ReadConfigDword(reg uint32) (uint32, bool) {
	switch reg {
	case 0x40:
		return f.lo, true
	case 0x44:
		return f.hi, true
	default:
		return 0, false
	}
}

func (f *fakeCustomRegs) WriteConfigDword(reg uint32, value uint32) bool {
	switch reg {
	case 0x40:
		f.lo = value
		return true
	case 0x44:
		f.hi = value
		return true
	default:
		return false
	}
}

func TestUnalignedDwordConfigAccessMatchesReferenceRotation(t *testing.T) {
	host := NewHost()
	var cfg [6]uint32
	dev, err := NewDevice("test", 0x2233, 0x1122, 0, 0, cfg)
	if err != nil {
		t.Fatal(err)
	}
	custom := &fakeCustomRegs{lo: 0x11223344, hi: 0x55667788}
	dev.Custom = custom
	if err := host.RegisterDevice(0, 1, 0, dev); err != nil {
		t.Fatal(err)
	}

	// size=4, offset=1 (reg 0x41): straddles the two custom dwords.
	if got := host.ReadConfig(0, 1, 0, 0x41, 4); got != 0x33221188 {
		t.Fatalf("unaligned dword read: got 0x%x want 0x33221188", got)
	}

	custom.lo, custom.hi = 0x11223344, 0x55667788
	host.WriteConfig(0, 1, 0, 0x41, 0x55667788, 4)
	if custom.lo != 0x77665588 {
		t.Fatalf("unaligned dword write low dword: got 0x%x want 0x77665588", custom.lo)
	}
}

func TestUnmappedConfigReadReturnsAllOnes(t *testing.T) {
	host := NewHost()
	if got := host.ReadConfig(0, 5, 0, RegDevVendID, 4); got != 0xFFFFFFFF {
		t.Fatalf("got 0x%x want 0xFFFFFFFF", got)
	}
	if got := host.ReadConfig(0, 5, 0, RegDevVendID, 2); got != 0xFFFF {
		t.Fatalf("got 0x%x want 0xFFFF (masked to size)", got)
	}
}

func TestBridgeForwardsType1Cycle(t *testing.T) {
	host := NewHost()
	var bridgeCfg, leafCfg [6]uint32
	bridge, err := NewBridge("bridge", 0x1011, 0x0020, 0, bridgeCfg)
	if err != nil {
		t.Fatal(err)
	}
	bridge.Secondary = 1
	bridge.Subordinate = 1
	if err := host.RegisterBridge(0, 0x0E, 0, bridge); err != nil {
		t.Fatal(err)
	}

	leaf, err := NewDevice("leaf", 0x1234, 0x5678, 0, 0, leafCfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := host.RegisterDevice(1, 1, 0, leaf); err != nil {
		t.Fatal(err)
	}

	got := host.ReadConfig(1, 1, 0, RegDevVendID, 4)
	// DevID/VendID dword 0x56781234, byte-swapped by the dword read path.
	want := uint32(0x34127856)
	if got != want {
		t.Fatalf("got 0x%x want 0x%x", got, want)
	}
}

func TestConfigPortDecodesLegacyAddrLayout(t *testing.T) {
	host := NewHost()
	var cfg [6]uint32
	dev, _ := NewDevice("leaf", 0xAAAA, 0xBBBB, 0, 0, cfg)
	host.RegisterDevice(0, 1, 0, dev)

	port := NewConfigPort(host, 0xCF8, 0xCFC)
	// bit31 enable, bus=0, dev=1, fn=0, reg=0
	addr := uint32(0x80000000) | (1 << 11)
	if err := port.WriteMMIO(0xCF8, 0, 4, uint64(addr)); err != nil {
		t.Fatal(err)
	}
	v, err := port.ReadMMIO(0xCFC, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	// DevID/VendID dword 0xBBBBAAAA, byte-swapped by the dword read path.
	want := uint64(0xAAAABBBB)
	if v != want {
		t.Fatalf("got 0x%x want 0x%x", v, want)
	}
}

func TestExpansionROMArming(t *testing.T) {
	var cfg [6]uint32
	dev, _ := NewDevice("test", 1, 1, 0, 0, cfg)
	dev.expRomBarCfg = ^(uint32(0x10000) - 1) // pretend a 64KB image was attached

	var barNum int
	var base uint32
	dev.OnBARChange = func(n int, b uint32) { barNum = n; base = b }

	dev.writeExpROMBar(1) // base 0, enable bit set: not a sizing probe
	if barNum != 6 || base != 0 {
		t.Fatalf("expected arm at base 0, got bar %d base 0x%x", barNum, base)
	}
}

func TestMaskToSize(t *testing.T) {
	if maskToSize(0x12345678, 1) != 0x78 {
		t.Fatalf("byte mask wrong")
	}
	if maskToSize(0x12345678, 2) != 0x5678 {
		t.Fatalf("word mask wrong")
	}
	if maskToSize(0x12345678, 4) != 0x12345678 {
		t.Fatalf("dword mask wrong")
	}
}
