package scsi

import "testing"

func TestBusSnapshotRoundTrip(t *testing.T) {
	bus := NewBus()
	dev0 := &stubDevice{}
	if err := bus.RegisterDevice(0, dev0); err != nil {
		t.Fatal(err)
	}

	if !bus.BeginArbitration(0) {
		t.Fatal("expected arbitration to begin on a free bus")
	}
	if !bus.EndArbitration(0) {
		t.Fatal("expected device 0 to win uncontested arbitration")
	}
	if !bus.BeginSelection(0, 1, false) {
		t.Fatal("expected selection to begin after winning arbitration")
	}
	if bus.CurrentPhase() != PhaseSelection {
		t.Fatalf("got phase %v want PhaseSelection", bus.CurrentPhase())
	}

	snap := bus.CaptureSnapshot()

	bus.curPhase = PhaseBusFree
	if bus.CurrentPhase() != PhaseBusFree {
		t.Fatal("expected phase change to bus free")
	}

	bus.RestoreSnapshot(snap)
	if bus.CurrentPhase() != PhaseSelection {
		t.Fatalf("restored phase: got %v want PhaseSelection", bus.CurrentPhase())
	}
	if bus.arbWinnerID != 0 {
		t.Fatalf("restored arbWinnerID: got %d want 0", bus.arbWinnerID)
	}
}
