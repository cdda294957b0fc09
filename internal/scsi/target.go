package scsi

import "fmt"

// cmdGroupLen maps a CDB's top 3 opcode bits to its total length; -1 marks a
// group this fabric never receives (vendor-specific/reserved groups).
var cmdGroupLen = [8]int{6, 10, 10, -1, -1, 12, -1, -1}

// Hooks lets a concrete device (a hard disk, a CD-ROM) supply the
// command-processing behavior a TargetDevice otherwise has no knowledge of.
type Hooks interface {
	ProcessCommand(t *TargetDevice)
	PrepareData(t *TargetDevice) bool
	GetMoreData(t *TargetDevice) bool
}

// TargetDevice is the target-side phase stepper shared by every SCSI
// peripheral on a Bus: it owns the command/message buffers, the data
// pointer/size bookkeeping, and the phase-advance state machine, leaving
// command interpretation and data staging to Hooks.
type TargetDevice struct {
	Bus  *Bus
	ID   int
	Lun  int
	Name string

	hooks Hooks

	cmdBuf [16]byte
	msgBuf [16]byte

	initiatorID int
	curPhase    Phase

	data       []byte
	incomingSize int
	status     uint8

	lastSelHasAttn bool
	lastSelMsg     uint8

	seqSteps []Phase
	seqPos   int

	postXferAction func()
}

// NewTargetDevice constructs a target-side stepper for id, delegating
// command/data behavior to hooks.
func NewTargetDevice(name string, id int, hooks Hooks) *TargetDevice {
	return &TargetDevice{Name: name, ID: id, hooks: hooks, curPhase: PhaseBusFree}
}

// SetPostTransferAction installs a callback run once a DATA_OUT phase has
// received its full expected byte count.
func (t *TargetDevice) SetPostTransferAction(fn func()) { t.postXferAction = fn }

// Status returns the last status byte staged for a STATUS phase.
func (t *TargetDevice) Status() uint8 { return t.status }

// SetStatus stages the byte a subsequent STATUS phase will send.
func (t *TargetDevice) SetStatus(s uint8) { t.status = s }

// CDB returns the command descriptor block accumulated so far.
func (t *TargetDevice) CDB() []byte { return t.cmdBuf[:] }

// SetData stages outgoing data for a DATA_IN phase.
func (t *TargetDevice) SetData(buf []byte) { t.data = buf }

// HasData reports whether staged outgoing data remains.
func (t *TargetDevice) HasData() bool { return len(t.data) != 0 }

// Notify implements Device: bus-phase-change and selection notifications.
func (t *TargetDevice) Notify(n Notification, param int) {
	if n != NotifyPhaseChange {
		return
	}
	if Phase(param) != PhaseSelection {
		return
	}
	if t.Bus.DataLines()&(1<<uint(t.ID)) == 0 {
		return
	}
	// Selection settles asynchronously; callers wire this to a one-shot
	// BUS_SETTLE_DELAY timer via ConfirmSelectionAfterSettle.
}

// ConfirmSelectionAfterSettle runs the BUS_SETTLE_DELAY-deferred selection
// confirmation: refuses if BSY/IO are already asserted, otherwise asserts
// BSY, confirms selection, and steps into COMMAND or MESSAGE_OUT.
func (t *TargetDevice) ConfirmSelectionAfterSettle() {
	if t.Bus.TestCtrlLines(CtrlBSY|CtrlIO) != 0 {
		return
	}
	t.Bus.AssertCtrlLine(t.ID, CtrlBSY)
	t.Bus.ConfirmSelection(t.ID)
	t.seqSteps = nil
	t.initiatorID = t.Bus.InitiatorID()
	if t.Bus.TestCtrlLines(CtrlATN) != 0 {
		t.lastSelHasAttn = true
		t.switchPhase(PhaseMessageOut)
	} else {
		t.lastSelHasAttn = false
		t.switchPhase(PhaseCommand)
	}
}

func (t *TargetDevice) switchPhase(newPhase Phase) {
	t.curPhase = newPhase
	t.Bus.SwitchPhase(t.ID, t.curPhase)
}

// AllowPhaseChange mirrors the original's handshake guard for MESSAGE_IN:
// a phase change mid-transfer, or with ACK still asserted, must wait.
func (t *TargetDevice) AllowPhaseChange() bool {
	if len(t.data) != 0 || t.Bus.TestCtrlLines(CtrlACK) != 0 {
		return false
	}
	return true
}

// NextStep implements Device: advances the target's phase once the current
// phase's work is done.
func (t *TargetDevice) NextStep() {
	if t.curPhase == PhaseMessageIn && !t.AllowPhaseChange() {
		return
	}

	if t.seqSteps != nil && t.seqPos < len(t.seqSteps) {
		if t.curPhase == t.seqSteps[t.seqPos] {
			t.seqPos++
			if t.seqPos < len(t.seqSteps) {
				t.switchPhase(t.seqSteps[t.seqPos])
				return
			}
		}
	}

	switch t.curPhase {
	case PhaseDataOut:
		if len(t.data) == 0 {
			if t.postXferAction != nil {
				t.postXferAction()
			}
			t.switchPhase(PhaseStatus)
		}
	case PhaseDataIn:
		if !t.HasData() {
			t.switchPhase(PhaseStatus)
		}
	case PhaseCommand:
		t.hooks.ProcessCommand(t)
		if t.curPhase != PhaseCommand {
			if t.hooks.PrepareData(t) {
				t.Bus.AssertCtrlLine(t.ID, CtrlREQ)
			}
		}
	case PhaseStatus:
		t.Bus.ReleaseCtrlLine(t.ID, CtrlREQ)
		t.msgBuf[0] = 0 // COMMAND_COMPLETE
		t.data = t.msgBuf[0:1]
		t.switchPhase(PhaseMessageIn)
	case PhaseMessageOut:
		t.switchPhase(PhaseCommand)
	case PhaseMessageIn, PhaseBusFree:
		t.Bus.ReleaseCtrlLines(t.ID)
		t.seqSteps = nil
		t.switchPhase(PhaseBusFree)
	}
}

// PrepareTransfer implements Device: sizes the next data movement for the
// bus controller's sequencer based on the current phase.
func (t *TargetDevice) PrepareTransfer(bus *Bus, bytesIn int) int {
	t.curPhase = bus.CurrentPhase()
	switch t.curPhase {
	case PhaseCommand:
		t.data = nil
		return 0
	case PhaseStatus:
		t.data = []byte{t.status}
		return 1
	case PhaseDataIn:
		return len(t.data)
	case PhaseDataOut:
		return 0
	case PhaseMessageOut:
		t.incomingSize = bytesIn
		return 0
	case PhaseMessageIn:
		return 0
	default:
		return 0
	}
}

// TransferData implements Device: moves one message byte per call in
// MESSAGE_OUT, or a whole CDB (opcode byte, then the rest of its command
// group's length) in COMMAND.
func (t *TargetDevice) TransferData() int {
	t.curPhase = t.Bus.CurrentPhase()
	switch t.curPhase {
	case PhaseMessageOut:
		if t.Bus.PullData(t.initiatorID, t.msgBuf[0:1]) {
			if t.msgBuf[0]&0x80 == 0 { // not an IDENTIFY message
				t.processMessage()
			}
			if t.lastSelHasAttn {
				t.lastSelMsg = t.msgBuf[0]
			}
		}
	case PhaseCommand:
		if t.Bus.PullData(t.initiatorID, t.cmdBuf[0:1]) {
			cmdLen := cmdGroupLen[t.cmdBuf[0]>>5]
			if cmdLen < 0 {
				panic(fmt.Sprintf("%s: unsupported command group, opcode 0x%x", t.Name, t.cmdBuf[0]))
			}
			if t.Bus.PullData(t.initiatorID, t.cmdBuf[1:cmdLen]) {
				t.NextStep()
			}
		}
	}
	return 0
}

// sdtrResponseSeq is the phase sequence a target walks through to echo a
// Synchronous Data Transfer Request back to the initiator.
var sdtrResponseSeq = []Phase{PhaseMessageOut, PhaseMessageIn, PhaseCommand}

func (t *TargetDevice) processMessage() {
	switch {
	case t.msgBuf[0] == 1: // extended message
		if !t.Bus.PullData(t.initiatorID, t.msgBuf[1:2]) ||
			!t.Bus.PullData(t.initiatorID, t.msgBuf[2:2+int(t.msgBuf[1])]) {
			panic(fmt.Sprintf("%s: incomplete extended message", t.Name))
		}
		switch t.msgBuf[2] {
		case 1: // SYNCH_XFER_REQ
			t.seqSteps = sdtrResponseSeq
			t.seqPos = 0
			t.data = t.msgBuf[0:5]
		}
	case t.msgBuf[0]>>4 == 2: // two-byte message
		if !t.Bus.PullData(t.initiatorID, t.msgBuf[1:2]) {
			panic(fmt.Sprintf("%s: incomplete two-byte message", t.Name))
		}
	}
}

// SendData implements Device: the target -> initiator data path, topping up
// from Hooks.GetMoreData when the staged buffer runs dry mid-request.
func (t *TargetDevice) SendData(dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	n := len(t.data)
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, t.data[:n])
	t.data = t.data[n:]

	if len(t.data) == 0 && n < len(dst) {
		if t.hooks.GetMoreData(t) {
			rest := dst[n:]
			m := len(t.data)
			if m > len(rest) {
				m = len(rest)
			}
			copy(rest, t.data[:m])
			t.data = t.data[m:]
			n += m
		}
	}
	return n
}

// ReceiveData implements Device: the initiator -> target data path.
func (t *TargetDevice) ReceiveData(src []byte) int {
	t.data = append(t.data, src...)
	if t.curPhase == PhaseCommand {
		t.NextStep()
	}
	return len(src)
}
