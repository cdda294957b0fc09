package scsi

import (
	"fmt"

	"github.com/dingusppc/fabric/internal/vtime"
)

// Standard bus timing values, in nanoseconds of virtual time.
const (
	BusSettleDelay = 400
	BusFreeDelay   = 800
	BusClearDelay  = 800
	ArbDelay       = 2400
	SelAbortTime   = 200_000
	SelTimeout     = 250_000_000
)

// DataFIFODepth is the size of the bus controller's internal data FIFO.
const DataFIFODepth = 16

// SeqState enumerates the initiator-side sequencer's states.
type SeqState int

const (
	SeqIdle SeqState = iota
	SeqBusFree
	SeqArbBegin
	SeqArbEnd
	SeqSelBegin
	SeqSelEnd
	SeqSendMsg
	SeqSendCmd
	SeqXferBegin
	SeqSendData
	SeqRcvData
	SeqRcvStatus
	SeqRcvMessage
	SeqXferEnd
)

// ErrorKind reports why the sequencer aborted a pending operation.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrArbLost
	ErrSelTimeout
)

// BusController is the initiator-side sequencer: it drives arbitration,
// selection, and the command/data/status/message phase walk via one-shot
// virtual-time timers, exactly mirroring the original's re-entrant
// sequencer() state machine.
type BusController struct {
	Name string
	bus  *Bus
	vt   *vtime.Scheduler
	now  uint64

	srcID int
	dstID int

	curState  SeqState
	nextState SeqState
	seqTimer  vtime.ID
	hasTimer  bool

	assertATN   bool
	isInitiator bool

	curBusPhase Phase

	dataFIFO [DataFIFODepth]byte
	fifoPos  int
	toXfer   int
	bytesOut int

	stepCompleted func()
	reportError   func(ErrorKind)
}

// NewBusController constructs a sequencer for srcID, driven by vt for all
// deferred-state transitions.
func NewBusController(name string, bus *Bus, vt *vtime.Scheduler, srcID int) *BusController {
	return &BusController{Name: name, bus: bus, vt: vt, srcID: srcID, curState: SeqIdle, isInitiator: true}
}

// SetCallbacks installs the step-completion and error-reporting hooks.
func (c *BusController) SetCallbacks(stepCompleted func(), reportError func(ErrorKind)) {
	c.stepCompleted, c.reportError = stepCompleted, reportError
}

// SetNow updates the virtual-time value used for subsequent timer arming;
// callers drive this from their own ProcessTimers loop.
func (c *BusController) SetNow(now uint64) { c.now = now }

// BeginSelect kicks off a SELECT-with-ATN sequence toward dstID.
func (c *BusController) BeginSelect(dstID int, atn bool) {
	c.dstID = dstID
	c.assertATN = atn
	c.curState = SeqBusFree
	c.Sequencer()
}

func (c *BusController) deferState(delayNS uint64) {
	c.seqTimer = c.vt.AddOneshot(c.now, delayNS, func() {
		c.hasTimer = false
		c.curState = c.nextState
		c.Sequencer()
	})
	c.hasTimer = true
}

// Sequencer re-enters the initiator FSM at curState, mirroring the
// original's re-entrant switch statement exactly.
func (c *BusController) Sequencer() {
	switch c.curState {
	case SeqIdle:
		return
	case SeqBusFree:
		if c.bus.CurrentPhase() == PhaseBusFree {
			c.nextState = SeqArbBegin
			c.deferState(BusFreeDelay + BusSettleDelay)
		} else {
			c.nextState = SeqBusFree
			c.deferState(BusFreeDelay)
		}
	case SeqArbBegin:
		if !c.bus.BeginArbitration(c.srcID) {
			c.bus.ReleaseCtrlLines(c.srcID)
			c.nextState = SeqBusFree
			c.deferState(BusClearDelay)
			return
		}
		c.nextState = SeqArbEnd
		c.deferState(ArbDelay)
	case SeqArbEnd:
		if c.bus.EndArbitration(c.srcID) && c.bus.TestCtrlLines(CtrlSEL) == 0 {
			c.bus.AssertCtrlLine(c.srcID, CtrlSEL)
			c.complete()
		} else {
			c.bus.ReleaseCtrlLines(c.srcID)
			c.fail(ErrArbLost)
		}
	case SeqSelBegin:
		c.bus.BeginSelection(c.srcID, c.dstID, c.assertATN)
		c.nextState = SeqSelEnd
		c.deferState(SelTimeout)
	case SeqSelEnd:
		if c.bus.EndSelection(c.srcID, c.dstID) {
			c.bus.ReleaseCtrlLine(c.srcID, CtrlSEL)
			c.complete()
		} else {
			c.bus.Disconnect(c.srcID)
			c.curState = SeqIdle
			c.fail(ErrSelTimeout)
		}
	case SeqSendMsg:
		if c.fifoPos != 0 {
			c.bus.TargetTransferData()
			c.bus.ReleaseCtrlLine(c.srcID, CtrlATN)
			if c.toXfer <= 0 {
				c.complete()
			}
		}
	case SeqSendCmd:
		c.bus.TargetTransferData()
		if c.fifoPos == 0 {
			c.complete()
		}
	case SeqXferBegin:
		c.curBusPhase = c.bus.CurrentPhase()
		switch c.curBusPhase {
		case PhaseDataOut:
			c.curState = SeqSendData
		case PhaseDataIn:
			c.bytesOut = c.bus.NegotiateTransfer(c.fifoPos)
			c.curState = SeqRcvData
			c.rcvData()
		}
	case SeqXferEnd:
		if c.isInitiator {
			c.bus.TargetNextStep()
		}
		c.complete()
	case SeqSendData:
		if c.bus.PushData(c.dstID, c.dataFIFO[:c.fifoPos]) {
			c.toXfer -= c.fifoPos
			c.fifoPos = 0
			if c.toXfer <= 0 {
				c.curState = SeqXferEnd
				c.Sequencer()
			}
		}
	case SeqRcvData:
		if c.bus.CurrentPhase() != c.curBusPhase {
			return // phase mismatch: wait for the next external nudge
		}
		if !c.rcvData() {
			c.curState = SeqXferEnd
			c.Sequencer()
		}
	case SeqRcvStatus, SeqRcvMessage:
		c.bytesOut = c.bus.NegotiateTransfer(c.fifoPos)
		c.rcvData()
		if c.isInitiator {
			if c.curState == SeqRcvMessage {
				c.bus.AssertCtrlLine(c.srcID, CtrlACK)
			}
			c.bus.TargetNextStep()
			c.complete()
			c.curState = SeqIdle
		}
	default:
		panic(fmt.Sprintf("%s: unimplemented sequencer state %d", c.Name, c.curState))
	}
}

func (c *BusController) complete() {
	if c.stepCompleted != nil {
		c.stepCompleted()
	}
}

func (c *BusController) fail(kind ErrorKind) {
	if c.reportError != nil {
		c.reportError(kind)
	}
}

func (c *BusController) rcvData() bool {
	if c.bus.TestCtrlLines(CtrlREQ) == 0 {
		return false
	}
	if c.toXfer == 0 {
		return false
	}
	reqCount := c.toXfer
	if room := DataFIFODepth - c.fifoPos; reqCount > room {
		reqCount = room
	}
	c.bus.PullData(c.dstID, c.dataFIFO[c.fifoPos:c.fifoPos+reqCount])
	c.fifoPos += reqCount
	c.toXfer -= reqCount
	return true
}

// Notify implements the controller's notification intake from the bus: a
// CONFIRM_SEL message cancels the selection-timeout timer and fast-forwards
// the sequencer; BUS_PHASE_CHANGE is recorded only (per the resolved
// decision not to auto-advance a generic step machine from it).
func (c *BusController) Notify(n Notification, param int) {
	switch n {
	case NotifyConfirmSel:
		if c.dstID == param {
			if c.hasTimer {
				c.vt.Cancel(c.seqTimer)
				c.hasTimer = false
			}
			c.curState = SeqSelEnd
			c.Sequencer()
		}
	case NotifyPhaseChange:
		c.curBusPhase = Phase(param)
	}
}

// XferFrom is the DMA-side pull path: it drains the FIFO first, then pulls
// any remainder straight from the bus, completing the transfer if it
// reaches zero. It returns the number of bytes it could not satisfy.
func (c *BusController) XferFrom(buf []byte) int {
	n := len(buf)
	if c.fifoPos > 0 {
		fifoBytes := c.fifoPos
		if fifoBytes > n {
			fifoBytes = n
		}
		copy(buf, c.dataFIFO[:fifoBytes])
		c.fifoPos -= fifoBytes
		n -= fifoBytes
		buf = buf[fifoBytes:]
	}

	dmaBytes := c.toXfer
	if dmaBytes > n {
		dmaBytes = n
	}
	if dmaBytes > 0 && c.bus.PullData(c.dstID, buf[:dmaBytes]) {
		c.toXfer -= dmaBytes
		if c.toXfer <= 0 {
			c.curState = SeqXferEnd
			c.Sequencer()
		}
		return n - dmaBytes
	}
	return n
}

// FIFOPush appends one byte to the data FIFO, re-entering the sequencer
// once the expected transfer count has been satisfied or the FIFO is full.
func (c *BusController) FIFOPush(data byte) {
	if c.fifoPos < DataFIFODepth {
		c.dataFIFO[c.fifoPos] = data
		c.fifoPos++
		c.toXfer--
		if c.toXfer == 0 {
			c.Sequencer()
		}
	} else {
		c.Sequencer()
	}
}

// FIFOPop removes and returns the oldest byte in the data FIFO.
func (c *BusController) FIFOPop() byte {
	if c.fifoPos == 0 {
		return 0
	}
	data := c.dataFIFO[0]
	c.fifoPos--
	copy(c.dataFIFO[:c.fifoPos], c.dataFIFO[1:c.fifoPos+1])
	if c.fifoPos == 0 {
		c.Sequencer()
	}
	return data
}

// SendData implements Device for the controller's own initiator-side
// registration on the bus: it drains up to len(dst) bytes out of the FIFO.
func (c *BusController) SendData(dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	n := c.fifoPos
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, c.dataFIFO[:n])
	c.fifoPos -= n
	c.toXfer -= n
	if c.fifoPos > 0 {
		copy(c.dataFIFO[:c.fifoPos], c.dataFIFO[n:n+c.fifoPos])
	}
	return n
}

// ReceiveData, TransferData, NextStep, and PrepareTransfer complete the
// Device interface for the controller's initiator-side registration; none
// of them are exercised on the initiator side in this fabric, since the
// initiator only ever originates requests, never answers them.
func (c *BusController) ReceiveData(src []byte) int          { return len(src) }
func (c *BusController) TransferData() int                   { return 0 }
func (c *BusController) NextStep()                            {}
func (c *BusController) PrepareTransfer(*Bus, int) int        { return 0 }
