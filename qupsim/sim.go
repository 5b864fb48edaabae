// Package qupsim is a behavioural model of the QUP SPI controller. It
// implements the register block, state machine, FIFOs and block handshake,
// the interrupt line and a DMA channel pair closely enough to drive the qup
// transfer engine without hardware.
//
// A Sim satisfies qup.Registers and qup.Clock. Data shifts synchronously on
// register accesses while the state machine is in RUN; interrupts are
// delivered from a separate goroutine.
package qupsim

import (
	"errors"
	"sync"

	"github.com/soypat/qup/qupreg"
)

// DefaultGeometry is 16 byte blocks and 128 byte FIFOs in both directions.
var DefaultGeometry = qupreg.EncodeGeometry(1, 2, 1, 2)

var errRateRejected = errors.New("qupsim: clock rate rejected")

// Responder computes the word a device shifts back on MISO for a word
// received on MOSI. Both words are right justified and bits wide.
type Responder func(mosi uint32, bits int) (miso uint32)

// Echo returns MOSI on MISO, as a wire between the two pins does.
func Echo(mosi uint32, bits int) uint32 { return mosi }

// Sim is one simulated controller.
type Sim struct {
	mu   sync.Mutex
	regs [qupreg.RegisterWindow / 4]uint32
	geom qupreg.Geometry

	// state machine
	state         uint32
	clearWrites   int
	invalidReads  int
	stateLatency  int
	holdInvalid   bool
	stateLog      []uint32
	pauseResetHit int

	// shift engine
	out, in        []uint32
	latched        uint32
	qupErr, spiErr uint32
	shifted        int
	written        int
	delivered      int
	inputReads     int
	writeReq       bool
	readReq        bool
	doneLatched    bool
	halted         bool
	stalled        bool
	totalShifted   int
	errArmed       bool
	errAfter       int
	errFlags       uint32
	responder      Responder

	// dma
	rx, tx   *Channel
	mem      *Memory
	dmaDone  bool
	stallDMA bool
	dmaRuns  int

	// clock
	rate       uint32
	rejectRate uint32

	irq     chan struct{}
	quit    chan struct{}
	handler func()
	closed  bool
	irqs    int
}

// New returns a simulated controller advertising the iomode geometry.
// Pass DefaultGeometry for the common configuration.
func New(iomode uint32) *Sim {
	s := &Sim{
		geom:      qupreg.DecodeGeometry(iomode),
		responder: Echo,
		irq:       make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	s.regs[qupreg.QUP_IO_M_MODES/4] = iomode & qupreg.QUP_IO_M_GEOMETRY_MASK
	s.mem = NewMemory(64)
	s.rx = &Channel{sim: s, dir: dirRx}
	s.tx = &Channel{sim: s, dir: dirTx}
	go s.irqLoop()
	return s
}

// Close stops interrupt delivery.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	return nil
}

// Geometry is the block and FIFO geometry advertised by the model.
func (s *Sim) Geometry() qupreg.Geometry { return s.geom }

// SetResponder sets the device on the far end of the bus. Loopback
// transfers ignore it.
func (s *Sim) SetResponder(r Responder) {
	s.mu.Lock()
	s.responder = r
	s.mu.Unlock()
}

// SetStateLatency makes the state register read invalid n times after
// every state write.
func (s *Sim) SetStateLatency(n int) {
	s.mu.Lock()
	s.stateLatency = n
	s.mu.Unlock()
}

// HoldInvalid keeps the state register invalid until released.
func (s *Sim) HoldInvalid(hold bool) {
	s.mu.Lock()
	s.holdInvalid = hold
	s.mu.Unlock()
}

// Stall stops the shift engine, so no data moves and no interrupts are raised.
func (s *Sim) Stall(stall bool) {
	s.mu.Lock()
	s.stalled = stall
	s.stepLocked()
	s.mu.Unlock()
}

// StallDMA keeps DMA descriptors from ever completing.
func (s *Sim) StallDMA(stall bool) {
	s.mu.Lock()
	s.stallDMA = stall
	s.mu.Unlock()
}

// InjectError latches flags into QUP_ERROR_FLAGS once words more words have
// shifted, then halts the shift engine until the next reset. Resets in
// between do not disarm it. A DMA program that would cross the mark latches
// the error instead of completing its descriptors.
func (s *Sim) InjectError(words int, flags uint32) {
	s.mu.Lock()
	s.errArmed = true
	s.errAfter = s.totalShifted + words
	s.errFlags = flags
	s.mu.Unlock()
}

// RejectRatesAbove makes SetRate fail for rates above hz. Zero accepts all rates.
func (s *Sim) RejectRatesAbove(hz uint32) {
	s.mu.Lock()
	s.rejectRate = hz
	s.mu.Unlock()
}

// SetRate implements qup.Clock.
func (s *Sim) SetRate(hz uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectRate != 0 && hz > s.rejectRate {
		return errRateRejected
	}
	s.rate = hz
	return nil
}

// Rate is the last accepted clock rate.
func (s *Sim) Rate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// State returns the state machine value without the VALID bit.
func (s *Sim) State() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateWrites returns every value written to QUP_STATE.
func (s *Sim) StateWrites() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.stateLog...)
}

// DirectPauseResets counts RESET writes issued while in PAUSE. The hardware
// ignores them.
func (s *Sim) DirectPauseResets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseResetHit
}

// InputReads counts reads of QUP_INPUT_FIFO since the model was created.
func (s *Sim) InputReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputReads
}

// DMARuns counts DMA programs the model has executed.
func (s *Sim) DMARuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dmaRuns
}

// IRQs counts interrupts delivered to the handler.
func (s *Sim) IRQs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.irqs
}

// Peek returns a register value without side effects.
func (s *Sim) Peek(offset uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[offset/4]
}

// Read32 implements qup.Registers.
func (s *Sim) Read32(offset uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case qupreg.QUP_STATE:
		v := s.state
		if s.holdInvalid {
			return v
		}
		if s.invalidReads > 0 {
			s.invalidReads--
			return v
		}
		return v | qupreg.QUP_STATE_VALID
	case qupreg.QUP_OPERATIONAL:
		return s.latched | s.liveFlags()
	case qupreg.QUP_ERROR_FLAGS:
		return s.qupErr
	case qupreg.SPI_ERROR_FLAGS:
		return s.spiErr
	case qupreg.QUP_HW_VERSION:
		return qupreg.QUP_HW_VERSION_2_1_1
	case qupreg.QUP_INPUT_FIFO:
		s.inputReads++
		if len(s.in) == 0 {
			s.qupErr |= qupreg.QUP_ERROR_INPUT_UNDER_RUN
			s.raiseLocked()
			return 0
		}
		w := s.in[0]
		s.in = s.in[1:]
		s.delivered++
		s.stepLocked()
		return w
	case qupreg.QUP_OUTPUT_FIFO:
		return 0
	}
	return s.regs[offset/4]
}

// Write32 implements qup.Registers.
func (s *Sim) Write32(offset, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case qupreg.QUP_STATE:
		s.writeState(value)
	case qupreg.QUP_SW_RESET:
		s.swReset()
	case qupreg.QUP_IO_M_MODES:
		s.regs[offset/4] = value&^qupreg.QUP_IO_M_GEOMETRY_MASK | s.regs[offset/4]&qupreg.QUP_IO_M_GEOMETRY_MASK
	case qupreg.QUP_OPERATIONAL:
		s.latched &^= value
	case qupreg.QUP_ERROR_FLAGS:
		s.qupErr &^= value
	case qupreg.SPI_ERROR_FLAGS:
		s.spiErr &^= value
	case qupreg.QUP_MX_INPUT_CNT, qupreg.QUP_MX_OUTPUT_CNT, qupreg.QUP_MX_READ_CNT, qupreg.QUP_MX_WRITE_CNT:
		if value > 0xffff {
			// Counts that do not fit the 16 bit registers read back as zero.
			value = 0
		}
		s.regs[offset/4] = value
	case qupreg.QUP_OUTPUT_FIFO:
		if len(s.out) >= s.geom.OutFIFOSize/4 {
			s.qupErr |= qupreg.QUP_ERROR_OUTPUT_OVER_RUN
			s.raiseLocked()
			return
		}
		s.out = append(s.out, value)
		s.written++
		s.stepLocked()
	case qupreg.QUP_INPUT_FIFO, qupreg.QUP_HW_VERSION:
		// read only
	default:
		s.regs[offset/4] = value
	}
}

func (s *Sim) writeState(value uint32) {
	s.stateLog = append(s.stateLog, value)
	s.invalidReads = s.stateLatency
	want := value & qupreg.QUP_STATE_MASK
	if s.state == qupreg.QUP_STATE_PAUSE {
		switch want {
		case qupreg.QUP_STATE_CLEAR:
			s.clearWrites++
			if s.clearWrites == 2 {
				s.enterReset()
			}
			return
		case qupreg.QUP_STATE_RESET:
			s.pauseResetHit++
			return
		}
	}
	s.clearWrites = 0
	switch want {
	case qupreg.QUP_STATE_RESET:
		s.enterReset()
	case qupreg.QUP_STATE_RUN:
		s.state = qupreg.QUP_STATE_RUN
		s.stepLocked()
	case qupreg.QUP_STATE_PAUSE:
		s.state = qupreg.QUP_STATE_PAUSE
	}
}

// enterReset resets the mini-core: FIFOs, flags and run progress.
func (s *Sim) enterReset() {
	s.state = qupreg.QUP_STATE_RESET
	s.clearWrites = 0
	s.out, s.in = s.out[:0], s.in[:0]
	s.latched = 0
	s.shifted, s.written, s.delivered = 0, 0, 0
	s.writeReq, s.readReq, s.doneLatched = false, false, false
	s.halted = false
	s.dmaDone = false
}

func (s *Sim) swReset() {
	for i := range s.regs {
		if i != qupreg.QUP_IO_M_MODES/4 {
			s.regs[i] = 0
		}
	}
	s.qupErr, s.spiErr = 0, 0
	s.enterReset()
}
