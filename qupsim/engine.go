package qupsim

import "github.com/soypat/qup/qupreg"

func (s *Sim) ioMode() uint32 {
	return (s.regs[qupreg.QUP_IO_M_MODES/4] & qupreg.QUP_IO_M_INPUT_MODE_MASK) >> qupreg.QUP_IO_M_INPUT_MODE_MASK_SHIFT
}

// bits is the programmed SPI word width.
func (s *Sim) bits() int {
	return int(s.regs[qupreg.QUP_CONFIG/4]&qupreg.QUP_CONFIG_N) + 1
}

func (s *Sim) wordBytes() int {
	switch n := s.bits(); {
	case n <= 8:
		return 1
	case n <= 16:
		return 2
	}
	return 4
}

// count is the number of words of the current program. Zero means unbounded.
func (s *Sim) count() int {
	if s.ioMode() == qupreg.QUP_IO_M_MODE_FIFO {
		return int(s.regs[qupreg.QUP_MX_READ_CNT/4])
	}
	return int(s.regs[qupreg.QUP_MX_INPUT_CNT/4])
}

func (s *Sim) loopback() bool {
	return s.regs[qupreg.SPI_CONFIG/4]&qupreg.SPI_CONFIG_LOOPBACK != 0
}

// exchange shifts one left justified output word onto the bus and returns
// the right justified input word.
func (s *Sim) exchange(out uint32) uint32 {
	n := s.bits()
	mask := uint32(1<<n - 1)
	if n == 32 {
		mask = ^uint32(0)
	}
	mosi := (out >> (32 - n)) & mask
	if s.loopback() || s.responder == nil {
		return mosi
	}
	return s.responder(mosi, n) & mask
}

func (s *Sim) inBlockWords() int  { return s.geom.InBlockSize / 4 }
func (s *Sim) outBlockWords() int { return s.geom.OutBlockSize / 4 }

// outputRemaining reports whether the current program still expects output words.
func (s *Sim) outputRemaining() bool {
	cnt := s.count()
	return cnt == 0 || s.written < cnt
}

// inputComplete reports whether every input word of the program has shifted.
// Unbounded programs are complete whenever the output FIFO runs dry.
func (s *Sim) inputComplete() bool {
	if cnt := s.count(); cnt != 0 {
		return s.shifted >= cnt
	}
	return len(s.out) == 0
}

func (s *Sim) blockWriteReq() bool {
	return s.outputRemaining() && s.geom.OutFIFOSize/4-len(s.out) >= s.outBlockWords()
}

func (s *Sim) blockReadReq() bool {
	if len(s.in) == 0 {
		return false
	}
	return len(s.in) >= s.inBlockWords() || s.inputComplete()
}

// liveFlags are the QUP_OPERATIONAL bits that reflect current FIFO state.
func (s *Sim) liveFlags() (flags uint32) {
	if len(s.in) > 0 {
		flags |= qupreg.QUP_OP_IN_FIFO_NOT_EMPTY
	}
	if len(s.out) > 0 {
		flags |= qupreg.QUP_OP_OUT_FIFO_NOT_EMPTY
	}
	if len(s.in) >= s.geom.InFIFOSize/4 {
		flags |= qupreg.QUP_OP_IN_FIFO_FULL
	}
	if len(s.out) >= s.geom.OutFIFOSize/4 {
		flags |= qupreg.QUP_OP_OUT_FIFO_FULL
	}
	if s.ioMode() == qupreg.QUP_IO_M_MODE_BLOCK {
		if s.blockWriteReq() {
			flags |= qupreg.QUP_OP_OUT_BLOCK_WRITE_REQ
		}
		if s.blockReadReq() {
			flags |= qupreg.QUP_OP_IN_BLOCK_READ_REQ
		}
	}
	return flags
}

// stepLocked advances the model after any register access that moves data
// and raises the interrupt line when a service condition appears.
func (s *Sim) stepLocked() {
	moved := 0
	mode := s.ioMode()
	if s.state == qupreg.QUP_STATE_RUN && !s.stalled && !s.halted {
		switch mode {
		case qupreg.QUP_IO_M_MODE_DMOV:
			s.runDMA()
		case qupreg.QUP_IO_M_MODE_FIFO, qupreg.QUP_IO_M_MODE_BLOCK:
			moved = s.shift()
		}
	}
	s.updateFlags(mode, moved)
	if s.irqPending() {
		s.raiseLocked()
	}
}

// shift exchanges words from the output FIFO into the input FIFO until one
// runs out or the program count is reached.
func (s *Sim) shift() (moved int) {
	cnt := s.count()
	for len(s.out) > 0 && len(s.in) < s.geom.InFIFOSize/4 && (cnt == 0 || s.shifted < cnt) {
		w := s.out[0]
		s.out = s.out[1:]
		s.in = append(s.in, s.exchange(w))
		s.shifted++
		s.totalShifted++
		moved++
		if s.errArmed && s.totalShifted >= s.errAfter {
			s.errArmed = false
			s.qupErr |= s.errFlags
			s.halted = true
			break
		}
	}
	return moved
}

func (s *Sim) updateFlags(mode uint32, moved int) {
	if mode == qupreg.QUP_IO_M_MODE_DMOV {
		return
	}
	cnt := s.count()
	if cnt != 0 && s.shifted >= cnt && !s.doneLatched {
		// MAX_INPUT_DONE also raises IN_SERVICE, which stays latched until
		// cleared again after the last block is read.
		s.doneLatched = true
		s.latched |= qupreg.QUP_OP_MAX_INPUT_DONE_FLAG | qupreg.QUP_OP_IN_SERVICE_FLAG |
			qupreg.QUP_OP_MAX_OUTPUT_DONE_FLAG | qupreg.QUP_OP_OUT_SERVICE_FLAG
	}
	if mode == qupreg.QUP_IO_M_MODE_FIFO {
		if moved > 0 {
			s.latched |= qupreg.QUP_OP_IN_SERVICE_FLAG
			if len(s.out) == 0 && s.outputRemaining() {
				s.latched |= qupreg.QUP_OP_OUT_SERVICE_FLAG
			}
		}
		return
	}
	// Block requests raise the service flags on their rising edge and
	// withdraw them on the falling edge.
	wr, rd := s.blockWriteReq(), s.blockReadReq()
	switch {
	case wr && !s.writeReq:
		s.latched |= qupreg.QUP_OP_OUT_SERVICE_FLAG
	case !wr && s.writeReq && !s.doneLatched:
		s.latched &^= qupreg.QUP_OP_OUT_SERVICE_FLAG
	}
	switch {
	case rd && !s.readReq:
		s.latched |= qupreg.QUP_OP_IN_SERVICE_FLAG
	case !rd && s.readReq && !s.doneLatched:
		s.latched &^= qupreg.QUP_OP_IN_SERVICE_FLAG
	}
	s.writeReq, s.readReq = wr, rd
}
