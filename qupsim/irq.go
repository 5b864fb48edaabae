package qupsim

import "github.com/soypat/qup/qupreg"

// SetIRQHandler installs the function called for every interrupt, normally
// qup.Controller.HandleIRQ. The handler runs on the model's interrupt
// goroutine and must not be called with the model locked.
func (s *Sim) SetIRQHandler(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	if s.irqPending() {
		s.raiseLocked()
	}
}

// RaiseIRQ asserts the interrupt line regardless of controller state.
func (s *Sim) RaiseIRQ() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raiseLocked()
}

// irqPending is the level of the interrupt line.
func (s *Sim) irqPending() bool {
	const service = qupreg.QUP_OP_IN_SERVICE_FLAG | qupreg.QUP_OP_OUT_SERVICE_FLAG
	return s.latched&service != 0 || s.qupErr != 0 || s.spiErr != 0
}

func (s *Sim) raiseLocked() {
	if s.closed {
		return
	}
	select {
	case s.irq <- struct{}{}:
	default:
	}
}

func (s *Sim) irqLoop() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.irq:
		}
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler == nil {
			continue
		}
		handler()
		s.mu.Lock()
		s.irqs++
		// Level triggered: keep interrupting while a condition is left set.
		if s.irqPending() {
			s.raiseLocked()
		}
		s.mu.Unlock()
	}
}
