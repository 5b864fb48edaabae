package qup

// Registers is the memory mapped register block of one QUP instance.
// Accesses are 32 bits wide and must not be cached or reordered.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// Clock is the core clock feeding the SPI mini-core.
type Clock interface {
	// SetRate sets the bus clock rate in Hz.
	SetRate(hz uint32) error
}

// ClockFunc adapts an ordinary function to a Clock.
type ClockFunc func(hz uint32) error

func (f ClockFunc) SetRate(hz uint32) error { return f(hz) }

func (c *Controller) read(offset uint32) uint32 {
	return c.regs.Read32(offset)
}

func (c *Controller) write(offset uint32, value uint32) {
	c.regs.Write32(offset, value)
}
