package qup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/soypat/qup/qupreg"
)

// SPIMode holds the clocking and loopback flags of a transfer. Values match
// the Linux spidev mode bits.
type SPIMode uint8

const (
	CPHA   SPIMode = 0x01
	CPOL   SPIMode = 0x02
	CSHigh SPIMode = 0x04
	Loop   SPIMode = 0x20
)

// Transfer describes one full duplex SPI transfer. Either Tx or Rx may be
// nil but not both. The controller borrows the buffers for the duration of
// Execute.
type Transfer struct {
	Tx []byte
	Rx []byte
	// BitsPerWord is the bus word width, 4 to 32 bits.
	BitsPerWord uint8
	SpeedHz     uint32
	Mode        SPIMode
}

// Len returns the transfer length in bytes.
func (x *Transfer) Len() int {
	if x.Tx != nil {
		return len(x.Tx)
	}
	return len(x.Rx)
}

// Validate checks x is a transfer the controller can perform.
func (x *Transfer) Validate() error {
	var reason string
	switch {
	case x.Tx == nil && x.Rx == nil:
		reason = "no tx or rx buffer"
	case x.Tx != nil && x.Rx != nil && len(x.Tx) != len(x.Rx):
		reason = fmt.Sprintf("tx length %d differs from rx length %d", len(x.Tx), len(x.Rx))
	case x.Len() == 0:
		reason = "zero length"
	case x.BitsPerWord < 4 || x.BitsPerWord > 32:
		reason = fmt.Sprintf("%d bits per word outside 4..32", x.BitsPerWord)
	case x.SpeedHz == 0:
		reason = "zero speed"
	case x.Len()%wordSize(x.BitsPerWord) != 0:
		reason = fmt.Sprintf("length %d not a multiple of %d byte words", x.Len(), wordSize(x.BitsPerWord))
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgument, reason)
}

// Progress is the state of the transfer in flight, or of the last transfer
// Execute tried to configure once it has returned.
type Progress struct {
	TxBytes  int
	RxBytes  int
	WordSize int
	Mode     Mode
}

// Progress returns a snapshot of the current transfer progress.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prog
}

// transferTimeout is a hundred times the time the bits take on the wire, in
// whole milliseconds rounded up, as computed by the hardware vendor.
func transferTimeout(n int, speedHz uint32) time.Duration {
	khz := divRoundUp(uint64(speedHz), 1000)
	ms := divRoundUp(uint64(n)*8, khz)
	return 100 * time.Duration(ms) * time.Millisecond
}

// Execute performs a single transfer and blocks until it completes, fails
// or times out. The controller is left in RESET state on return regardless
// of the outcome. Execute is not reentrant: callers must serialize transfers.
func (c *Controller) Execute(x *Transfer) error {
	if err := x.Validate(); err != nil {
		return err
	}
	if x.SpeedHz > c.maxFreq {
		return fmt.Errorf("%w: %d Hz above maximum %d Hz", ErrInvalidArgument, x.SpeedHz, c.maxFreq)
	}
	start := time.Now()
	mode, wsize, err := c.ioConfig(x)
	if err != nil {
		c.resetState()
		c.mu.Lock()
		c.prog = Progress{}
		c.account(mode, 0, err)
		c.mu.Unlock()
		return err
	}
	timeout := transferTimeout(x.Len(), x.SpeedHz)
	c.debug("execute",
		slog.Int("len", x.Len()),
		slog.String("mode", mode.String()),
		slog.Int("wsize", wsize),
		slog.Duration("timeout", timeout),
	)

	c.done.reinit()
	c.mu.Lock()
	c.xfer = x
	c.err = nil
	c.prog = Progress{WordSize: wsize, Mode: mode}
	c.useDMA = mode == ModeDMA
	c.mu.Unlock()

	if mode == ModeDMA {
		err = c.doDMA(x, wsize)
	} else {
		err = c.runPIO(x, mode, timeout)
	}
	resetErr := c.resetState()

	c.mu.Lock()
	c.xfer = nil
	if err == nil {
		err = c.err
	}
	if err == nil {
		err = resetErr
	}
	c.account(mode, x.Len(), err)
	c.mu.Unlock()
	if err != nil {
		c.warn("execute:failed", slog.String("err", err.Error()), slog.Duration("elapsed", time.Since(start)))
	}
	return err
}

// runPIO arms a FIFO or Block transfer and waits for the interrupt handler
// to declare completion.
func (c *Controller) runPIO(x *Transfer, mode Mode, timeout time.Duration) error {
	if err := c.setState(qupreg.QUP_STATE_RUN); err != nil {
		c.warn("cannot set RUN state")
		return err
	}
	if err := c.setState(qupreg.QUP_STATE_PAUSE); err != nil {
		c.warn("cannot set PAUSE state")
		return err
	}
	if mode == ModeFIFO {
		c.mu.Lock()
		c.fifoWrite(x)
		c.mu.Unlock()
	}
	if err := c.setState(qupreg.QUP_STATE_RUN); err != nil {
		c.warn("cannot set EXECUTE state")
		return err
	}
	if !c.done.wait(timeout) {
		return fmt.Errorf("%w: %s transfer of %d bytes not done after %s", ErrHardwareTimeout, mode, x.Len(), timeout)
	}
	return nil
}
