package qup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/soypat/qup/qupreg"
)

// HandleIRQ services the QUP interrupt. The platform calls it whenever the
// interrupt line is raised. It never blocks on the caller of Execute.
func (c *Controller) HandleIRQ() {
	c.mu.Lock()
	defer c.mu.Unlock()
	qupErr := c.read(qupreg.QUP_ERROR_FLAGS)
	spiErr := c.read(qupreg.SPI_ERROR_FLAGS)
	opflags := c.read(qupreg.QUP_OPERATIONAL)
	c.write(qupreg.QUP_ERROR_FLAGS, qupErr)
	c.write(qupreg.SPI_ERROR_FLAGS, spiErr)

	x := c.xfer
	if x == nil {
		c.write(qupreg.QUP_OPERATIONAL, opflags)
		c.stats.SpuriousIRQs++
		if now := time.Now(); now.Sub(c.lastSpurious) >= spuriousLogInterval {
			c.lastSpurious = now
			c.logerr("unexpected irq",
				slog.String("qup_err", hex32(qupErr)),
				slog.String("spi_err", hex32(spiErr)),
				slog.String("opflags", hex32(opflags)),
			)
		}
		return
	}
	c.trace("irq", slog.String("opflags", hex32(opflags)), slog.Int("tx", c.prog.TxBytes), slog.Int("rx", c.prog.RxBytes))

	var err error
	if qupErr != 0 || spiErr != 0 {
		c.logErrorFlags(qupErr, spiErr)
		err = fmt.Errorf("%w: qup error flags %s, spi error flags %s", ErrIO, hex32(qupErr), hex32(spiErr))
	}

	if c.useDMA {
		// DMA callbacks drive completion.
		c.write(qupreg.QUP_OPERATIONAL, opflags)
	} else {
		if opflags&qupreg.QUP_OP_IN_SERVICE_FLAG != 0 {
			if opflags&qupreg.QUP_OP_IN_BLOCK_READ_REQ != 0 {
				opflags = c.blockRead(x)
			} else {
				c.fifoRead(x)
			}
		}
		if opflags&qupreg.QUP_OP_OUT_SERVICE_FLAG != 0 {
			if opflags&qupreg.QUP_OP_OUT_BLOCK_WRITE_REQ != 0 {
				c.blockWrite(x)
			} else {
				c.fifoWrite(x)
			}
		}
	}

	if err != nil && c.err == nil {
		// First error sticks for the rest of the transfer.
		c.err = err
	}
	n := x.Len()
	rxDone := c.prog.RxBytes >= n
	switch {
	case err != nil:
		c.done.complete()
	case rxDone && opflags&qupreg.QUP_OP_MAX_INPUT_DONE_FLAG != 0:
		c.done.complete()
	case rxDone && !c.useDMA && n >= 0x10000:
		// Count registers are 16 bits wide. Longer transfers program zero,
		// meaning unbounded, and MAX_INPUT_DONE is never raised.
		c.done.complete()
	case !c.useDMA && x.Rx == nil && c.prog.TxBytes >= n && opflags&qupreg.QUP_OP_MAX_OUTPUT_DONE_FLAG != 0:
		c.done.complete()
	}
}
