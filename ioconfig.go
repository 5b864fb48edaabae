package qup

import (
	"fmt"
	"log/slog"

	"github.com/soypat/qup/qupreg"
)

// Mode is the strategy used to move a transfer through the controller.
type Mode uint8

const (
	ModeFIFO  Mode = qupreg.QUP_IO_M_MODE_FIFO
	ModeBlock Mode = qupreg.QUP_IO_M_MODE_BLOCK
	ModeDMA   Mode = qupreg.QUP_IO_M_MODE_DMOV
)

func (m Mode) String() string {
	switch m {
	case ModeFIFO:
		return "fifo"
	case ModeBlock:
		return "block"
	case ModeDMA:
		return "dma"
	}
	return "unknown"
}

// fifoWords is the number of words that fit in both FIFOs.
func (c *Controller) fifoWords() int {
	return min(c.geom.InFIFOSize, c.geom.OutFIFOSize) / 4
}

// dmaEligible reports whether x may be moved by DMA. Both buffers must meet
// the DMA cache alignment and be linearly mapped, and the transfer must be
// longer than three input blocks.
func (c *Controller) dmaEligible(x *Transfer) bool {
	if c.rxChan == nil || c.txChan == nil || c.dummy == nil {
		return false
	}
	if x.Len() <= 3*c.geom.InBlockSize {
		return false
	}
	align := uintptr(max(c.dmaMem.CacheAlignment(), 1))
	return isaligned(bufAddr(x.Tx), align) && isaligned(bufAddr(x.Rx), align) &&
		c.linear(x.Tx) && c.linear(x.Rx)
}

func (c *Controller) linear(b []byte) bool {
	return b == nil || c.dmaMem.IsLinear(b)
}

// selectMode picks FIFO when the transfer fits the FIFOs, otherwise DMA when
// the transfer qualifies for it and Block as the fallback.
func (c *Controller) selectMode(x *Transfer, wsize int) Mode {
	nwords := x.Len() / wsize
	switch {
	case nwords <= c.fifoWords():
		return ModeFIFO
	case c.dmaEligible(x):
		return ModeDMA
	}
	return ModeBlock
}

// ioConfig sets the bus clock and programs the controller for x. It returns
// the selected mode and FIFO word size.
func (c *Controller) ioConfig(x *Transfer) (mode Mode, wsize int, err error) {
	loop := x.Mode&Loop != 0
	if loop && x.Len() > c.geom.InFIFOSize {
		c.logerr("too big size for loopback", slog.Int("len", x.Len()), slog.Int("in_fifo", c.geom.InFIFOSize))
		return mode, 0, fmt.Errorf("%w: loopback transfer of %d bytes exceeds %d byte input fifo", ErrInvalidArgument, x.Len(), c.geom.InFIFOSize)
	}
	err = c.cclk.SetRate(x.SpeedHz)
	if err != nil {
		c.logerr("fail to set frequency", slog.Uint64("hz", uint64(x.SpeedHz)))
		return mode, 0, fmt.Errorf("%w: %d Hz: %w", ErrClock, x.SpeedHz, err)
	}
	err = c.setState(qupreg.QUP_STATE_RESET)
	if err != nil {
		c.logerr("cannot set RESET state")
		return mode, 0, err
	}

	wsize = wordSize(x.BitsPerWord)
	nwords := uint32(x.Len() / wsize)
	mode = c.selectMode(x, wsize)
	switch mode {
	case ModeFIFO:
		c.write(qupreg.QUP_MX_READ_CNT, nwords)
		c.write(qupreg.QUP_MX_WRITE_CNT, nwords)
		// Must be zero for FIFO.
		c.write(qupreg.QUP_MX_INPUT_CNT, 0)
		c.write(qupreg.QUP_MX_OUTPUT_CNT, 0)
	case ModeBlock:
		c.write(qupreg.QUP_MX_INPUT_CNT, nwords)
		c.write(qupreg.QUP_MX_OUTPUT_CNT, nwords)
		// Must be zero for Block and DMA.
		c.write(qupreg.QUP_MX_READ_CNT, 0)
		c.write(qupreg.QUP_MX_WRITE_CNT, 0)
	case ModeDMA:
		// Input and output counts are programmed per chunk.
		c.write(qupreg.QUP_MX_READ_CNT, 0)
		c.write(qupreg.QUP_MX_WRITE_CNT, 0)
	}

	iomode := c.read(qupreg.QUP_IO_M_MODES)
	iomode &^= qupreg.QUP_IO_M_INPUT_MODE_MASK | qupreg.QUP_IO_M_OUTPUT_MODE_MASK
	if mode == ModeDMA {
		iomode |= qupreg.QUP_IO_M_PACK_EN | qupreg.QUP_IO_M_UNPACK_EN
	} else {
		iomode &^= qupreg.QUP_IO_M_PACK_EN | qupreg.QUP_IO_M_UNPACK_EN
	}
	iomode |= uint32(mode)<<qupreg.QUP_IO_M_OUTPUT_MODE_MASK_SHIFT | uint32(mode)<<qupreg.QUP_IO_M_INPUT_MODE_MASK_SHIFT
	c.write(qupreg.QUP_IO_M_MODES, iomode)

	config := c.read(qupreg.SPI_CONFIG)
	if loop {
		config |= qupreg.SPI_CONFIG_LOOPBACK
	} else {
		config &^= qupreg.SPI_CONFIG_LOOPBACK
	}
	if x.Mode&CPHA != 0 {
		config &^= qupreg.SPI_CONFIG_INPUT_FIRST
	} else {
		config |= qupreg.SPI_CONFIG_INPUT_FIRST
	}
	// HS mode steadies fast clocks but is invalid in loopback.
	if x.SpeedHz >= qupreg.SPI_HS_MIN_RATE && !loop {
		config |= qupreg.SPI_CONFIG_HS_MODE
	} else {
		config &^= qupreg.SPI_CONFIG_HS_MODE
	}
	c.write(qupreg.SPI_CONFIG, config)

	ioctl := c.read(qupreg.SPI_IO_CONTROL)
	if x.Mode&CPOL != 0 {
		ioctl |= qupreg.SPI_IO_C_CLK_IDLE_HIGH
	} else {
		ioctl &^= qupreg.SPI_IO_C_CLK_IDLE_HIGH
	}
	c.write(qupreg.SPI_IO_CONTROL, ioctl)

	config = c.read(qupreg.QUP_CONFIG)
	config &^= qupreg.QUP_CONFIG_NO_INPUT | qupreg.QUP_CONFIG_NO_OUTPUT | qupreg.QUP_CONFIG_N
	config |= uint32(x.BitsPerWord-1) | qupreg.QUP_CONFIG_SPI_MODE
	if mode == ModeDMA {
		if x.Tx == nil {
			config |= qupreg.QUP_CONFIG_NO_OUTPUT
		}
		if x.Rx == nil {
			config |= qupreg.QUP_CONFIG_NO_INPUT
		}
	}
	c.write(qupreg.QUP_CONFIG, config)

	if !c.v1 {
		c.write(qupreg.QUP_OPERATIONAL_MASK, 0)
	}
	c.trace("ioConfig", slog.String("iomode", hex32(iomode)), slog.String("config", hex32(config)))
	return mode, wsize, nil
}
