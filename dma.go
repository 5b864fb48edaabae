package qup

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/soypat/qup/qupdma"
	"github.com/soypat/qup/qupreg"
)

// dmaChunk is one hardware program of a DMA transfer.
type dmaChunk struct {
	off, n int
	last   bool
}

// dmaChunks splits a transfer of total bytes into programs small enough for
// the 16 bit count registers.
func dmaChunks(total int) iter.Seq[dmaChunk] {
	return func(yield func(dmaChunk) bool) {
		for off := 0; off < total; {
			n := min(total-off, qupreg.SPI_MAX_XFER)
			if !yield(dmaChunk{off: off, n: n, last: off+n == total}) {
				return
			}
			off += n
		}
	}
}

// doDMA moves x through the DMA channel pair, one chunk at a time. Buffers
// are mapped once for the whole transfer. Unaligned tails go through the
// scratch buffer: the tx tail is staged zero padded after the rx region and
// the rx tail lands at its start and is copied back on exit.
func (c *Controller) doDMA(x *Transfer, wsize int) (err error) {
	n := x.Len()
	var rxAddr, txAddr qupdma.Addr
	var rxAlign int
	if x.Rx != nil {
		rxAddr, err = c.dmaMem.Map(x.Rx, qupdma.DevToMem)
		if err != nil {
			return fmt.Errorf("%w: rx buffer: %w", ErrDMAMapping, err)
		}
		defer func() {
			c.dmaMem.Unmap(rxAddr, n, qupdma.DevToMem)
			if rxAlign != 0 {
				copy(x.Rx[n-rxAlign:], c.dummy[:rxAlign])
			}
		}()
	}
	if x.Tx != nil {
		if txAlign := n % c.geom.OutBlockSize; txAlign != 0 {
			tail := c.dmaTxTail()
			clear(tail[txAlign:])
			copy(tail, x.Tx[n-txAlign:])
		}
		txAddr, err = c.dmaMem.Map(x.Tx, qupdma.MemToDev)
		if err != nil {
			return fmt.Errorf("%w: tx buffer: %w", ErrDMAMapping, err)
		}
		defer c.dmaMem.Unmap(txAddr, n, qupdma.MemToDev)
	}

	for chunk := range dmaChunks(n) {
		txAlign := 0
		if chunk.last {
			txAlign = chunk.n % c.geom.OutBlockSize
			rxAlign = chunk.n % c.geom.InBlockSize
		}
		err = c.dmaProgram(x, chunk, wsize, txAddr, rxAddr, txAlign, rxAlign)
		if err != nil {
			return err
		}
	}
	return nil
}

// dmaTxTail is the scratch region holding the padded tx tail block.
func (c *Controller) dmaTxTail() []byte {
	return c.dummy[c.geom.InBlockSize : c.geom.InBlockSize+c.geom.OutBlockSize]
}

// dmaProgram runs one chunk: counts, descriptors, RUN, wait, RESET.
func (c *Controller) dmaProgram(x *Transfer, chunk dmaChunk, wsize int, txAddr, rxAddr qupdma.Addr, txAlign, rxAlign int) error {
	nwords := uint32(divRoundUp(chunk.n, wsize))
	c.write(qupreg.QUP_MX_INPUT_CNT, nwords)
	c.write(qupreg.QUP_MX_OUTPUT_CNT, nwords)
	c.done.reinit()

	pending := 0
	if x.Tx != nil {
		sg := []qupdma.Segment{{Addr: txAddr + qupdma.Addr(chunk.off), Len: chunk.n - txAlign}}
		if txAlign != 0 {
			sg = append(sg, qupdma.Segment{Addr: c.dummyAddr + qupdma.Addr(c.geom.InBlockSize), Len: c.geom.OutBlockSize})
		}
		if err := c.txChan.Prepare(sg, qupdma.MemToDev, c.dmaCallback); err != nil {
			return fmt.Errorf("%w: tx descriptor: %w", ErrDMAMapping, err)
		}
		pending++
	}
	if x.Rx != nil {
		sg := []qupdma.Segment{{Addr: rxAddr + qupdma.Addr(chunk.off), Len: chunk.n - rxAlign}}
		if rxAlign != 0 {
			sg = append(sg, qupdma.Segment{Addr: c.dummyAddr, Len: c.geom.InBlockSize})
		}
		if err := c.rxChan.Prepare(sg, qupdma.DevToMem, c.dmaCallback); err != nil {
			c.terminateDMA(x)
			return fmt.Errorf("%w: rx descriptor: %w", ErrDMAMapping, err)
		}
		pending++
	}
	// Counter is armed before issuing so the first callback cannot see zero early.
	c.dmaOutstanding.Store(int32(pending))
	if x.Tx != nil {
		c.txChan.IssuePending()
	}
	if x.Rx != nil {
		c.rxChan.IssuePending()
	}
	c.trace("dma:chunk", slog.Int("off", chunk.off), slog.Int("len", chunk.n), slog.Int("tx_align", txAlign), slog.Int("rx_align", rxAlign))

	if err := c.setState(qupreg.QUP_STATE_RUN); err != nil {
		c.warn("cannot set EXECUTE state")
		c.terminateDMA(x)
		return err
	}
	if !c.done.wait(c.dmaTimeout) {
		c.terminateDMA(x)
		return fmt.Errorf("%w: chunk at offset %d of %d bytes not done after %s", ErrDMATimeout, chunk.off, chunk.n, c.dmaTimeout)
	}
	c.mu.Lock()
	err := c.err
	if err == nil {
		c.stats.DMAChunks++
	}
	c.mu.Unlock()
	if err != nil {
		// A hardware error completed the wait ahead of the DMA engine.
		c.terminateDMA(x)
		return err
	}
	if err := c.setState(qupreg.QUP_STATE_RESET); err != nil {
		c.logerr("cannot set RESET state")
		return err
	}
	return nil
}

func (c *Controller) terminateDMA(x *Transfer) {
	if x.Tx != nil {
		c.txChan.TerminateAll()
	}
	if x.Rx != nil {
		c.rxChan.TerminateAll()
	}
}

// dmaCallback runs in DMA engine context once per finished descriptor.
func (c *Controller) dmaCallback() {
	if c.dmaOutstanding.Add(-1) == 0 {
		c.done.complete()
	}
}
