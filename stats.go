package qup

import (
	"errors"
	"fmt"
	"time"

	"github.com/soypat/qup/qupreg"
)

// Stats counts controller activity since attach.
type Stats struct {
	FIFOTransfers  uint64 `json:"fifo_transfers"`
	BlockTransfers uint64 `json:"block_transfers"`
	DMATransfers   uint64 `json:"dma_transfers"`
	DMAChunks      uint64 `json:"dma_chunks"`
	Bytes          uint64 `json:"bytes"`
	Errors         uint64 `json:"errors"`
	Timeouts       uint64 `json:"timeouts"`
	SpuriousIRQs   uint64 `json:"spurious_irqs"`
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// account records the outcome of one Execute call. Called with c.mu held.
func (c *Controller) account(mode Mode, n int, err error) {
	if err != nil {
		c.stats.Errors++
		if errors.Is(err, ErrHardwareTimeout) || errors.Is(err, ErrDMATimeout) {
			c.stats.Timeouts++
		}
		return
	}
	switch mode {
	case ModeFIFO:
		c.stats.FIFOTransfers++
	case ModeBlock:
		c.stats.BlockTransfers++
	case ModeDMA:
		c.stats.DMATransfers++
	}
	c.stats.Bytes += uint64(n)
}

// Plan is the execution plan the controller would follow for a transfer.
type Plan struct {
	Mode     Mode
	WordSize int
	Words    int
	// Timeout bounds the whole transfer for FIFO and Block modes and each
	// chunk in DMA mode.
	Timeout time.Duration
	// Chunks holds the byte length of each DMA program.
	Chunks []int
	// TxPad and RxPad are the tail bytes staged through the scratch buffer.
	TxPad int
	RxPad int
}

// Plan reports how x would be executed without touching the hardware.
func (c *Controller) Plan(x *Transfer) (Plan, error) {
	if err := x.Validate(); err != nil {
		return Plan{}, err
	}
	if x.Mode&Loop != 0 && x.Len() > c.geom.InFIFOSize {
		return Plan{}, fmt.Errorf("%w: loopback transfer of %d bytes exceeds %d byte input fifo", ErrInvalidArgument, x.Len(), c.geom.InFIFOSize)
	}
	wsize := wordSize(x.BitsPerWord)
	p := Plan{
		Mode:     c.selectMode(x, wsize),
		WordSize: wsize,
		Words:    x.Len() / wsize,
		Timeout:  transferTimeout(x.Len(), x.SpeedHz),
	}
	if p.Mode != ModeDMA {
		return p, nil
	}
	p.Timeout = c.dmaTimeout
	for chunk := range dmaChunks(x.Len()) {
		p.Chunks = append(p.Chunks, chunk.n)
		if chunk.last {
			if x.Tx != nil {
				p.TxPad = chunk.n % c.geom.OutBlockSize
			}
			if x.Rx != nil {
				p.RxPad = chunk.n % c.geom.InBlockSize
			}
		}
	}
	return p, nil
}

// MaxChunk is the largest DMA program in bytes.
const MaxChunk = qupreg.SPI_MAX_XFER
