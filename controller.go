// Package qup implements the transfer engine of the Qualcomm QUP SPI
// controller. A Controller programs the QUP state machine, picks FIFO, Block
// or DMA transfers depending on size and buffer suitability, services the
// controller interrupt and reports one result per transfer.
//
// The platform provides register access, the core clock, the interrupt line
// (by calling HandleIRQ) and, optionally, a DMA channel pair.
package qup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/qup/qupdma"
	"github.com/soypat/qup/qupreg"
)

const (
	defaultStatePollDelay  = time.Microsecond
	defaultDMAChunkTimeout = time.Second
)

type Config struct {
	Registers Registers
	CoreClock Clock
	// MaxFrequency is the fastest bus clock transfers may request.
	// Zero selects 50MHz, the fastest the controller supports.
	MaxFrequency uint32
	// V1 is set for v1.1.1 cores. They lack QUP_OPERATIONAL_MASK and report
	// input overruns spuriously.
	V1 bool

	// RxDMA and TxDMA enable DMA transfers when both are set along with DMAMemory.
	RxDMA     qupdma.Channel
	TxDMA     qupdma.Channel
	DMAMemory qupdma.Memory
	// FIFOBase is the bus address of the register block as seen by the DMA engine.
	FIFOBase qupdma.Addr

	// StatePollDelay is the wait between two reads of QUP_STATE. Defaults to 1µs.
	StatePollDelay time.Duration
	// DMAChunkTimeout bounds each DMA chunk. Defaults to 1s.
	DMAChunkTimeout time.Duration
	Logger          *slog.Logger
}

// Controller is one attached QUP SPI controller. Execute must not be called
// concurrently; HandleIRQ may be called at any time from the interrupt context.
type Controller struct {
	// mu guards the active transfer, its progress and error, and stats.
	// HandleIRQ holds it for the whole service routine.
	mu   sync.Mutex
	regs Registers
	cclk Clock
	geom qupreg.Geometry
	v1   bool

	maxFreq    uint32
	pollDelay  time.Duration
	dmaTimeout time.Duration

	xfer   *Transfer
	prog   Progress
	err    error
	useDMA bool
	done   completion

	rxChan         qupdma.Channel
	txChan         qupdma.Channel
	dmaMem         qupdma.Memory
	dummy          []byte
	dummyAddr      qupdma.Addr
	dmaOutstanding atomic.Int32

	stats        Stats
	lastSpurious time.Time

	logger        *slog.Logger
	_traceenabled bool
}

// Attach resets the controller and readies it for transfers. It discovers
// the FIFO geometry from QUP_IO_M_MODES and sets up DMA when available. A DMA
// setup failure is not fatal: the controller falls back to Block transfers.
func Attach(cfg Config) (*Controller, error) {
	if cfg.Registers == nil || cfg.CoreClock == nil {
		return nil, fmt.Errorf("%w: registers and core clock are required", ErrInvalidArgument)
	}
	maxFreq := cfg.MaxFrequency
	if maxFreq == 0 {
		maxFreq = qupreg.SPI_MAX_RATE
	}
	if maxFreq > qupreg.SPI_MAX_RATE {
		return nil, fmt.Errorf("%w: invalid clock frequency %d", ErrInvalidArgument, maxFreq)
	}
	c := &Controller{
		regs:       cfg.Registers,
		cclk:       cfg.CoreClock,
		v1:         cfg.V1,
		maxFreq:    maxFreq,
		pollDelay:  cfg.StatePollDelay,
		dmaTimeout: cfg.DMAChunkTimeout,
		logger:     cfg.Logger,
	}
	if c.pollDelay <= 0 {
		c.pollDelay = defaultStatePollDelay
	}
	if c.dmaTimeout <= 0 {
		c.dmaTimeout = defaultDMAChunkTimeout
	}
	c._traceenabled = c.logger != nil && c.logger.Handler().Enabled(context.Background(), levelTrace)

	c.geom = qupreg.DecodeGeometry(c.read(qupreg.QUP_IO_M_MODES))
	c.info("attach",
		slog.Int("in_blk", c.geom.InBlockSize),
		slog.Int("in_fifo", c.geom.InFIFOSize),
		slog.Int("out_blk", c.geom.OutBlockSize),
		slog.Int("out_fifo", c.geom.OutFIFOSize),
	)

	c.write(qupreg.QUP_SW_RESET, 1)
	err := c.setState(qupreg.QUP_STATE_RESET)
	if err != nil {
		c.logerr("cannot set RESET state")
		releaseChannels(cfg.RxDMA, cfg.TxDMA)
		return nil, err
	}
	c.write(qupreg.QUP_OPERATIONAL, 0)
	c.write(qupreg.QUP_IO_M_MODES, 0)
	if !c.v1 {
		c.write(qupreg.QUP_OPERATIONAL_MASK, 0)
	}
	c.write(qupreg.SPI_ERROR_FLAGS_EN, qupreg.SPI_ERROR_CLK_UNDER_RUN|qupreg.SPI_ERROR_CLK_OVER_RUN)

	c.initDMA(cfg)

	if c.v1 {
		// Leave INPUT_OVER_RUN disabled on v1 cores.
		c.write(qupreg.QUP_ERROR_FLAGS_EN, qupreg.QUP_ERROR_OUTPUT_OVER_RUN|
			qupreg.QUP_ERROR_INPUT_UNDER_RUN|qupreg.QUP_ERROR_OUTPUT_UNDER_RUN)
	}
	c.write(qupreg.SPI_CONFIG, 0)
	c.write(qupreg.SPI_IO_CONTROL, qupreg.SPI_IO_C_NO_TRI_STATE)
	return c, nil
}

func (c *Controller) initDMA(cfg Config) {
	rx, tx := cfg.RxDMA, cfg.TxDMA
	if rx == nil || tx == nil || cfg.DMAMemory == nil {
		releaseChannels(rx, tx)
		c.info("dma unavailable",
			slog.Bool("rx", rx != nil),
			slog.Bool("tx", tx != nil),
			slog.Bool("mem", cfg.DMAMemory != nil),
		)
		return
	}
	fail := func(msg string, err error) {
		c.logerr(msg, slog.String("err", err.Error()))
		releaseChannels(rx, tx)
	}
	err := rx.SlaveConfig(qupdma.SlaveConfig{
		Direction:         qupdma.DevToMem,
		DeviceFlowControl: true,
		FIFO:              cfg.FIFOBase + qupreg.QUP_INPUT_FIFO,
		MaxBurst:          c.geom.InBlockSize,
	})
	if err != nil {
		fail("failed to configure RX channel", err)
		return
	}
	err = tx.SlaveConfig(qupdma.SlaveConfig{
		Direction:         qupdma.MemToDev,
		DeviceFlowControl: true,
		FIFO:              cfg.FIFOBase + qupreg.QUP_OUTPUT_FIFO,
		MaxBurst:          c.geom.OutBlockSize,
	})
	if err != nil {
		fail("failed to configure TX channel", err)
		return
	}
	dummy, addr, err := cfg.DMAMemory.AllocCoherent(c.geom.InBlockSize + c.geom.OutBlockSize)
	if err != nil {
		fail("failed to allocate DMA memory", err)
		return
	}
	c.rxChan, c.txChan = rx, tx
	c.dmaMem = cfg.DMAMemory
	c.dummy, c.dummyAddr = dummy, addr
	c.debug("dma ready", slog.Uint64("dummy", uint64(addr)), slog.Int("align", cfg.DMAMemory.CacheAlignment()))
}

func releaseChannels(chans ...qupdma.Channel) {
	for _, ch := range chans {
		if ch != nil {
			ch.Release()
		}
	}
}

// Detach forces the controller to RESET and releases DMA resources.
// The Controller must not be used afterwards.
func (c *Controller) Detach() error {
	err := c.setState(qupreg.QUP_STATE_RESET)
	c.mu.Lock()
	defer c.mu.Unlock()
	releaseChannels(c.rxChan, c.txChan)
	if c.dummy != nil {
		c.dmaMem.FreeCoherent(c.dummy, c.dummyAddr)
	}
	c.rxChan, c.txChan, c.dmaMem, c.dummy = nil, nil, nil, nil
	return err
}

// Geometry returns the block and FIFO sizes discovered at attach.
func (c *Controller) Geometry() qupreg.Geometry { return c.geom }

// DMAAvailable reports whether the controller holds a usable DMA channel pair.
func (c *Controller) DMAAvailable() bool { return c.rxChan != nil && c.txChan != nil }

// MaxFrequency is the fastest bus clock accepted by Execute.
func (c *Controller) MaxFrequency() uint32 { return c.maxFreq }

// completion is a one-shot signal re-armed before every wait.
type completion struct {
	mu sync.Mutex
	ch chan struct{}
}

func (cp *completion) reinit() {
	cp.mu.Lock()
	cp.ch = make(chan struct{}, 1)
	cp.mu.Unlock()
}

// complete fires the signal. It never blocks and extra calls are dropped.
func (cp *completion) complete() {
	cp.mu.Lock()
	ch := cp.ch
	cp.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// wait reports whether the signal fired before timeout elapsed.
func (cp *completion) wait(timeout time.Duration) bool {
	cp.mu.Lock()
	ch := cp.ch
	cp.mu.Unlock()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
