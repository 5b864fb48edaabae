package qup

import (
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/soypat/qup/qupreg"
	"github.com/soypat/qup/qupsim"
	"github.com/stretchr/testify/require"
)

const testSpeed = 1_000_000

type testOpt func(*Config)

func withDMA(sim *qupsim.Sim) testOpt {
	return func(cfg *Config) {
		cfg.RxDMA = sim.RxChannel()
		cfg.TxDMA = sim.TxChannel()
		cfg.DMAMemory = sim.Memory()
	}
}

func newTestController(t *testing.T, dma bool, opts ...testOpt) (*Controller, *qupsim.Sim) {
	t.Helper()
	sim := qupsim.New(qupsim.DefaultGeometry)
	t.Cleanup(func() { sim.Close() })
	cfg := Config{
		Registers:       sim,
		CoreClock:       sim,
		DMAChunkTimeout: 200 * time.Millisecond,
		FIFOBase:        0x78b5000,
	}
	if testing.Verbose() {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelTrace}))
	}
	if dma {
		withDMA(sim)(&cfg)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := Attach(cfg)
	require.NoError(t, err)
	sim.SetIRQHandler(c.HandleIRQ)
	return c, sim
}

func randomBytes(rng *rand.Rand, buf []byte) []byte {
	for i := range buf {
		buf[i] = byte(rng.Intn(256))
	}
	return buf
}

func TestAttach(t *testing.T) {
	c, sim := newTestController(t, true)
	require.Equal(t, qupreg.Geometry{InBlockSize: 16, InFIFOSize: 128, OutBlockSize: 16, OutFIFOSize: 128}, c.Geometry())
	require.True(t, c.DMAAvailable())
	require.EqualValues(t, qupreg.SPI_MAX_RATE, c.MaxFrequency())
	require.EqualValues(t, qupreg.QUP_STATE_RESET, sim.State())
	require.EqualValues(t, qupreg.SPI_IO_C_NO_TRI_STATE, sim.Peek(qupreg.SPI_IO_CONTROL))
	require.EqualValues(t, qupreg.SPI_ERROR_CLK_UNDER_RUN|qupreg.SPI_ERROR_CLK_OVER_RUN, sim.Peek(qupreg.SPI_ERROR_FLAGS_EN))
	require.Zero(t, sim.Peek(qupreg.SPI_CONFIG))
	require.Zero(t, sim.Peek(qupreg.QUP_ERROR_FLAGS_EN), "only v1 cores program ERROR_FLAGS_EN")

	rxcfg := sim.RxChannel().Config()
	require.True(t, rxcfg.DeviceFlowControl)
	require.EqualValues(t, 0x78b5000+qupreg.QUP_INPUT_FIFO, rxcfg.FIFO)
	require.Equal(t, 16, rxcfg.MaxBurst)
	require.EqualValues(t, 0x78b5000+qupreg.QUP_OUTPUT_FIFO, sim.TxChannel().Config().FIFO)
	require.Len(t, sim.Memory().Coherent(), 1)
	require.Len(t, sim.Memory().Coherent()[0], 32)
}

func TestAttachV1(t *testing.T) {
	_, sim := newTestController(t, false, func(cfg *Config) { cfg.V1 = true })
	require.EqualValues(t, qupreg.QUP_ERROR_OUTPUT_OVER_RUN|qupreg.QUP_ERROR_INPUT_UNDER_RUN|qupreg.QUP_ERROR_OUTPUT_UNDER_RUN,
		sim.Peek(qupreg.QUP_ERROR_FLAGS_EN))
}

func TestAttachInvalid(t *testing.T) {
	sim := qupsim.New(qupsim.DefaultGeometry)
	defer sim.Close()
	_, err := Attach(Config{Registers: sim, CoreClock: sim, MaxFrequency: qupreg.SPI_MAX_RATE + 1})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Attach(Config{Registers: sim})
	require.ErrorIs(t, err, ErrInvalidArgument)

	sim.HoldInvalid(true)
	_, err = Attach(Config{Registers: sim, CoreClock: sim, RxDMA: sim.RxChannel(), TxDMA: sim.TxChannel()})
	require.ErrorIs(t, err, ErrHardwareTimeout)
	require.True(t, sim.RxChannel().Released())
	require.True(t, sim.TxChannel().Released())
}

func TestAttachDMAFallback(t *testing.T) {
	sim := qupsim.New(qupsim.DefaultGeometry)
	defer sim.Close()
	sim.Memory().FailAllocs(true)
	c, err := Attach(Config{
		Registers: sim,
		CoreClock: sim,
		RxDMA:     sim.RxChannel(),
		TxDMA:     sim.TxChannel(),
		DMAMemory: sim.Memory(),
	})
	require.NoError(t, err)
	require.False(t, c.DMAAvailable())
	require.True(t, sim.RxChannel().Released())
	require.True(t, sim.TxChannel().Released())

	sim.SetIRQHandler(c.HandleIRQ)
	mem := sim.Memory()
	tx := mem.AlignedBuffer(1024)
	rx := mem.AlignedBuffer(1024)
	randomBytes(rand.New(rand.NewSource(1)), tx)
	err = c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: testSpeed})
	require.NoError(t, err)
	require.Equal(t, tx, rx)
	require.Equal(t, ModeBlock, c.Progress().Mode)
}

func TestDetach(t *testing.T) {
	c, sim := newTestController(t, true)
	require.NoError(t, c.Detach())
	require.True(t, sim.RxChannel().Released())
	require.True(t, sim.TxChannel().Released())
	require.Empty(t, sim.Memory().Coherent())
	require.False(t, c.DMAAvailable())
	require.EqualValues(t, qupreg.QUP_STATE_RESET, sim.State())
}

func TestSpuriousIRQ(t *testing.T) {
	c, _ := newTestController(t, false)
	c.HandleIRQ()
	c.HandleIRQ()
	require.GreaterOrEqual(t, c.Stats().SpuriousIRQs, uint64(2))
}

func TestCompletion(t *testing.T) {
	var cp completion
	cp.reinit()
	cp.complete()
	cp.complete() // dropped
	require.True(t, cp.wait(time.Second))
	require.False(t, cp.wait(10*time.Millisecond), "completion is one-shot")
	cp.reinit()
	go func() {
		time.Sleep(5 * time.Millisecond)
		cp.complete()
	}()
	require.True(t, cp.wait(time.Second))
}

func TestClockFunc(t *testing.T) {
	errSlow := errors.New("too slow")
	var clk Clock = ClockFunc(func(hz uint32) error {
		if hz < 1000 {
			return errSlow
		}
		return nil
	})
	require.NoError(t, clk.SetRate(1000))
	require.ErrorIs(t, clk.SetRate(1), errSlow)
}
