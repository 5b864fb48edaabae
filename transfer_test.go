package qup

import (
	"math/rand"
	"testing"
	"time"

	"github.com/soypat/qup/qupreg"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	buf := make([]byte, 8)
	for _, test := range []struct {
		name string
		x    Transfer
		ok   bool
	}{
		{name: "full duplex", x: Transfer{Tx: buf, Rx: make([]byte, 8), BitsPerWord: 8, SpeedHz: 1}, ok: true},
		{name: "tx only", x: Transfer{Tx: buf, BitsPerWord: 32, SpeedHz: 1}, ok: true},
		{name: "rx only", x: Transfer{Rx: buf, BitsPerWord: 4, SpeedHz: 1}, ok: true},
		{name: "no buffers", x: Transfer{BitsPerWord: 8, SpeedHz: 1}},
		{name: "length mismatch", x: Transfer{Tx: buf, Rx: make([]byte, 4), BitsPerWord: 8, SpeedHz: 1}},
		{name: "empty", x: Transfer{Tx: []byte{}, BitsPerWord: 8, SpeedHz: 1}},
		{name: "narrow word", x: Transfer{Tx: buf, BitsPerWord: 3, SpeedHz: 1}},
		{name: "wide word", x: Transfer{Tx: buf, BitsPerWord: 33, SpeedHz: 1}},
		{name: "zero speed", x: Transfer{Tx: buf, BitsPerWord: 8}},
		{name: "partial word", x: Transfer{Tx: buf[:6], BitsPerWord: 32, SpeedHz: 1}},
	} {
		err := test.x.Validate()
		if test.ok {
			require.NoError(t, err, test.name)
		} else {
			require.ErrorIs(t, err, ErrInvalidArgument, test.name)
		}
	}
}

func TestTransferTimeout(t *testing.T) {
	for _, test := range []struct {
		n     int
		speed uint32
		want  time.Duration
	}{
		{n: 16, speed: 1_000_000, want: 100 * time.Millisecond},
		{n: 1000, speed: 50_000_000, want: 100 * time.Millisecond},
		{n: 1250, speed: 1_000_000, want: time.Second},
		{n: 100, speed: 999, want: 80 * time.Second},
	} {
		got := transferTimeout(test.n, test.speed)
		if got != test.want {
			t.Errorf("transferTimeout(%d, %d)=%s, want %s", test.n, test.speed, got, test.want)
		}
	}
}

func TestModeSelectionFIFO(t *testing.T) {
	c, sim := newTestController(t, true)
	g := c.Geometry()
	mem := sim.Memory()
	for _, bpw := range []uint8{8, 16, 32} {
		wsize := wordSize(bpw)
		for words := 1; words*4 <= min(g.InFIFOSize, g.OutFIFOSize); words++ {
			n := words * wsize
			x := Transfer{Tx: mem.AlignedBuffer(n), Rx: mem.AlignedBuffer(n), BitsPerWord: bpw, SpeedHz: testSpeed}
			plan, err := c.Plan(&x)
			require.NoError(t, err)
			require.Equal(t, ModeFIFO, plan.Mode, "bpw=%d len=%d", bpw, n)
		}
	}
}

func TestModeSelectionBlockWhenIneligible(t *testing.T) {
	c, sim := newTestController(t, true)
	noDMA, _ := newTestController(t, false)
	mem := sim.Memory()
	for _, n := range []int{33, 48, 100, 1280, 5000} {
		aligned := mem.AlignedBuffer(n)
		unaligned := mem.AlignedBuffer(n + 1)[1:]
		nonlinear := mem.AlignedBuffer(n)
		mem.MarkNonLinear(nonlinear)
		for _, test := range []struct {
			name string
			c    *Controller
			x    Transfer
		}{
			{name: "unaligned tx", c: c, x: Transfer{Tx: unaligned, Rx: aligned}},
			{name: "unaligned rx", c: c, x: Transfer{Tx: aligned, Rx: unaligned}},
			{name: "nonlinear", c: c, x: Transfer{Tx: nonlinear}},
			{name: "no channels", c: noDMA, x: Transfer{Tx: aligned, Rx: mem.AlignedBuffer(n)}},
		} {
			test.x.BitsPerWord = 8
			test.x.SpeedHz = testSpeed
			plan, err := test.c.Plan(&test.x)
			require.NoError(t, err)
			require.Equal(t, ModeBlock, plan.Mode, "%s len=%d", test.name, n)
		}
		plan, err := c.Plan(&Transfer{Tx: aligned, Rx: mem.AlignedBuffer(n), BitsPerWord: 8, SpeedHz: testSpeed})
		require.NoError(t, err)
		if n > 3*c.Geometry().InBlockSize {
			require.Equal(t, ModeDMA, plan.Mode, "len=%d", n)
		} else {
			require.Equal(t, ModeBlock, plan.Mode, "short transfers stay off DMA, len=%d", n)
		}
	}
}

func TestLoopbackFIFO(t *testing.T) {
	c, sim := newTestController(t, true)
	tx := []byte("0123456789abcdef")
	rx := make([]byte, len(tx))
	err := c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: testSpeed, Mode: Loop})
	require.NoError(t, err)
	require.Equal(t, tx, rx)

	p := c.Progress()
	require.Equal(t, ModeFIFO, p.Mode)
	require.Equal(t, len(tx), p.RxBytes)
	require.Equal(t, len(tx), p.TxBytes)
	require.EqualValues(t, qupreg.QUP_STATE_RESET, sim.State())
	require.NotZero(t, sim.Peek(qupreg.SPI_CONFIG)&qupreg.SPI_CONFIG_LOOPBACK)
	require.Equal(t, uint64(1), c.Stats().FIFOTransfers)
	require.Equal(t, uint64(16), c.Stats().Bytes)
}

func TestFIFOWordSizes(t *testing.T) {
	c, _ := newTestController(t, false)
	rng := rand.New(rand.NewSource(2))
	for _, bpw := range []uint8{8, 16, 32} {
		tx := randomBytes(rng, make([]byte, 32))
		rx := make([]byte, len(tx))
		err := c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: bpw, SpeedHz: testSpeed, Mode: Loop})
		require.NoError(t, err, "bpw=%d", bpw)
		require.Equal(t, tx, rx, "bpw=%d", bpw)
		require.Equal(t, wordSize(bpw), c.Progress().WordSize)
		require.Equal(t, ModeFIFO, c.Progress().Mode)
	}
}

func TestBlockTransfer(t *testing.T) {
	c, sim := newTestController(t, false)
	rng := rand.New(rand.NewSource(3))
	for _, n := range []int{132, 1280, 4000} {
		tx := randomBytes(rng, make([]byte, n))
		rx := make([]byte, n)
		err := c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: testSpeed})
		require.NoError(t, err, "len=%d", n)
		require.Equal(t, tx, rx, "len=%d", n)
		require.Equal(t, ModeBlock, c.Progress().Mode)
		require.EqualValues(t, qupreg.QUP_STATE_RESET, sim.State())
	}
	require.Equal(t, uint64(3), c.Stats().BlockTransfers)
}

func TestBlockTransferWriteOnly(t *testing.T) {
	c, _ := newTestController(t, false)
	tx := make([]byte, 512)
	err := c.Execute(&Transfer{Tx: tx, BitsPerWord: 16, SpeedHz: testSpeed})
	require.NoError(t, err)
	require.Equal(t, len(tx), c.Progress().TxBytes)
}

// Counts above 0xffff program the count registers to zero, so the
// controller never raises MAX_INPUT_DONE.
func TestBlockTransferUnboundedCount(t *testing.T) {
	c, sim := newTestController(t, false)
	rng := rand.New(rand.NewSource(4))
	const n = 70001
	tx := randomBytes(rng, make([]byte, n))
	rx := make([]byte, n)
	err := c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: qupreg.SPI_MAX_RATE})
	require.NoError(t, err)
	require.Equal(t, tx, rx)
	require.Zero(t, sim.Peek(qupreg.QUP_MX_INPUT_CNT))
}

func TestTimeoutLeavesReset(t *testing.T) {
	c, sim := newTestController(t, false)
	sim.Stall(true)
	tx := make([]byte, 16)
	rx := make([]byte, 16)
	start := time.Now()
	err := c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: testSpeed})
	require.ErrorIs(t, err, ErrHardwareTimeout)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.EqualValues(t, qupreg.QUP_STATE_RESET, sim.State())
	require.EqualValues(t, qupreg.QUP_STATE_RESET, sim.Read32(qupreg.QUP_STATE)&qupreg.QUP_STATE_MASK)
	require.Equal(t, uint64(1), c.Stats().Timeouts)

	sim.Stall(false)
	copy(tx, "recovered ok!!!!")
	err = c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: testSpeed, Mode: Loop})
	require.NoError(t, err)
	require.Equal(t, tx, rx)
}

func TestErrorDuringBlock(t *testing.T) {
	c, sim := newTestController(t, false)
	const n = 1280
	tx := make([]byte, n)
	rx := make([]byte, n)
	readsBefore := sim.InputReads()
	sim.InjectError(100, qupreg.QUP_ERROR_OUTPUT_UNDER_RUN)
	err := c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: testSpeed})
	require.ErrorIs(t, err, ErrIO)

	p := c.Progress()
	require.Equal(t, ModeBlock, p.Mode)
	require.Less(t, p.RxBytes, n)
	require.Equal(t, sim.InputReads()-readsBefore, p.RxBytes, "rx progress counts words actually read")
	require.EqualValues(t, qupreg.QUP_STATE_RESET, sim.State())
	require.Equal(t, uint64(1), c.Stats().Errors)
}

func TestExecuteRejects(t *testing.T) {
	c, sim := newTestController(t, false)
	sim.RejectRatesAbove(2_000_000)

	x := &Transfer{Tx: make([]byte, 16), BitsPerWord: 8, SpeedHz: 4_000_000}
	require.ErrorIs(t, c.Execute(x), ErrClock)
	require.EqualValues(t, qupreg.QUP_STATE_RESET, sim.State())

	x = &Transfer{Tx: make([]byte, 256), BitsPerWord: 8, SpeedHz: testSpeed, Mode: Loop}
	require.ErrorIs(t, c.Execute(x), ErrInvalidArgument)
	_, err := c.Plan(x)
	require.ErrorIs(t, err, ErrInvalidArgument)

	x = &Transfer{Tx: make([]byte, 16), BitsPerWord: 8, SpeedHz: qupreg.SPI_MAX_RATE + 1}
	require.ErrorIs(t, c.Execute(x), ErrInvalidArgument)
	require.ErrorIs(t, c.Execute(&Transfer{}), ErrInvalidArgument)
}

func TestProgressClearedOnConfigFailure(t *testing.T) {
	c, sim := newTestController(t, false)
	sim.RejectRatesAbove(2_000_000)
	tx := []byte("0123456789abcdef")
	rx := make([]byte, len(tx))
	require.NoError(t, c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: testSpeed, Mode: Loop}))
	require.Equal(t, len(tx), c.Progress().RxBytes)

	err := c.Execute(&Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: 4_000_000})
	require.ErrorIs(t, err, ErrClock)
	require.Equal(t, Progress{}, c.Progress(), "rejected transfer must not report the previous one")
}

func TestSPIConfigProgramming(t *testing.T) {
	c, sim := newTestController(t, false)
	x := &Transfer{Tx: make([]byte, 8), BitsPerWord: 12, SpeedHz: 30_000_000, Mode: CPOL | CPHA}
	require.NoError(t, c.Execute(x))
	spicfg := sim.Peek(qupreg.SPI_CONFIG)
	require.NotZero(t, spicfg&qupreg.SPI_CONFIG_HS_MODE)
	require.Zero(t, spicfg&qupreg.SPI_CONFIG_INPUT_FIRST)
	require.Zero(t, spicfg&qupreg.SPI_CONFIG_LOOPBACK)
	require.NotZero(t, sim.Peek(qupreg.SPI_IO_CONTROL)&qupreg.SPI_IO_C_CLK_IDLE_HIGH)
	qcfg := sim.Peek(qupreg.QUP_CONFIG)
	require.EqualValues(t, 11, qcfg&qupreg.QUP_CONFIG_N)
	require.NotZero(t, qcfg&qupreg.QUP_CONFIG_SPI_MODE)
	require.EqualValues(t, 30_000_000, sim.Rate())

	// HS mode is invalid in loopback.
	x = &Transfer{Tx: make([]byte, 8), BitsPerWord: 8, SpeedHz: 30_000_000, Mode: Loop}
	require.NoError(t, c.Execute(x))
	spicfg = sim.Peek(qupreg.SPI_CONFIG)
	require.Zero(t, spicfg&qupreg.SPI_CONFIG_HS_MODE)
	require.NotZero(t, spicfg&qupreg.SPI_CONFIG_INPUT_FIRST)
	require.Zero(t, sim.Peek(qupreg.SPI_IO_CONTROL)&qupreg.SPI_IO_C_CLK_IDLE_HIGH)
}
