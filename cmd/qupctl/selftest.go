package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/soypat/qup"
	"github.com/soypat/qup/qupsim"
	"github.com/spf13/cobra"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run loopback and echo transfers through a simulated controller.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := runSelftest(selftestFlags)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "\t")
		return enc.Encode(stats)
	},
}

type selftestOptions struct {
	dma   bool
	sizes []int
	bpw   []uint
	speed uint32
	seed  int64
}

var selftestFlags = selftestOptions{
	dma:   true,
	sizes: []int{16, 100, 1280, 4096, 70000, 150003},
	bpw:   []uint{8, 16, 32},
}

func init() {
	flags := selftestCmd.Flags()
	flags.BoolVar(&selftestFlags.dma, "dma", selftestFlags.dma, "give the simulated controller a DMA channel pair")
	flags.IntSliceVar(&selftestFlags.sizes, "sizes", selftestFlags.sizes, "echo transfer lengths in bytes")
	flags.UintSliceVar(&selftestFlags.bpw, "bpw", selftestFlags.bpw, "bits per word to test with each length")
	speedFlag(flags, &selftestFlags.speed)
	flags.Int64Var(&selftestFlags.seed, "seed", 1, "random payload seed")
	rootCmd.AddCommand(selftestCmd)
}

// newSimController attaches a controller to a fresh simulator.
func newSimController(dma bool) (*qup.Controller, *qupsim.Sim, error) {
	sim := qupsim.New(qupsim.DefaultGeometry)
	cfg := qup.Config{
		Registers: sim,
		CoreClock: sim,
		Logger:    controllerLogger(),
	}
	if dma {
		cfg.RxDMA = sim.RxChannel()
		cfg.TxDMA = sim.TxChannel()
		cfg.DMAMemory = sim.Memory()
	}
	c, err := qup.Attach(cfg)
	if err != nil {
		sim.Close()
		return nil, nil, err
	}
	sim.SetIRQHandler(c.HandleIRQ)
	return c, sim, nil
}

func runSelftest(opts selftestOptions) (qup.Stats, error) {
	c, sim, err := newSimController(opts.dma)
	if err != nil {
		return qup.Stats{}, err
	}
	defer sim.Close()
	defer c.Detach()
	rng := rand.New(rand.NewSource(opts.seed))
	mem := sim.Memory()

	g := c.Geometry()
	fifo := min(g.InFIFOSize, g.OutFIFOSize) / 4
	for _, n := range []int{4, fifo / 2, fifo} {
		tx := make([]byte, n)
		rng.Read(tx)
		rx := make([]byte, n)
		x := qup.Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: opts.speed, Mode: qup.Loop}
		if err := checkEcho(c, &x); err != nil {
			return c.Stats(), err
		}
	}
	for _, n := range opts.sizes {
		for _, bpw := range opts.bpw {
			if bpw < 4 || bpw > 32 {
				return c.Stats(), fmt.Errorf("invalid bits per word %d", bpw)
			}
			wsize := 1
			if bpw > 16 {
				wsize = 4
			} else if bpw > 8 {
				wsize = 2
			}
			n := n - n%wsize
			if n == 0 {
				continue
			}
			tx := mem.AlignedBuffer(n)
			rng.Read(tx)
			rx := mem.AlignedBuffer(n)
			x := qup.Transfer{Tx: tx, Rx: rx, BitsPerWord: uint8(bpw), SpeedHz: opts.speed}
			if err := checkEcho(c, &x); err != nil {
				return c.Stats(), err
			}
		}
	}
	return c.Stats(), nil
}

func checkEcho(c *qup.Controller, x *qup.Transfer) error {
	plan, err := c.Plan(x)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.Execute(x)
	logger.Info("selftest:transfer",
		slog.Int("len", x.Len()),
		slog.Int("bpw", int(x.BitsPerWord)),
		slog.String("mode", plan.Mode.String()),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)
	if err != nil {
		return fmt.Errorf("%s transfer of %d bytes: %w", plan.Mode, x.Len(), err)
	}
	if !bytes.Equal(x.Tx, x.Rx) {
		return fmt.Errorf("%s transfer of %d bytes: echo mismatch", plan.Mode, x.Len())
	}
	return nil
}
