package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/soypat/qup"
	"github.com/soypat/qup/qupsim"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Plan, and optionally replay, SPI transactions from Saleae digital captures.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		txs, err := scanCapture(analyzeFlags.mosi, analyzeFlags.miso, analyzeFlags.clk, analyzeFlags.cs)
		if err != nil {
			return err
		}
		logger.Info("analyze:scanned", slog.Int("transactions", len(txs)))
		c, sim, err := newSimController(analyzeFlags.dma)
		if err != nil {
			return err
		}
		defer sim.Close()
		defer c.Detach()
		return analyze(c, sim, txs, cmd.OutOrStdout(), analyzeFlags)
	},
}

type analyzeOptions struct {
	mosi, miso, clk, cs string
	bpw                 uint8
	speed               uint32
	replay              bool
	dma                 bool
}

var analyzeFlags analyzeOptions

func init() {
	flags := analyzeCmd.Flags()
	flags.StringVar(&analyzeFlags.mosi, "f-sd-o", "digital_1.bin", "input filename: SPI MOSI data")
	flags.StringVar(&analyzeFlags.miso, "f-sd-i", "digital_3.bin", "input filename: SPI MISO data")
	flags.StringVar(&analyzeFlags.clk, "f-clk", "digital_2.bin", "input filename: SPI clock data")
	flags.StringVar(&analyzeFlags.cs, "f-cs", "digital_0.bin", "input filename: SPI CS data")
	flags.Uint8Var(&analyzeFlags.bpw, "bpw", 8, "bits per word of the captured bus")
	flags.BoolVar(&analyzeFlags.replay, "replay", false, "execute each transaction on the simulator answering with the captured MISO")
	flags.BoolVar(&analyzeFlags.dma, "dma", true, "plan with a DMA capable controller")
	speedFlag(flags, &analyzeFlags.speed)
	rootCmd.AddCommand(analyzeCmd)
}

// capturedTx is one chip select framed transaction.
type capturedTx struct {
	Start float64
	MOSI  []byte
	MISO  []byte
}

func scanCapture(mosi, miso, clk, cs string) ([]capturedTx, error) {
	sdo, err := opendigital(mosi)
	if err != nil {
		return nil, err
	}
	sdi, err := opendigital(miso)
	if err != nil {
		return nil, err
	}
	sck, err := opendigital(clk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(cs)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(sck, enable, sdo, sdi)
	out := make([]capturedTx, 0, len(txs))
	for _, tx := range txs {
		out = append(out, capturedTx{Start: tx.StartTime(), MOSI: tx.SDO, MISO: tx.SDI})
	}
	return out, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

// capturedResponder answers each exchanged word with the next captured
// MISO word.
func capturedResponder(miso []byte, wsize int) qupsim.Responder {
	off := 0
	return func(mosi uint32, bits int) uint32 {
		var word uint32
		for i := 0; i < wsize; i++ {
			word <<= 8
			if off < len(miso) {
				word |= uint32(miso[off])
			}
			off++
		}
		return word
	}
}

func analyze(c *qup.Controller, sim *qupsim.Sim, txs []capturedTx, w io.Writer, opts analyzeOptions) error {
	mismatches := 0
	mem := sim.Memory()
	for i, tx := range txs {
		// Buffers come from DMA suitable memory so plans do not depend on
		// where the capture landed on the heap.
		x := qup.Transfer{
			Tx:          append(mem.AlignedBuffer(len(tx.MOSI))[:0], tx.MOSI...),
			Rx:          mem.AlignedBuffer(len(tx.MOSI)),
			BitsPerWord: opts.bpw,
			SpeedHz:     opts.speed,
		}
		plan, err := c.Plan(&x)
		if err != nil {
			fmt.Fprintf(w, "tx%-4d t=%f len=%-6d invalid: %v\n", i, tx.Start, len(tx.MOSI), err)
			continue
		}
		fmt.Fprintf(w, "tx%-4d t=%f len=%-6d mode=%-5s words=%-6d timeout=%s", i, tx.Start, x.Len(), plan.Mode, plan.Words, plan.Timeout)
		if plan.Mode == qup.ModeDMA {
			fmt.Fprintf(w, " chunks=%v txpad=%d rxpad=%d", plan.Chunks, plan.TxPad, plan.RxPad)
		}
		if opts.replay {
			sim.SetResponder(capturedResponder(tx.MISO, plan.WordSize))
			err = c.Execute(&x)
			switch {
			case err != nil:
				fmt.Fprintf(w, " replay=error(%v)", err)
				mismatches++
			case !bytes.Equal(x.Rx, tx.MISO[:min(len(tx.MISO), len(x.Rx))]):
				fmt.Fprintf(w, " replay=mismatch")
				mismatches++
			default:
				fmt.Fprintf(w, " replay=ok")
			}
		}
		fmt.Fprintln(w)
	}
	if mismatches > 0 {
		return fmt.Errorf("%d of %d transactions failed replay", mismatches, len(txs))
	}
	return nil
}
