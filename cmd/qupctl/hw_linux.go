package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/soypat/qup"
	"github.com/soypat/qup/linuxhw"
	"github.com/soypat/qup/qupreg"
	"github.com/spf13/cobra"
)

var hwCmd = &cobra.Command{
	Use:   "hw",
	Short: "Attach to a real QUP controller and run one loopback transfer.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runHW(ctx, cmd)
	},
}

var hwFlags struct {
	memPath string
	memBase uint64
	uioPath string
	clkPath string
	speed   uint32
	v1      bool
}

func init() {
	flags := hwCmd.Flags()
	flags.StringVar(&hwFlags.memPath, "mem", envOr("QUP_MEM", "/dev/mem"), "memory device holding the register block")
	flags.Uint64Var(&hwFlags.memBase, "mem-base", envUint("QUP_MEM_BASE", 0), "physical address of the register block")
	flags.StringVar(&hwFlags.uioPath, "uio", envOr("QUP_UIO", "/dev/uio0"), "UIO device of the controller interrupt")
	flags.StringVar(&hwFlags.clkPath, "clk-rate-path", envOr("QUP_CLK_RATE_PATH", ""), "file accepting the core clock rate in Hz")
	flags.BoolVar(&hwFlags.v1, "v1", false, "controller is a v1.1.1 core")
	speedFlag(flags, &hwFlags.speed)
	rootCmd.AddCommand(hwCmd)
}

func runHW(ctx context.Context, cmd *cobra.Command) error {
	if hwFlags.clkPath == "" {
		return fmt.Errorf("--clk-rate-path is required")
	}
	regs, err := linuxhw.OpenWindow(hwFlags.memPath, int64(hwFlags.memBase), qupreg.RegisterWindow)
	if err != nil {
		return err
	}
	defer regs.Close()
	line, err := linuxhw.OpenUIO(hwFlags.uioPath, logger)
	if err != nil {
		return err
	}
	defer line.Close()

	c, err := qup.Attach(qup.Config{
		Registers: regs,
		CoreClock: &linuxhw.FileClock{Path: hwFlags.clkPath},
		V1:        hwFlags.v1,
		Logger:    controllerLogger(),
	})
	if err != nil {
		return err
	}
	defer c.Detach()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- line.Serve(ctx, c.HandleIRQ) }()

	tx := []byte("qupctl hw loopback")
	tx = tx[:len(tx)&^3]
	rx := make([]byte, len(tx))
	err = c.Execute(&qup.Transfer{Tx: tx, Rx: rx, BitsPerWord: 8, SpeedHz: hwFlags.speed, Mode: qup.Loop})
	cancel()
	if serveErr := <-served; serveErr != nil {
		logger.Error("hw:irq", slog.String("err", serveErr.Error()))
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(tx, rx) {
		return fmt.Errorf("loopback mismatch: sent %q, got %q", tx, rx)
	}
	g := c.Geometry()
	fmt.Fprintf(cmd.OutOrStdout(), "loopback ok: in_blk=%d in_fifo=%d out_blk=%d out_fifo=%d\n",
		g.InBlockSize, g.InFIFOSize, g.OutBlockSize, g.OutFIFOSize)
	return nil
}
