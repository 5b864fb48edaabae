package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/soypat/qup"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Execute a transfer script on a simulated controller.",
	Long: `Each script line describes one transfer as key=value tokens:

	len=N      transfer length in bytes (default: length of tx, else 16)
	bpw=N      bits per word (default 8)
	speed=N    clock in Hz (default --speed)
	tx=HEX     payload, zero filled or repeated up to len
	loop cpha cpol rxonly txonly   flags

Lines starting with # are comments. Use - to read the script from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := cmd.InOrStdin()
		if args[0] != "-" {
			fp, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer fp.Close()
			r = fp
		}
		c, sim, err := newSimController(runFlags.dma)
		if err != nil {
			return err
		}
		defer sim.Close()
		defer c.Detach()
		return runScript(c, r, cmd.OutOrStdout(), runFlags.speed)
	},
}

var runFlags struct {
	dma   bool
	speed uint32
}

func init() {
	flags := runCmd.Flags()
	flags.BoolVar(&runFlags.dma, "dma", true, "give the simulated controller a DMA channel pair")
	speedFlag(flags, &runFlags.speed)
	rootCmd.AddCommand(runCmd)
}

// speedFlag registers the shared --speed flag.
func speedFlag(flags *pflag.FlagSet, dst *uint32) {
	flags.Uint32Var(dst, "speed", uint32(envUint("QUP_SPEED", 1_000_000)), "SPI clock in Hz")
}

// scriptLine is one parsed script transfer.
type scriptLine struct {
	x   qup.Transfer
	pat []byte
}

func parseScriptLine(line string, speed uint32) (sl scriptLine, ok bool, err error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return sl, false, err
	}
	if len(tokens) == 0 {
		return sl, false, nil
	}
	n := -1
	rxonly, txonly := false, false
	sl.x = qup.Transfer{BitsPerWord: 8, SpeedHz: speed}
	for _, tok := range tokens {
		key, value, hasValue := strings.Cut(tok, "=")
		switch key {
		case "loop":
			sl.x.Mode |= qup.Loop
		case "cpha":
			sl.x.Mode |= qup.CPHA
		case "cpol":
			sl.x.Mode |= qup.CPOL
		case "rxonly":
			rxonly = true
		case "txonly":
			txonly = true
		case "len", "bpw", "speed":
			if !hasValue {
				return sl, false, fmt.Errorf("%s needs a value", key)
			}
			v, err := strconv.ParseUint(value, 0, 32)
			if err != nil {
				return sl, false, fmt.Errorf("%s: %w", key, err)
			}
			switch key {
			case "len":
				n = int(v)
			case "bpw":
				if v > 32 {
					return sl, false, fmt.Errorf("bpw %d too large", v)
				}
				sl.x.BitsPerWord = uint8(v)
			case "speed":
				sl.x.SpeedHz = uint32(v)
			}
		case "tx":
			sl.pat, err = hex.DecodeString(strings.TrimPrefix(value, "0x"))
			if err != nil {
				return sl, false, fmt.Errorf("tx: %w", err)
			}
		default:
			return sl, false, fmt.Errorf("unknown token %q", tok)
		}
	}
	if rxonly && txonly {
		return sl, false, fmt.Errorf("rxonly and txonly are exclusive")
	}
	if n < 0 {
		n = len(sl.pat)
		if n == 0 {
			n = 16
		}
	}
	if !rxonly {
		sl.x.Tx = make([]byte, n)
		for i := 0; len(sl.pat) > 0 && i < n; i += len(sl.pat) {
			copy(sl.x.Tx[i:], sl.pat)
		}
	}
	if !txonly {
		sl.x.Rx = make([]byte, n)
	}
	return sl, true, nil
}

func runScript(c *qup.Controller, r io.Reader, w io.Writer, speed uint32) error {
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		sl, ok, err := parseScriptLine(scanner.Text(), speed)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		} else if !ok {
			continue
		}
		plan, err := c.Plan(&sl.x)
		if err == nil {
			err = c.Execute(&sl.x)
		}
		if err != nil {
			logger.Error("run:transfer", slog.Int("line", lineno), slog.String("err", err.Error()))
			fmt.Fprintf(w, "%d\t%s\tlen=%d\terr=%v\n", lineno, plan.Mode, sl.x.Len(), err)
			continue
		}
		fmt.Fprintf(w, "%d\t%s\tlen=%d\trx=%x\n", lineno, plan.Mode, sl.x.Len(), truncate(sl.x.Rx, 32))
	}
	return scanner.Err()
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
