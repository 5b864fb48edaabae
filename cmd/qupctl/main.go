// Command qupctl exercises the QUP SPI transfer engine against the
// simulator, Saleae captures, scripts and real hardware.
package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
)

const levelTrace = slog.LevelDebug - 1

var (
	logger = slog.Default()
	runID  = xid.New()
)

var rootCmd = &cobra.Command{
	Use:   "qupctl",
	Short: "Drive the QUP SPI transfer engine.",
	Long: `qupctl runs QUP SPI transfers through the simulated controller or real ` +
		`hardware. Flag defaults are read from QUP_* environment variables, ` +
		`optionally loaded from a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		logger = slog.New(handler).With(slog.String("run", runID.String()))
		return nil
	},
}

var (
	flagLogLevel string
	flagVerbose  bool
)

func init() {
	loadEnv(".env")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", envOr("QUP_LOG_LEVEL", "info"), "log level: trace, debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log controller internals at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv loads path into the environment without overriding variables
// already set. A missing file is not an error.
func loadEnv(path string) {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("env:load", slog.String("path", path), slog.String("err", err.Error()))
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envUint(key string, def uint64) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		slog.Warn("env:parse", slog.String("key", key), slog.String("err", err.Error()))
		return def
	}
	return n
}

func parseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return levelTrace, nil
	}
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

// controllerLogger is the logger handed to controllers: silent unless
// --verbose, in which case it logs at the root level.
func controllerLogger() *slog.Logger {
	if !flagVerbose {
		return nil
	}
	return logger.With(slog.String("component", "qup"))
}
