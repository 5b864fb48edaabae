package qup

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/soypat/qup/qupreg"
)

const (
	levelTrace slog.Level = slog.LevelDebug - 1
	// Minimum interval between two spurious interrupt reports.
	spuriousLogInterval = time.Second
)

func (c *Controller) logerr(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelError, msg, attrs...)
}

func (c *Controller) warn(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelWarn, msg, attrs...)
}

func (c *Controller) info(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelInfo, msg, attrs...)
}

func (c *Controller) debug(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelDebug, msg, attrs...)
}

func (c *Controller) trace(msg string, attrs ...slog.Attr) {
	if !c._traceenabled {
		return
	}
	c.logattrs(levelTrace, msg, attrs...)
}

func (c *Controller) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if c.logger == nil {
		return
	}
	c.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func hex32(u uint32) string {
	return hex.EncodeToString([]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)})
}

// logErrorFlags reports each error condition latched in the QUP and SPI
// error registers.
func (c *Controller) logErrorFlags(qupErr, spiErr uint32) {
	if qupErr&qupreg.QUP_ERROR_OUTPUT_OVER_RUN != 0 {
		c.warn("OUTPUT_OVER_RUN")
	}
	if qupErr&qupreg.QUP_ERROR_INPUT_UNDER_RUN != 0 {
		c.warn("INPUT_UNDER_RUN")
	}
	if qupErr&qupreg.QUP_ERROR_OUTPUT_UNDER_RUN != 0 {
		c.warn("OUTPUT_UNDER_RUN")
	}
	if qupErr&qupreg.QUP_ERROR_INPUT_OVER_RUN != 0 {
		c.warn("INPUT_OVER_RUN")
	}
	if spiErr&qupreg.SPI_ERROR_CLK_OVER_RUN != 0 {
		c.warn("CLK_OVER_RUN")
	}
	if spiErr&qupreg.SPI_ERROR_CLK_UNDER_RUN != 0 {
		c.warn("CLK_UNDER_RUN")
	}
}

func stateName(state uint32) string {
	switch state & qupreg.QUP_STATE_MASK {
	case qupreg.QUP_STATE_RESET:
		return "RESET"
	case qupreg.QUP_STATE_RUN:
		return "RUN"
	case qupreg.QUP_STATE_PAUSE:
		return "PAUSE"
	}
	return "CLEAR"
}
