package qup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/soypat/qup/qupreg"
)

func (c *Controller) isValidState() bool {
	return c.read(qupreg.QUP_STATE)&qupreg.QUP_STATE_VALID != 0
}

// waitValidState polls QUP_STATE until the controller reports a valid state.
// It gives up after SPI_DELAY_RETRY polls spaced by the configured poll delay.
func (c *Controller) waitValidState() (polls int, err error) {
	for !c.isValidState() {
		if polls >= qupreg.SPI_DELAY_RETRY {
			return polls, ErrHardwareTimeout
		}
		time.Sleep(c.pollDelay)
		polls++
	}
	return polls, nil
}

// setState moves the controller state machine to state, one of RESET, RUN or PAUSE.
func (c *Controller) setState(state uint32) error {
	polls, err := c.waitValidState()
	if err != nil {
		return fmt.Errorf("%w: state not valid before %s transition", err, stateName(state))
	}
	if polls > qupreg.SPI_DELAY_THRESHOLD {
		c.debug("setState:slow", slog.String("want", stateName(state)), slog.Int("polls", polls))
	}
	cur := c.read(qupreg.QUP_STATE)
	if cur&qupreg.QUP_STATE_MASK == qupreg.QUP_STATE_PAUSE && state == qupreg.QUP_STATE_RESET {
		// Leaving PAUSE for RESET is only possible with two CLEAR writes.
		c.write(qupreg.QUP_STATE, qupreg.QUP_STATE_CLEAR)
		c.write(qupreg.QUP_STATE, qupreg.QUP_STATE_CLEAR)
	} else {
		c.write(qupreg.QUP_STATE, (cur&^qupreg.QUP_STATE_MASK)|state)
	}
	c.trace("setState", slog.String("from", stateName(cur)), slog.String("to", stateName(state)))
	_, err = c.waitValidState()
	if err != nil {
		return fmt.Errorf("%w: state not valid after %s transition", err, stateName(state))
	}
	return nil
}

// resetState returns the controller to RESET, logging failures. Used on
// teardown paths where the original error is the one worth returning.
func (c *Controller) resetState() error {
	err := c.setState(qupreg.QUP_STATE_RESET)
	if err != nil {
		c.logerr("cannot set RESET state", slog.String("err", err.Error()))
	}
	return err
}
