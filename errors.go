package qup

import "errors"

// Error kinds returned by the controller. Returned errors wrap one of these
// and can be tested with errors.Is.
var (
	ErrInvalidArgument = errors.New("qup: invalid argument")
	ErrClock           = errors.New("qup: clock rate rejected")
	ErrHardwareTimeout = errors.New("qup: hardware timeout")
	ErrIO              = errors.New("qup: i/o error")
	ErrDMAMapping      = errors.New("qup: dma mapping failed")
	ErrDMATimeout      = errors.New("qup: dma timeout")
)
