package linuxhw

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
)

// FileClock sets the core clock by writing the rate in Hz to a file, such as
// a clk debugfs "clk_rate" entry or a vendor sysfs knob. It implements
// qup.Clock.
type FileClock struct {
	Path string
	// Verify reads the rate back after writing and fails if it differs.
	Verify bool
}

func (fc *FileClock) SetRate(hz uint32) error {
	err := os.WriteFile(fc.Path, strconv.AppendUint(nil, uint64(hz), 10), 0o644)
	if err != nil {
		return fmt.Errorf("linuxhw: set clock rate: %w", err)
	}
	if !fc.Verify {
		return nil
	}
	got, err := fc.Rate()
	if err != nil {
		return err
	}
	if got != hz {
		return fmt.Errorf("linuxhw: clock rate %d Hz requested, got %d Hz", hz, got)
	}
	return nil
}

// Rate reads the current rate back.
func (fc *FileClock) Rate() (uint32, error) {
	b, err := os.ReadFile(fc.Path)
	if err != nil {
		return 0, fmt.Errorf("linuxhw: read clock rate: %w", err)
	}
	hz, err := strconv.ParseUint(string(bytes.TrimSpace(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("linuxhw: parse clock rate: %w", err)
	}
	return uint32(hz), nil
}
