//go:build linux

package linuxhw

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const uioPollInterval = 100 * time.Millisecond

// UIO is an interrupt line exported by the Linux userspace I/O framework.
// Reading the device blocks until the next interrupt and returns the total
// interrupt count; writing 1 unmasks the line again.
type UIO struct {
	f      *os.File
	last   uint32
	logger *slog.Logger
}

// OpenUIO opens the UIO device at path, for example /dev/uio0.
func OpenUIO(path string, logger *slog.Logger) (*UIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &UIO{f: f, logger: logger}, nil
}

// Enable unmasks the interrupt line.
func (u *UIO) Enable() error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	_, err := u.f.Write(buf[:])
	if err != nil {
		return fmt.Errorf("linuxhw: enable irq: %w", err)
	}
	return nil
}

// Wait blocks until an interrupt arrives or ctx is done. It returns the
// number of interrupts missed since the previous Wait.
func (u *UIO) Wait(ctx context.Context) (missed uint32, err error) {
	fds := []unix.PollFd{{Fd: int32(u.f.Fd()), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := unix.Poll(fds, int(uioPollInterval/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return 0, fmt.Errorf("linuxhw: poll irq: %w", err)
		}
		if n > 0 {
			break
		}
	}
	var buf [4]byte
	if _, err := u.f.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("linuxhw: read irq count: %w", err)
	}
	count := binary.NativeEndian.Uint32(buf[:])
	if u.last != 0 && count-u.last > 1 {
		missed = count - u.last - 1
	}
	u.last = count
	return missed, nil
}

// Serve unmasks the line and calls handler once per interrupt until ctx is
// done. The handler is qup.Controller.HandleIRQ.
func (u *UIO) Serve(ctx context.Context, handler func()) error {
	for {
		if err := u.Enable(); err != nil {
			return err
		}
		missed, err := u.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if missed > 0 && u.logger != nil {
			u.logger.Warn("uio:missed", slog.Uint64("count", uint64(missed)))
		}
		handler()
	}
}

func (u *UIO) Close() error {
	return u.f.Close()
}
