//go:build linux

// Package linuxhw provides the QUP controller collaborators on a Linux host:
// a memory mapped register window, a UIO interrupt line and a clock rate
// file.
package linuxhw

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var errClosed = errors.New("linuxhw: register window closed")

// Window is a memory mapped register block. It implements qup.Registers.
// Accesses are 32 bit atomic loads and stores so the compiler neither
// splits nor elides them.
type Window struct {
	f   *os.File
	mem []byte
}

// OpenWindow maps size bytes at physical address base of the memory device
// at path, usually /dev/mem or a UIO map such as /dev/uio0.
func OpenWindow(path string, base int64, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	w, err := MapWindow(f, base, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// MapWindow maps size bytes of f starting at off. The window owns f and
// closes it on Close.
func MapWindow(f *os.File, off int64, size int) (*Window, error) {
	if size <= 0 || size%4 != 0 {
		return nil, fmt.Errorf("linuxhw: window size %d not a positive multiple of 4", size)
	}
	if off%int64(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("linuxhw: window offset %#x not page aligned", off)
	}
	mem, err := unix.Mmap(int(f.Fd()), off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("linuxhw: mmap %s at %#x: %w", f.Name(), off, err)
	}
	return &Window{f: f, mem: mem}, nil
}

func (w *Window) word(offset uint32) *uint32 {
	if w.mem == nil {
		panic(errClosed)
	}
	if offset%4 != 0 || int(offset)+4 > len(w.mem) {
		panic(fmt.Sprintf("linuxhw: register offset %#x outside %d byte window", offset, len(w.mem)))
	}
	return (*uint32)(unsafe.Pointer(&w.mem[offset]))
}

func (w *Window) Read32(offset uint32) uint32 {
	return atomic.LoadUint32(w.word(offset))
}

func (w *Window) Write32(offset, value uint32) {
	atomic.StoreUint32(w.word(offset), value)
}

// Len is the size of the window in bytes.
func (w *Window) Len() int { return len(w.mem) }

// Close unmaps the window.
func (w *Window) Close() error {
	if w.mem == nil {
		return errClosed
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	return errors.Join(err, w.f.Close())
}
