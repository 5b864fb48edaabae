package qup

import (
	"unsafe"

	"golang.org/x/exp/constraints"
)

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}

func divRoundUp[T constraints.Integer](n, d T) T {
	return (n + d - 1) / d
}

// bufAddr returns the address of the first byte of b, or zero for an empty buffer.
func bufAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
