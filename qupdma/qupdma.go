// Package qupdma defines the DMA engine and DMA memory contracts the QUP
// controller consumes. Platforms provide implementations; the controller
// only ever talks to these interfaces.
package qupdma

import "errors"

// Addr is a bus address as seen by the DMA engine.
type Addr uint64

// Direction of a DMA transfer relative to memory.
type Direction uint8

const (
	MemToDev Direction = iota + 1
	DevToMem
)

func (d Direction) String() string {
	switch d {
	case MemToDev:
		return "mem-to-dev"
	case DevToMem:
		return "dev-to-mem"
	}
	return "unknown"
}

// Segment is one scatter-gather entry.
type Segment struct {
	Addr Addr
	Len  int
}

// SlaveConfig configures a channel for a peripheral FIFO.
type SlaveConfig struct {
	Direction Direction
	// DeviceFlowControl is set when the peripheral paces the transfer.
	DeviceFlowControl bool
	// FIFO is the bus address of the peripheral FIFO register.
	FIFO Addr
	// MaxBurst is the burst size in bytes.
	MaxBurst int
}

// Channel is a slave DMA channel.
type Channel interface {
	SlaveConfig(cfg SlaveConfig) error
	// Prepare queues a scatter-gather descriptor. The descriptor does not
	// start until IssuePending is called. callback is invoked from DMA engine
	// context once the descriptor completes and must not block.
	Prepare(sg []Segment, dir Direction, callback func()) error
	// IssuePending starts all prepared descriptors.
	IssuePending()
	// TerminateAll aborts every descriptor on the channel. Callbacks of
	// aborted descriptors are not invoked.
	TerminateAll()
	// Release returns the channel to the platform.
	Release()
}

// Memory maps CPU buffers for the DMA engine and provides coherent memory.
type Memory interface {
	// Map makes buf visible to the DMA engine for the duration of a transfer.
	Map(buf []byte, dir Direction) (Addr, error)
	Unmap(addr Addr, size int, dir Direction)
	// AllocCoherent returns a buffer that needs no mapping and its bus address.
	AllocCoherent(size int) ([]byte, Addr, error)
	FreeCoherent(buf []byte, addr Addr)
	// CacheAlignment is the alignment DMA buffers must honor, in bytes.
	CacheAlignment() int
	// IsLinear reports whether buf is physically contiguous memory.
	// Buffers that are only virtually contiguous cannot be mapped as one region.
	IsLinear(buf []byte) bool
}

var (
	ErrNoMapping = errors.New("qupdma: address not mapped")
	ErrBadSG     = errors.New("qupdma: invalid scatter-gather list")
)

// TotalLen returns the number of bytes described by sg.
func TotalLen(sg []Segment) (n int) {
	for _, s := range sg {
		n += s.Len
	}
	return n
}
