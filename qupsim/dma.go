package qupsim

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/soypat/qup/qupdma"
	"github.com/soypat/qup/qupreg"
)

type chanDir uint8

const (
	dirRx chanDir = iota
	dirTx
)

// Descriptor is a prepared DMA descriptor as seen by the model.
type Descriptor struct {
	Dir      qupdma.Direction
	Segments []qupdma.Segment
	// Data is a copy of the memory behind each segment taken at Prepare.
	Data     [][]byte
	callback func()
}

// Channel is a simulated slave DMA channel bound to a Sim.
type Channel struct {
	sim        *Sim
	dir        chanDir
	cfg        qupdma.SlaveConfig
	pending    []*Descriptor
	active     []*Descriptor
	history    []Descriptor
	terminated int
	released   bool
}

// RxChannel returns the channel that drains the input FIFO.
func (s *Sim) RxChannel() *Channel { return s.rx }

// TxChannel returns the channel that feeds the output FIFO.
func (s *Sim) TxChannel() *Channel { return s.tx }

// Memory returns the DMA memory the model's channels resolve addresses with.
func (s *Sim) Memory() *Memory { return s.mem }

func (ch *Channel) SlaveConfig(cfg qupdma.SlaveConfig) error {
	want := qupdma.DevToMem
	if ch.dir == dirTx {
		want = qupdma.MemToDev
	}
	if cfg.Direction != want {
		return fmt.Errorf("qupsim: %s channel configured %s", want, cfg.Direction)
	}
	ch.sim.mu.Lock()
	ch.cfg = cfg
	ch.sim.mu.Unlock()
	return nil
}

// Config returns the last slave configuration.
func (ch *Channel) Config() qupdma.SlaveConfig {
	ch.sim.mu.Lock()
	defer ch.sim.mu.Unlock()
	return ch.cfg
}

func (ch *Channel) Prepare(sg []qupdma.Segment, dir qupdma.Direction, callback func()) error {
	if len(sg) == 0 {
		return qupdma.ErrBadSG
	}
	d := &Descriptor{Dir: dir, Segments: append([]qupdma.Segment(nil), sg...), callback: callback}
	for _, seg := range sg {
		b, err := ch.sim.mem.resolve(seg)
		if err != nil {
			return err
		}
		d.Data = append(d.Data, append([]byte(nil), b...))
	}
	ch.sim.mu.Lock()
	defer ch.sim.mu.Unlock()
	ch.pending = append(ch.pending, d)
	ch.history = append(ch.history, *d)
	return nil
}

func (ch *Channel) IssuePending() {
	ch.sim.mu.Lock()
	defer ch.sim.mu.Unlock()
	ch.active = append(ch.active, ch.pending...)
	ch.pending = ch.pending[:0]
	ch.sim.stepLocked()
}

func (ch *Channel) TerminateAll() {
	ch.sim.mu.Lock()
	defer ch.sim.mu.Unlock()
	ch.pending = ch.pending[:0]
	ch.active = ch.active[:0]
	ch.terminated++
}

func (ch *Channel) Release() {
	ch.sim.mu.Lock()
	defer ch.sim.mu.Unlock()
	ch.released = true
}

// Prepared returns every descriptor prepared on the channel.
func (ch *Channel) Prepared() []Descriptor {
	ch.sim.mu.Lock()
	defer ch.sim.mu.Unlock()
	return append([]Descriptor(nil), ch.history...)
}

// Terminations counts TerminateAll calls.
func (ch *Channel) Terminations() int {
	ch.sim.mu.Lock()
	defer ch.sim.mu.Unlock()
	return ch.terminated
}

// Released reports whether the channel was returned.
func (ch *Channel) Released() bool {
	ch.sim.mu.Lock()
	defer ch.sim.mu.Unlock()
	return ch.released
}

// runDMA executes one DMA program once every descriptor it needs is active.
// Called with s.mu held.
func (s *Sim) runDMA() {
	if s.dmaDone || s.stallDMA {
		return
	}
	cfg := s.regs[qupreg.QUP_CONFIG/4]
	needTx := cfg&qupreg.QUP_CONFIG_NO_OUTPUT == 0
	needRx := cfg&qupreg.QUP_CONFIG_NO_INPUT == 0
	if (needTx && len(s.tx.active) == 0) || (needRx && len(s.rx.active) == 0) {
		return
	}
	wsize := s.wordBytes()
	nbytes := int(s.regs[qupreg.QUP_MX_INPUT_CNT/4]) * wsize
	words := nbytes / max(wsize, 1)
	if s.errArmed && s.totalShifted+words >= s.errAfter {
		// Error lands inside this program: descriptors stay pending until
		// the controller terminates them.
		s.errArmed = false
		s.totalShifted = s.errAfter
		s.qupErr |= s.errFlags
		s.halted = true
		s.raiseLocked()
		return
	}

	txData := make([]byte, nbytes)
	if needTx {
		s.gather(s.tx.active[0], txData)
	}
	rxData := make([]byte, nbytes)
	for off := 0; off+wsize <= nbytes; off += wsize {
		var out uint32
		for i := 0; i < wsize; i++ {
			out |= uint32(txData[off+i]) << (8 * (3 - i))
		}
		in := s.exchange(out)
		for i := 0; i < wsize; i++ {
			rxData[off+i] = byte(in >> (8 * (wsize - 1 - i)))
		}
	}
	if needRx {
		s.scatter(s.rx.active[0], rxData)
	}

	var callbacks []func()
	if needTx {
		callbacks = append(callbacks, s.tx.active[0].callback)
		s.tx.active = s.tx.active[1:]
	}
	if needRx {
		callbacks = append(callbacks, s.rx.active[0].callback)
		s.rx.active = s.rx.active[1:]
	}
	s.dmaDone = true
	s.dmaRuns++
	s.shifted += words
	s.totalShifted += words
	s.latched |= qupreg.QUP_OP_MAX_INPUT_DONE_FLAG | qupreg.QUP_OP_IN_SERVICE_FLAG |
		qupreg.QUP_OP_MAX_OUTPUT_DONE_FLAG | qupreg.QUP_OP_OUT_SERVICE_FLAG
	s.raiseLocked()
	go func() {
		for _, cb := range callbacks {
			if cb != nil {
				cb()
			}
		}
	}()
}

// gather copies the bytes described by d into dst.
func (s *Sim) gather(d *Descriptor, dst []byte) {
	for _, seg := range d.Segments {
		if len(dst) == 0 {
			return
		}
		b, err := s.mem.resolve(seg)
		if err != nil {
			return
		}
		n := copy(dst, b)
		dst = dst[n:]
	}
}

// scatter writes src into the memory described by d, in segment order.
func (s *Sim) scatter(d *Descriptor, src []byte) {
	for _, seg := range d.Segments {
		if len(src) == 0 {
			return
		}
		b, err := s.mem.resolve(seg)
		if err != nil {
			return
		}
		n := copy(b, src)
		src = src[n:]
	}
}

// Memory is a simulated DMA address space. Mapped buffers get bus
// addresses in a private range; resolving an address yields the CPU buffer.
type Memory struct {
	mu        sync.Mutex
	align     int
	next      qupdma.Addr
	maps      map[qupdma.Addr][]byte
	coherent  map[qupdma.Addr][]byte
	nonlinear map[uintptr]bool
	mapFail   bool
	allocFail bool
}

// NewMemory returns DMA memory requiring the given cache alignment.
func NewMemory(align int) *Memory {
	return &Memory{
		align:     align,
		next:      0x1000_0000,
		maps:      make(map[qupdma.Addr][]byte),
		coherent:  make(map[qupdma.Addr][]byte),
		nonlinear: make(map[uintptr]bool),
	}
}

func (m *Memory) CacheAlignment() int { return m.align }

func (m *Memory) IsLinear(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.nonlinear[addrOf(buf)]
}

// MarkNonLinear flags buf as virtually mapped memory unsuitable for DMA.
func (m *Memory) MarkNonLinear(buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonlinear[addrOf(buf)] = true
}

// FailMaps makes every following Map call fail.
func (m *Memory) FailMaps(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapFail = fail
}

// FailAllocs makes every following AllocCoherent call fail.
func (m *Memory) FailAllocs(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocFail = fail
}

func (m *Memory) Map(buf []byte, dir qupdma.Direction) (qupdma.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mapFail {
		return 0, fmt.Errorf("qupsim: map %s of %d bytes refused", dir, len(buf))
	}
	addr := m.reserve(len(buf))
	m.maps[addr] = buf
	return addr, nil
}

func (m *Memory) Unmap(addr qupdma.Addr, size int, dir qupdma.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.maps, addr)
}

func (m *Memory) AllocCoherent(size int) ([]byte, qupdma.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocFail {
		return nil, 0, fmt.Errorf("qupsim: coherent allocation of %d bytes refused", size)
	}
	buf := make([]byte, size)
	addr := m.reserve(size)
	m.coherent[addr] = buf
	return buf, addr, nil
}

func (m *Memory) FreeCoherent(buf []byte, addr qupdma.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.coherent, addr)
}

// Mapped is the number of streaming mappings currently held.
func (m *Memory) Mapped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.maps)
}

// Coherent returns every live coherent buffer.
func (m *Memory) Coherent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bufs [][]byte
	for _, b := range m.coherent {
		bufs = append(bufs, b)
	}
	return bufs
}

// AlignedBuffer returns a zeroed n byte buffer meeting the cache alignment.
func (m *Memory) AlignedBuffer(n int) []byte {
	if m.align <= 1 {
		return make([]byte, n)
	}
	raw := make([]byte, n+m.align)
	off := 0
	if rem := int(addrOf(raw) % uintptr(m.align)); rem != 0 {
		off = m.align - rem
	}
	return raw[off : off+n : off+n]
}

// reserve hands out a fresh page aligned bus address range.
func (m *Memory) reserve(size int) qupdma.Addr {
	addr := m.next
	m.next += qupdma.Addr((size + 0xfff) &^ 0xfff)
	if size == 0 {
		m.next += 0x1000
	}
	return addr
}

// resolve returns the CPU memory behind a bus address range.
func (m *Memory) resolve(seg qupdma.Segment) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, table := range [2]map[qupdma.Addr][]byte{m.maps, m.coherent} {
		for base, buf := range table {
			if seg.Addr < base || seg.Addr >= base+qupdma.Addr(len(buf)) {
				continue
			}
			off := int(seg.Addr - base)
			if off+seg.Len > len(buf) {
				return nil, fmt.Errorf("%w: %#x+%d overruns %d byte buffer", qupdma.ErrNoMapping, seg.Addr, seg.Len, len(buf))
			}
			return buf[off : off+seg.Len], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x", qupdma.ErrNoMapping, seg.Addr)
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
