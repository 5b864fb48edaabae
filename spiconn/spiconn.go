// Package spiconn exposes a QUP controller through the common Go SPI
// interfaces: periph.io's spi.PortCloser and spi.Conn, and the
// tinygo.org/x/drivers SPI bus used by device drivers.
package spiconn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/soypat/qup"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"tinygo.org/x/drivers"
)

var (
	_ spi.PortCloser = (*Port)(nil)
	_ spi.Conn       = (*Conn)(nil)
	_ drivers.SPI    = (*Conn)(nil)
)

var errClosed = errors.New("spiconn: port closed")

// Port is one QUP controller seen as an SPI port. Transfers from every Conn
// of a port are serialized.
type Port struct {
	mu       sync.Mutex
	c        *qup.Controller
	name     string
	limit    physic.Frequency
	loopback bool
	closed   bool
}

// NewPort wraps c. Closing the port detaches the controller.
func NewPort(c *qup.Controller, name string) *Port {
	return &Port{c: c, name: name}
}

func (p *Port) String() string { return p.name }

// SetLoopback routes MOSI to MISO inside the controller for every following
// transfer. Loopback transfers may not exceed the input FIFO.
func (p *Port) SetLoopback(on bool) {
	p.mu.Lock()
	p.loopback = on
	p.mu.Unlock()
}

// LimitSpeed caps the clock of every connection of the port.
func (p *Port) LimitSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("spiconn: invalid speed %s", f)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = f
	return nil
}

// Connect returns a connection clocked at f or at the port limit, whichever
// is lower. Zero f selects the limit or the controller maximum.
func (p *Port) Connect(f physic.Frequency, m spi.Mode, bits int) (spi.Conn, error) {
	if f < 0 {
		return nil, fmt.Errorf("spiconn: invalid speed %s", f)
	}
	if bits < 4 || bits > 32 {
		return nil, fmt.Errorf("spiconn: %d bits per word outside 4..32", bits)
	}
	if m&(spi.LSBFirst|spi.HalfDuplex|spi.NoCS) != 0 {
		return nil, fmt.Errorf("spiconn: unsupported mode flags %#x", int(m))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errClosed
	}
	top := physic.Frequency(p.c.MaxFrequency()) * physic.Hertz
	if p.limit != 0 && p.limit < top {
		top = p.limit
	}
	if f == 0 || f > top {
		f = top
	}
	hz := uint32(f / physic.Hertz)
	if hz == 0 {
		return nil, fmt.Errorf("spiconn: speed %s below 1Hz", f)
	}
	var mode qup.SPIMode
	if m&spi.Mode1 != 0 {
		mode |= qup.CPHA
	}
	if m&spi.Mode2 != 0 {
		mode |= qup.CPOL
	}
	return &Conn{port: p, hz: hz, mode: mode, bits: uint8(bits)}, nil
}

// Close detaches the controller. Connections fail afterwards.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	p.closed = true
	return p.c.Detach()
}

func (p *Port) execute(x *qup.Transfer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	if p.loopback {
		x.Mode |= qup.Loop
	}
	return p.c.Execute(x)
}

// Conn is a configured connection to a device on a Port.
type Conn struct {
	port *Port
	hz   uint32
	mode qup.SPIMode
	bits uint8
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s@%dHz", c.port.name, c.hz)
}

// Halt is a no-op: transfers are synchronous.
func (c *Conn) Halt() error { return nil }

func (c *Conn) Duplex() conn.Duplex { return conn.Full }

// Tx performs one transfer. w and r must have equal lengths unless one of
// them is empty.
func (c *Conn) Tx(w, r []byte) error {
	return c.tx(w, r, c.bits)
}

// TxPackets performs each packet as its own transfer.
func (c *Conn) TxPackets(pkts []spi.Packet) error {
	for i := range pkts {
		pkt := &pkts[i]
		if pkt.KeepCS {
			return errors.New("spiconn: KeepCS unsupported, chip select is driven per transfer")
		}
		bits := c.bits
		if pkt.BitsPerWord != 0 {
			bits = pkt.BitsPerWord
		}
		if err := c.tx(pkt.W, pkt.R, bits); err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
	}
	return nil
}

// Transfer exchanges a single byte, as drivers.SPI requires.
func (c *Conn) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := c.tx([]byte{b}, r[:], 8)
	return r[0], err
}

func (c *Conn) tx(w, r []byte, bits uint8) error {
	if len(w) == 0 && len(r) == 0 {
		return nil
	}
	x := qup.Transfer{
		BitsPerWord: bits,
		SpeedHz:     c.hz,
		Mode:        c.mode,
	}
	if len(w) != 0 {
		x.Tx = w
	}
	if len(r) != 0 {
		x.Rx = r
	}
	return c.port.execute(&x)
}
