package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Descriptor geometry shared by every layout.
const (
	DescSize = 64
	// MinAlign is the minimum alignment of a descriptor block.
	MinAlign = 0x40

	offNext = 0x00
	offBuf  = 0x08
	offApp  = 0x20

	// NumApp is the number of application words per descriptor.
	NumApp = 5
)

// Control and status word bits.
const (
	LenMask = 0x007F_FFFF

	StsComplete = 0x8000_0000
	StsDecErr   = 0x4000_0000
	StsSlvErr   = 0x2000_0000
	StsIntErr   = 0x1000_0000
	StsErrMask  = StsDecErr | StsSlvErr | StsIntErr
	StsRxSOF    = 0x0800_0000
	StsRxEOF    = 0x0400_0000
)

// Layout describes where a DMA engine variant keeps the control and status
// words of a descriptor and how it flags frame boundaries.
type Layout struct {
	Name    string
	Control uint32
	// Status is indexed by Direction.
	Status [2]uint32
	// SOF and EOF are the start and end of frame bits of the TX control
	// word.
	SOF, EOF uint32
}

var (
	// AXIDMA is the AXI DMA descriptor layout.
	AXIDMA = &Layout{
		Name:    "axidma",
		Control: 0x18,
		Status:  [2]uint32{TX: 0x1C, RX: 0x1C},
		SOF:     0x0800_0000,
		EOF:     0x0400_0000,
	}
	// MCDMA is the AXI MCDMA descriptor layout. Transmit completion status
	// is reported in the side-band word.
	MCDMA = &Layout{
		Name:    "mcdma",
		Control: 0x14,
		Status:  [2]uint32{TX: 0x1C, RX: 0x18},
		SOF:     0x8000_0000,
		EOF:     0x4000_0000,
	}
)

// Direction selects the transmit or receive half of a queue.
type Direction int

const (
	TX Direction = iota
	RX
)

func (d Direction) String() string {
	switch d {
	case TX:
		return "tx"
	case RX:
		return "rx"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Desc is a view of one descriptor in DMA memory. Every access is a single
// atomic 32 bit load or store since the device reads and writes the same
// words concurrently.
type Desc struct {
	b      []byte
	layout *Layout
	dir    Direction
}

// View interprets b as a descriptor of layout l.
func View(b []byte, l *Layout, dir Direction) Desc {
	if len(b) < DescSize {
		panic(fmt.Sprintf("ring: descriptor view of %d bytes", len(b)))
	}
	return Desc{b: b[:DescSize:DescSize], layout: l, dir: dir}
}

func (d Desc) word(off uint32) *uint32 { return (*uint32)(unsafe.Pointer(&d.b[off])) }

func (d Desc) load(off uint32) uint32     { return atomic.LoadUint32(d.word(off)) }
func (d Desc) store(off uint32, v uint32) { atomic.StoreUint32(d.word(off), v) }

func (d Desc) load64(off uint32) uint64 {
	return uint64(d.load(off+4))<<32 | uint64(d.load(off))
}

func (d Desc) store64(off uint32, v uint64) {
	d.store(off, uint32(v))
	d.store(off+4, uint32(v>>32))
}

func (d Desc) Next() uint64          { return d.load64(offNext) }
func (d Desc) SetNext(addr uint64)   { d.store64(offNext, addr) }
func (d Desc) Buffer() uint64        { return d.load64(offBuf) }
func (d Desc) SetBuffer(addr uint64) { d.store64(offBuf, addr) }
func (d Desc) Control() uint32       { return d.load(d.layout.Control) }
func (d Desc) SetControl(v uint32)   { d.store(d.layout.Control, v) }
func (d Desc) Status() uint32        { return d.load(d.layout.Status[d.dir]) }
func (d Desc) SetStatus(v uint32)    { d.store(d.layout.Status[d.dir], v) }

// Done reports whether the device has handed the descriptor back.
func (d Desc) Done() bool { return d.Status()&StsComplete != 0 }

// App returns application word i.
func (d Desc) App(i int) uint32 { return d.load(offApp + uint32(i)*4) }

// SetApp sets application word i.
func (d Desc) SetApp(i int, v uint32) { d.store(offApp+uint32(i)*4, v) }

// Apps returns all application words.
func (d Desc) Apps() (a [NumApp]uint32) {
	for i := range a {
		a[i] = d.App(i)
	}
	return a
}

// SetApps sets all application words.
func (d Desc) SetApps(a [NumApp]uint32) {
	for i, v := range a {
		d.SetApp(i, v)
	}
}

// clear zeroes every word the device interprets except the next pointer.
func (d Desc) clear() {
	d.SetBuffer(0)
	d.store(d.layout.Control, 0)
	d.store(d.layout.Status[TX], 0)
	d.store(d.layout.Status[RX], 0)
	d.SetApps([NumApp]uint32{})
}
