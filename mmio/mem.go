package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Mem is a Window over a byte slice, usually an mmaped device BAR.
type Mem struct {
	b []byte
}

// NewMem wraps b. Its length must be a multiple of 4 and its first byte
// 4 byte aligned.
func NewMem(b []byte) (*Mem, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("register window of %d bytes is not word sized", len(b))
	}
	if len(b) > 0 && uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return nil, fmt.Errorf("register window is not word aligned")
	}
	return &Mem{b: b}, nil
}

func (m *Mem) word(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(m.b) {
		panic(fmt.Sprintf("mmio: register offset %#x outside of %d byte window", off, len(m.b)))
	}
	return (*uint32)(unsafe.Pointer(&m.b[off]))
}

func (m *Mem) Load32(off uint32) uint32     { return atomic.LoadUint32(m.word(off)) }
func (m *Mem) Store32(off uint32, v uint32) { atomic.StoreUint32(m.word(off), v) }

// Len returns the window size in bytes.
func (m *Mem) Len() int { return len(m.b) }
