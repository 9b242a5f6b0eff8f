// Package mmio provides access to memory-mapped device registers.
package mmio

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Poll when the condition was not met within the
// retry budget.
var ErrTimeout = errors.New("register poll timed out")

// Window is a block of 32 bit device registers addressed by byte offset.
// Stores are not reordered with respect to each other or to prior writes
// to DMA memory.
type Window interface {
	Load32(off uint32) uint32
	Store32(off uint32, v uint32)
}

// Reg is a single register inside a window.
type Reg struct {
	W   Window
	Off uint32
}

// At returns the register at off.
func At(w Window, off uint32) Reg { return Reg{W: w, Off: off} }

func (r Reg) Get() uint32        { return r.W.Load32(r.Off) }
func (r Reg) Set(v uint32)       { r.W.Store32(r.Off, v) }
func (r Reg) Bits(m uint32) bool { return r.Get()&m != 0 }

// Or sets the bits of v and returns the value written.
func (r Reg) Or(v uint32) (x uint32) {
	x = r.Get() | v
	r.Set(x)
	return
}

// AndNot clears the bits of v and returns the value written.
func (r Reg) AndNot(v uint32) (x uint32) {
	x = r.Get() &^ v
	r.Set(x)
	return
}

// Field replaces the bits selected by mask with v shifted into place.
func (r Reg) Field(mask uint32, shift uint, v uint32) (x uint32) {
	x = r.Get()&^mask | (v<<shift)&mask
	r.Set(x)
	return
}

// StoreAddr writes a 64 bit descriptor address split over the register pair
// at off (low word) and off+4 (high word). The low word goes last since on
// tail registers it is the write that starts the engine.
func StoreAddr(w Window, off uint32, addr uint64) {
	w.Store32(off+4, uint32(addr>>32))
	w.Store32(off, uint32(addr))
}

// LoadAddr reads a 64 bit address stored by StoreAddr.
func LoadAddr(w Window, off uint32) uint64 {
	return uint64(w.Load32(off+4))<<32 | uint64(w.Load32(off))
}

// Poll evaluates cond up to retries times, sleeping delay between attempts.
func Poll(retries int, delay time.Duration, cond func() bool) error {
	for i := 0; i < retries; i++ {
		if cond() {
			return nil
		}
		time.Sleep(delay)
	}
	if cond() {
		return nil
	}
	return fmt.Errorf("%w after %d attempts", ErrTimeout, retries)
}
